package encoder

import (
	"bytes"
	"encoding/base64"
	"math"
	"math/rand"
	"testing"
)

func TestQuantizeBounds(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{-1, -32768},
		{1, 32767},
		{0, 0},
		{-2.5, -32768},
		{7, 32767},
		{0.5, 16383},
		{-0.5, -16384},
		{float32(math.Inf(1)), 32767},
		{float32(math.Inf(-1)), -32768},
		{float32(math.NaN()), 0},
	}
	for _, tt := range tests {
		if got := QuantizeSample(tt.in); got != tt.want {
			t.Errorf("QuantizeSample(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestQuantizeSweepStaysInRange(t *testing.T) {
	for i := -30000; i <= 30000; i++ {
		s := float32(i) / 10000
		q := QuantizeSample(s)
		if s >= 0 && q < 0 || s < 0 && q > 0 {
			t.Fatalf("QuantizeSample(%v) = %d flipped sign", s, q)
		}
	}
}

func TestPCM16LittleEndian(t *testing.T) {
	got := PCM16([]int16{1, -1, 256})
	want := []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("PCM16 = %x, want %x", got, want)
	}
	back := Samples(got)
	if len(back) != 3 || back[0] != 1 || back[1] != -1 || back[2] != 256 {
		t.Errorf("Samples = %v", back)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sizes := []int{0, 1, 2, 3, WindowSize - 1, WindowSize, WindowSize + 1, 2 * WindowSize, 3*WindowSize + 5, 64000}
	for _, n := range sizes {
		data := make([]byte, n)
		rng.Read(data)

		enc := EncodeBase64(data)
		if want := base64.StdEncoding.EncodeToString(data); enc != want {
			t.Fatalf("size %d: windowed encoding differs from single-shot", n)
		}
		dec, err := DecodeBase64(enc)
		if err != nil {
			t.Fatalf("size %d: %v", n, err)
		}
		if !bytes.Equal(dec, data) {
			t.Fatalf("size %d: round trip mismatch", n)
		}
	}
}

func TestDecodeBase64Invalid(t *testing.T) {
	if _, err := DecodeBase64("not base64!!"); err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestEncodeFloatChunk(t *testing.T) {
	frame := make([]float32, 4096)
	for i := range frame {
		frame[i] = float32(math.Sin(float64(i) / 10))
	}
	e := EncodeFloat(frame)
	if len(e.PCM) != 2*len(frame) {
		t.Fatalf("PCM length = %d, want %d", len(e.PCM), 2*len(frame))
	}
	dec, err := DecodeBase64(e.Text)
	if err != nil {
		t.Fatal(err)
	}
	got := Samples(dec)
	for i, s := range frame {
		if got[i] != QuantizeSample(s) {
			t.Fatalf("sample %d = %d, want %d", i, got[i], QuantizeSample(s))
		}
	}
}
