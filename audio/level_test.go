package audio

import (
	"math"
	"testing"
)

func constFrame(v float32, n int) []float32 {
	f := make([]float32, n)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v", got)
	}
	if got := RMS(constFrame(0.5, 100)); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS(0.5) = %v", got)
	}
	sq := []float32{1, -1, 1, -1}
	if got := RMS(sq); math.Abs(got-1) > 1e-9 {
		t.Errorf("RMS(square) = %v", got)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		rms  float64
		want float64
	}{
		{0, 0},
		{math.NaN(), 0},
		{1e-6, 0},
		{1, 1},
		{2, 1},
		{0.001, 0}, // -60 dB
		{math.Pow(10, -30.0/20), 0.5},
	}
	for _, tt := range tests {
		if got := Normalize(tt.rms); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Normalize(%v) = %v, want %v", tt.rms, got, tt.want)
		}
	}
}

func TestMeterBallistics(t *testing.T) {
	m := NewMeter()
	loud := constFrame(0.9, FrameSize)
	quiet := constFrame(0, FrameSize)

	up := m.Update(loud)
	if up <= 0 || up > 1 {
		t.Fatalf("level after loud frame = %v", up)
	}
	for i := 0; i < 10; i++ {
		m.Update(loud)
	}
	high := m.Level()

	down := m.Update(quiet)
	if down >= high {
		t.Errorf("level did not decay: %v -> %v", high, down)
	}
	if high-down > high*meterAttack {
		t.Errorf("release faster than attack: %v -> %v", high, down)
	}
	if m.Peak() < high {
		t.Errorf("Peak %v below level %v", m.Peak(), high)
	}

	m.Reset()
	if m.Level() != 0 || m.Peak() != 0 {
		t.Error("Reset did not clear meter")
	}
}
