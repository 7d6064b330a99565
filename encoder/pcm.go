package encoder

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// QuantizeSample maps a float sample to int16. Input is clamped to
// [-1, 1]; negative values scale by 32768 and the rest by 32767, so both
// ends of the int16 range are reachable. NaN maps to 0.
func QuantizeSample(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s < -1 {
		s = -1
	} else if s > 1 {
		s = 1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = QuantizeSample(s)
	}
	return out
}

// PCM16 serializes samples as little-endian signed 16-bit.
func PCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Samples is the inverse of PCM16. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// EncodeBase64 writes data through a streaming base64 encoder in
// WindowSize pieces. The encoder carries partial groups across writes,
// so the result is identical to a single-shot encoding regardless of
// whether len(data) is a multiple of the window.
func EncodeBase64(data []byte) string {
	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(len(data)))
	w := base64.NewEncoder(base64.StdEncoding, &sb)
	for off := 0; off < len(data); off += WindowSize {
		end := min(off+WindowSize, len(data))
		w.Write(data[off:end])
	}
	w.Close()
	return sb.String()
}

func DecodeBase64(s string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 audio: %w", err)
	}
	return out, nil
}

// Encoded is one chunk in both binary and transport form.
type Encoded struct {
	PCM  []byte
	Text string
}

func EncodeChunk(samples []int16) Encoded {
	pcm := PCM16(samples)
	return Encoded{PCM: pcm, Text: EncodeBase64(pcm)}
}

// EncodeFloat quantizes and encodes float samples in one step.
func EncodeFloat(samples []float32) Encoded {
	return EncodeChunk(Quantize(samples))
}
