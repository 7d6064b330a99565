package encoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrNotWAV = errors.New("not a PCM16 WAV file")

// WavEncoder collects blocks and prepends a canonical 44-byte header on Close.
type WavEncoder struct {
	sampleRate  int
	pcm         bytes.Buffer
	out         []byte
	totalFrames uint64
	encodeTime  time.Duration
	mu          sync.Mutex
}

func NewWav(sampleRate int) *WavEncoder {
	return &WavEncoder{sampleRate: sampleRate}
}

func (e *WavEncoder) EncodeBlock(block []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pcm.Write(PCM16(block))
	e.totalFrames += uint64(len(block))
	return nil
}

func (e *WavEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out = WAV(e.pcm.Bytes(), e.sampleRate)
	return nil
}

func (e *WavEncoder) Bytes() []byte {
	return e.out
}

func (e *WavEncoder) TotalFrames() uint64 {
	return e.totalFrames
}

func (e *WavEncoder) AddEncodeTime(d time.Duration) {
	e.mu.Lock()
	e.encodeTime += d
	e.mu.Unlock()
}

func (e *WavEncoder) EncodeTime() time.Duration {
	return e.encodeTime
}

// WAV wraps mono PCM16 data in a RIFF header.
func WAV(pcm []byte, sampleRate int) []byte {
	var b bytes.Buffer
	b.Grow(44 + len(pcm))
	byteRate := uint32(sampleRate * Channels * BitsPerSample / 8)

	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint16(Channels))
	binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&b, binary.LittleEndian, byteRate)
	binary.Write(&b, binary.LittleEndian, uint16(Channels*BitsPerSample/8))
	binary.Write(&b, binary.LittleEndian, uint16(BitsPerSample))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

// PCMAudio is decoded interleaved PCM16.
type PCMAudio struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

func (a PCMAudio) Duration() time.Duration {
	if a.SampleRate == 0 || a.Channels == 0 {
		return 0
	}
	frames := len(a.Samples) / a.Channels
	return time.Duration(frames) * time.Second / time.Duration(a.SampleRate)
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV parses a RIFF file holding 16-bit PCM. Unknown chunks are
// skipped; a data chunk whose size overruns the file is truncated to
// what is present, which is how streamed WAVs with placeholder sizes
// arrive.
func DecodeWAV(data []byte) (PCMAudio, error) {
	if !IsWAV(data) {
		return PCMAudio{}, ErrNotWAV
	}
	var (
		a      PCMAudio
		gotFmt bool
		off    = 12
	)
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) || size < 0 {
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return PCMAudio{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			a.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			a.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits := binary.LittleEndian.Uint16(data[body+14:])
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE; accepted when it still carries 16-bit samples
			if (format != 1 && format != 0xFFFE) || bits != 16 {
				return PCMAudio{}, fmt.Errorf("%w: format %d, %d bits", ErrNotWAV, format, bits)
			}
			if a.Channels < 1 || a.SampleRate < 1 {
				return PCMAudio{}, fmt.Errorf("%w: %d channels at %d Hz", ErrNotWAV, a.Channels, a.SampleRate)
			}
			gotFmt = true
		case "data":
			if !gotFmt {
				return PCMAudio{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			a.Samples = Samples(data[body:end])
			return a, nil
		}

		off = end + size%2
	}
	return PCMAudio{}, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}
