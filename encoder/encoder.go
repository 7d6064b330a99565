// Package encoder turns captured samples into wire payloads: quantized
// PCM16, base64 text for the event channel and whole-utterance blobs
// for batch uploads.
package encoder

import (
	"fmt"
	"time"
)

const (
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096

	// WindowSize is the number of bytes handed to the base64 encoder per
	// write, bounding the working set for long chunks.
	WindowSize = 8192
)

// Encoder accumulates blocks of samples into a single utterance file.
type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
	AddEncodeTime(d time.Duration)
	EncodeTime() time.Duration
}

// Blob is an encoded utterance ready for multipart upload.
type Blob struct {
	Data        []byte
	Filename    string
	ContentType string
	SampleRate  int
	Frames      uint64
	EncodeTime  time.Duration
}

// New returns an utterance encoder for format ("flac" or "wav").
func New(format string, sampleRate int) (Encoder, error) {
	switch format {
	case "flac":
		return NewFlac(sampleRate)
	case "wav":
		return NewWav(sampleRate), nil
	default:
		return nil, fmt.Errorf("unsupported utterance format %q", format)
	}
}

// EncodeUtterance encodes samples in BlockSize blocks and returns the
// finished blob.
func EncodeUtterance(format string, samples []int16, sampleRate int) (Blob, error) {
	enc, err := New(format, sampleRate)
	if err != nil {
		return Blob{}, err
	}
	start := time.Now()
	for i := 0; i < len(samples); i += BlockSize {
		end := min(i+BlockSize, len(samples))
		if err := enc.EncodeBlock(samples[i:end]); err != nil {
			return Blob{}, err
		}
	}
	if err := enc.Close(); err != nil {
		return Blob{}, err
	}
	enc.AddEncodeTime(time.Since(start))

	blob := Blob{
		Data:       enc.Bytes(),
		Filename:   "recording." + format,
		SampleRate: sampleRate,
		Frames:     enc.TotalFrames(),
		EncodeTime: enc.EncodeTime(),
	}
	switch format {
	case "flac":
		blob.ContentType = "audio/flac"
	case "wav":
		blob.ContentType = "audio/wav"
	}
	return blob, nil
}
