// Package playback plays translated audio strictly in arrival order.
package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"babel/encoder"
)

var ErrUnsupportedAudio = errors.New("playback: unsupported audio payload")

// Player renders one audio payload. Play blocks until the audio has
// finished, failed, or ctx is done.
type Player interface {
	Play(ctx context.Context, audio []byte, sampleRate int) error
}

// Device is a Player bound to an output device.
type Device interface {
	Player
	Close()
}

// containers we know we cannot play; checked so that they are not
// mistaken for raw PCM
var foreignMagic = [][]byte{
	[]byte("ID3"),
	[]byte("OggS"),
	[]byte("fLaC"),
	[]byte("\x1aE\xdf\xa3"), // webm / matroska
	{0xff, 0xfb},
	{0xff, 0xf3},
}

// Decode turns a payload into PCM16. WAV files carry their own format;
// anything else is taken as raw little-endian mono PCM16 at sampleRate.
func Decode(audio []byte, sampleRate int) (encoder.PCMAudio, error) {
	if len(audio) == 0 {
		return encoder.PCMAudio{}, fmt.Errorf("%w: empty", ErrUnsupportedAudio)
	}
	if encoder.IsWAV(audio) {
		a, err := encoder.DecodeWAV(audio)
		if err != nil {
			return encoder.PCMAudio{}, fmt.Errorf("%w: %v", ErrUnsupportedAudio, err)
		}
		if len(a.Samples) == 0 {
			return encoder.PCMAudio{}, fmt.Errorf("%w: no samples", ErrUnsupportedAudio)
		}
		return a, nil
	}
	for _, magic := range foreignMagic {
		if bytes.HasPrefix(audio, magic) {
			return encoder.PCMAudio{}, fmt.Errorf("%w: compressed container", ErrUnsupportedAudio)
		}
	}
	if len(audio)%2 != 0 {
		return encoder.PCMAudio{}, fmt.Errorf("%w: odd length %d for PCM16", ErrUnsupportedAudio, len(audio))
	}
	if sampleRate <= 0 {
		return encoder.PCMAudio{}, fmt.Errorf("%w: raw PCM without a sample rate", ErrUnsupportedAudio)
	}
	return encoder.PCMAudio{
		Samples:    encoder.Samples(audio),
		SampleRate: sampleRate,
		Channels:   1,
	}, nil
}
