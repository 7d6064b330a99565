//go:build !linux

package playback

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

type malgoDevice struct {
	ctx *malgo.AllocatedContext
	// one stream at a time; the queue never overlaps playback anyway
	mu sync.Mutex
}

func NewDevice() (Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: %w", err)
	}
	return &malgoDevice{ctx: ctx}, nil
}

func (d *malgoDevice) Play(ctx context.Context, audio []byte, sampleRate int) error {
	a, err := Decode(audio, sampleRate)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	pcm := make([]byte, len(a.Samples)*2)
	for i, s := range a.Samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	frameBytes := 2 * a.Channels

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = uint32(a.Channels)
	config.SampleRate = uint32(a.SampleRate)

	var (
		pos      int
		finished = make(chan struct{})
		once     sync.Once
	)
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			want := int(frameCount) * frameBytes
			if want > len(out) {
				want = len(out)
			}
			n := copy(out[:want], pcm[pos:])
			pos += n
			for i := n; i < want; i++ {
				out[i] = 0
			}
			if pos >= len(pcm) {
				once.Do(func() { close(finished) })
			}
		},
	}

	dev, err := malgo.InitDevice(d.ctx.Context, config, callbacks)
	if err != nil {
		return fmt.Errorf("malgo init playback: %w", err)
	}
	defer dev.Uninit()
	if err := dev.Start(); err != nil {
		return fmt.Errorf("malgo start playback: %w", err)
	}

	select {
	case <-finished:
	case <-ctx.Done():
	}
	dev.Stop()
	return ctx.Err()
}

func (d *malgoDevice) Close() {
	d.ctx.Uninit()
	d.ctx.Free()
}
