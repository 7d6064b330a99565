//go:build linux

package playback

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

type pulseDevice struct {
	client *pulse.Client
}

func NewDevice() (Device, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("babel"))
	if err != nil {
		return nil, err
	}
	return &pulseDevice{client: c}, nil
}

func (d *pulseDevice) Play(ctx context.Context, audio []byte, sampleRate int) error {
	a, err := Decode(audio, sampleRate)
	if err != nil {
		return err
	}
	if a.Channels > 2 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedAudio, a.Channels)
	}

	var cancelled atomic.Bool
	pos := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if cancelled.Load() || pos >= len(a.Samples) {
			return 0, pulse.EndOfData
		}
		n := copy(buf, a.Samples[pos:])
		pos += n
		return n, nil
	})

	volumes := make(proto.ChannelVolumes, a.Channels)
	for i := range volumes {
		volumes[i] = uint32(proto.VolumeNorm)
	}
	stream, err := d.client.NewPlayback(reader,
		pulse.PlaybackChannels(channelMap(a.Channels)),
		pulse.PlaybackSampleRate(a.SampleRate),
		pulse.PlaybackLatency(0.1),
		pulse.PlaybackRawOption(func(p *proto.CreatePlaybackStream) {
			p.ChannelVolumes = volumes
		}),
	)
	if err != nil {
		return err
	}
	defer stream.Close()

	drained := make(chan struct{})
	stream.Start()
	go func() {
		stream.Drain()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		// the reader reports end of data on its next call, so the
		// drain finishes within one buffer
		cancelled.Store(true)
		<-drained
	}
	stream.Stop()
	if err := stream.Error(); err != nil {
		return err
	}
	return ctx.Err()
}

func channelMap(n int) proto.ChannelMap {
	if n == 2 {
		return proto.ChannelMap{proto.ChannelLeft, proto.ChannelRight}
	}
	return proto.ChannelMap{proto.ChannelMono}
}

func (d *pulseDevice) Close() {
	d.client.Close()
}
