package playback

import (
	"context"
	"sync"
	"time"
)

// Interval is one call to FakePlayer.Play.
type Interval struct {
	Audio       []byte
	Start, End  time.Time
	Interrupted bool
}

// FakePlayer decodes like a device would and then "plays" for
// Duration. It records every call and the highest number of
// simultaneous plays it has seen.
type FakePlayer struct {
	Duration time.Duration
	// Fail, when set, can reject a payload after decoding.
	Fail func(audio []byte) error

	mu        sync.Mutex
	intervals []Interval
	active    int
	maxActive int
	started   chan struct{}
}

func NewFakePlayer(d time.Duration) *FakePlayer {
	return &FakePlayer{Duration: d, started: make(chan struct{}, 64)}
}

func (p *FakePlayer) Play(ctx context.Context, audio []byte, sampleRate int) error {
	if _, err := Decode(audio, sampleRate); err != nil {
		return err
	}
	if p.Fail != nil {
		if err := p.Fail(audio); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.active++
	p.maxActive = max(p.maxActive, p.active)
	iv := Interval{Audio: audio, Start: time.Now()}
	p.mu.Unlock()
	select {
	case p.started <- struct{}{}:
	default:
	}

	timer := time.NewTimer(p.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		iv.Interrupted = true
	}
	iv.End = time.Now()

	p.mu.Lock()
	p.active--
	p.intervals = append(p.intervals, iv)
	p.mu.Unlock()
	return ctx.Err()
}

// Started receives once per Play that got past decoding.
func (p *FakePlayer) Started() <-chan struct{} { return p.started }

func (p *FakePlayer) Intervals() []Interval {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Interval(nil), p.intervals...)
}

func (p *FakePlayer) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

func (p *FakePlayer) Close() {}
