package recorder

import "time"

const tickInterval = 100 * time.Millisecond

type stallEvent int

const (
	stallNone stallEvent = iota
	stallDetected
	stallCleared
)

// stallWatchdog counts ticks without capture frames. It reports a
// stall once when the quiet run reaches the limit and a clear when
// frames come back.
type stallWatchdog struct {
	limit   int
	quiet   int
	stalled bool
}

func newStallWatchdog(timeout time.Duration) *stallWatchdog {
	limit := int(timeout / tickInterval)
	if timeout > 0 && limit < 1 {
		limit = 1
	}
	return &stallWatchdog{limit: limit}
}

func (w *stallWatchdog) Tick(gotFrames bool) stallEvent {
	if w.limit <= 0 {
		return stallNone
	}
	if gotFrames {
		w.quiet = 0
		if w.stalled {
			w.stalled = false
			return stallCleared
		}
		return stallNone
	}
	w.quiet++
	if w.quiet >= w.limit && !w.stalled {
		w.stalled = true
		return stallDetected
	}
	return stallNone
}
