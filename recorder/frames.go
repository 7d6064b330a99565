package recorder

import "sync"

// frameBuffer hands frames from the capture thread to the sender. Push
// never blocks and never drops; the backlog grows until the sender
// catches up.
type frameBuffer struct {
	mu     sync.Mutex
	frames [][]float32
	closed bool
	peak   int
	ready  chan struct{}
}

func newFrameBuffer() *frameBuffer {
	return &frameBuffer{ready: make(chan struct{}, 1)}
}

// push queues a frame and reports false once the buffer is closed.
func (b *frameBuffer) push(frame []float32) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.frames = append(b.frames, frame)
	b.peak = max(b.peak, len(b.frames))
	b.mu.Unlock()
	b.signal()
	return true
}

func (b *frameBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *frameBuffer) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// take returns everything queued so far and whether the buffer has been
// closed. A closed buffer never gains frames after take returns.
func (b *frameBuffer) take() ([][]float32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.frames
	b.frames = nil
	return out, b.closed
}

// drain calls fn for every frame in push order until the buffer is
// closed and empty.
func (b *frameBuffer) drain(fn func([]float32)) {
	for {
		batch, closed := b.take()
		for _, f := range batch {
			fn(f)
		}
		if closed {
			return
		}
		if len(batch) == 0 {
			<-b.ready
		}
	}
}

// backlog is the largest number of frames that were waiting at once.
func (b *frameBuffer) backlog() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}
