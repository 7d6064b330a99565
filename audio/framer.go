package audio

import "sync/atomic"

// framer regroups backend buffers of arbitrary length into frames of a
// fixed size before handing them to the registered callback. Partial
// frames are held until the next buffer arrives; flush delivers the
// tail once the stream has stopped.
type framer struct {
	size     int
	pending  []float32
	callback atomic.Pointer[FrameCallback]
}

func newFramer(size int) *framer {
	return &framer{size: size, pending: make([]float32, 0, size)}
}

func (f *framer) set(cb FrameCallback) {
	if cb == nil {
		f.callback.Store(nil)
		return
	}
	f.callback.Store(&cb)
}

// push is called from the backend's audio thread only.
func (f *framer) push(buf []float32) {
	cb := f.callback.Load()
	if cb == nil {
		f.pending = f.pending[:0]
		return
	}
	for len(buf) > 0 {
		n := min(f.size-len(f.pending), len(buf))
		f.pending = append(f.pending, buf[:n]...)
		buf = buf[n:]
		if len(f.pending) == f.size {
			frame := make([]float32, f.size)
			copy(frame, f.pending)
			f.pending = f.pending[:0]
			(*cb)(frame)
		}
	}
}

// flush hands any held samples to the callback as a short final frame.
// Call it only after the backend has stopped pushing.
func (f *framer) flush() {
	cb := f.callback.Load()
	if cb == nil || len(f.pending) == 0 {
		f.pending = f.pending[:0]
		return
	}
	frame := make([]float32, len(f.pending))
	copy(frame, f.pending)
	f.pending = f.pending[:0]
	(*cb)(frame)
}

func (f *framer) reset() {
	f.pending = f.pending[:0]
}
