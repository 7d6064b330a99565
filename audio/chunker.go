package audio

import "time"

// Chunk is a run of consecutive quantized samples sent as one unit.
type Chunk struct {
	Samples    []int16
	SampleRate int
	Seq        int
	Final      bool
}

func (c Chunk) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Chunker accumulates frames until at least Threshold samples are
// buffered, then emits everything buffered as one chunk. Frames are
// never split, so a chunk holds between Threshold and
// Threshold+len(frame)-1 samples; the final flush may hold fewer.
// Not safe for concurrent use.
type Chunker struct {
	sampleRate int
	threshold  int
	buf        []int16
	seq        int
}

func NewChunker(sampleRate int, duration time.Duration) *Chunker {
	threshold := int(duration.Seconds() * float64(sampleRate))
	if threshold < 1 {
		threshold = 1
	}
	return &Chunker{
		sampleRate: sampleRate,
		threshold:  threshold,
		buf:        make([]int16, 0, threshold+FrameSize),
	}
}

func (c *Chunker) Threshold() int { return c.threshold }

func (c *Chunker) Buffered() int { return len(c.buf) }

// Write appends frame and reports a chunk once the threshold is reached.
func (c *Chunker) Write(frame []int16) (Chunk, bool) {
	c.buf = append(c.buf, frame...)
	if len(c.buf) < c.threshold {
		return Chunk{}, false
	}
	return c.emit(false), true
}

// Flush emits whatever is buffered as the final chunk.
func (c *Chunker) Flush() (Chunk, bool) {
	if len(c.buf) == 0 {
		return Chunk{}, false
	}
	return c.emit(true), true
}

func (c *Chunker) emit(final bool) Chunk {
	ch := Chunk{
		Samples:    c.buf,
		SampleRate: c.sampleRate,
		Seq:        c.seq,
		Final:      final,
	}
	c.seq++
	c.buf = make([]int16, 0, c.threshold+FrameSize)
	return ch
}
