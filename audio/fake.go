package audio

import (
	"fmt"
	"os"
	"sync"
	"time"

	"babel/encoder"
)

// FakeContext replays a fixed sample buffer through every capture it
// creates. It stands in for hardware in tests and in --test-audio runs.
type FakeContext struct {
	Samples    []float32
	SampleRate int
	Realtime   bool

	// StartErr, when set, is returned (classified) by every capture Start.
	StartErr error
	// DevicesErr is returned by Devices.
	DevicesErr error
	DeviceList []DeviceInfo

	mu       sync.Mutex
	captures []*FakeCapture
}

func NewFakeContext(samples []float32, sampleRate int, realtime bool) *FakeContext {
	return &FakeContext{Samples: samples, SampleRate: sampleRate, Realtime: realtime}
}

// NewFakeContextFromWAV loads a PCM16 WAV file as the replay buffer.
func NewFakeContextFromWAV(path string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := encoder.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	samples := make([]float32, 0, len(a.Samples)/a.Channels)
	for i := 0; i+a.Channels <= len(a.Samples); i += a.Channels {
		samples = append(samples, float32(a.Samples[i])/32768)
	}
	return NewFakeContext(samples, a.SampleRate, realtime), nil
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) { return f.DeviceList, f.DevicesErr }
func (f *FakeContext) Close()                         {}

func (f *FakeContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	c := &FakeCapture{
		samples:   f.Samples,
		realtime:  f.Realtime,
		frameSize: config.frameSize(),
		rate:      int(config.SampleRate),
		startErr:  f.StartErr,
		audioDone: make(chan struct{}),
	}
	if c.rate == 0 {
		c.rate = f.SampleRate
	}
	f.mu.Lock()
	f.captures = append(f.captures, c)
	f.mu.Unlock()
	return c, nil
}

// Captures returns every capture created so far.
func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeCapture(nil), f.captures...)
}

// FakeCapture delivers the context's samples in frames and then goes
// quiet, closing AudioDone.
type FakeCapture struct {
	samples   []float32
	realtime  bool
	frameSize int
	rate      int
	startErr  error
	audioDone chan struct{}

	mu       sync.Mutex
	cb       FrameCallback
	stopCh   chan struct{}
	feedDone chan struct{}
	closed   bool
	frames   int
	doneOnce sync.Once
}

func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb FrameCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

// Closed reports whether Close has been called.
func (f *FakeCapture) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// FramesDelivered counts frames handed to a callback.
func (f *FakeCapture) FramesDelivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *FakeCapture) deliver(frame []float32) {
	f.mu.Lock()
	cb := f.cb
	if cb != nil {
		f.frames++
	}
	f.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

func (f *FakeCapture) Start() error {
	if f.startErr != nil {
		return Classify(f.startErr)
	}
	f.mu.Lock()
	if f.stopCh != nil {
		f.mu.Unlock()
		return nil
	}
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()

	var interval time.Duration
	if f.realtime && f.rate > 0 {
		interval = time.Duration(f.frameSize) * time.Second / time.Duration(f.rate)
	}

	go func() {
		defer close(feedDone)
		for pos := 0; pos < len(f.samples); pos += f.frameSize {
			end := min(pos+f.frameSize, len(f.samples))
			frame := make([]float32, end-pos)
			copy(frame, f.samples[pos:end])
			f.deliver(frame)

			if interval > 0 {
				select {
				case <-stopCh:
					return
				case <-time.After(interval):
				}
			} else {
				select {
				case <-stopCh:
					return
				default:
				}
			}
		}
		f.doneOnce.Do(func() { close(f.audioDone) })
		<-stopCh
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	stopCh, feedDone := f.stopCh, f.feedDone
	f.stopCh, f.feedDone = nil, nil
	f.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-feedDone
}

func (f *FakeCapture) Close() {
	f.Stop()
	f.mu.Lock()
	f.closed = true
	f.cb = nil
	f.mu.Unlock()
}
