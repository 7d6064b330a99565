// Package recorder drives a recording from microphone to translation
// in either streaming or batch mode.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"babel/audio"
	"babel/encoder"
	"babel/log"
	"babel/metrics"
	"babel/playback"
	"babel/transport"

	"github.com/google/uuid"
)

type Mode int

const (
	ModeStreaming Mode = iota
	ModeBatch
)

func (m Mode) String() string {
	if m == ModeBatch {
		return "batch"
	}
	return "streaming"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "streaming", "stream":
		return ModeStreaming, nil
	case "batch":
		return ModeBatch, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

type State int

const (
	StateIdle State = iota
	StateRecording
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	}
	return "idle"
}

type Config struct {
	Mode            Mode
	SourceLang      string
	TargetLang      string
	SampleRate      int
	FrameSize       int
	ChunkDuration   time.Duration
	StopLinger      time.Duration
	StallTimeout    time.Duration
	RequestTimeout  time.Duration
	UtteranceFormat string
	Device          *audio.DeviceInfo
}

// Translator is the batch path to the backend.
type Translator interface {
	Translate(ctx context.Context, blob encoder.Blob, sourceLang, targetLang string) (*transport.TranslationResult, error)
}

type Reachability interface {
	Reachable() bool
}

type Deps struct {
	Audio      audio.Context
	Queue      *playback.Queue
	NewSession func() *transport.Session
	Translator Translator
	// Health gates Start; nil means always reachable.
	Health Reachability
	// Cues plays start/stop tones; nil disables them.
	Cues    playback.Player
	Metrics *metrics.Metrics
	Sink    Sink
}

// Controller is the recording state machine. Start and Stop may be
// called from any goroutine.
type Controller struct {
	cfg  Config
	deps Deps

	// serializes Start, Stop and aborts
	opMu sync.Mutex

	mu     sync.Mutex
	state  State
	mode   Mode
	langs  transport.LanguagePair
	device *audio.DeviceInfo
	cur    *recording
}

type recording struct {
	id      string
	mode    Mode
	langs   transport.LanguagePair
	started time.Time
	capture audio.CaptureDevice
	meter   *audio.Meter

	frames  *frameBuffer
	arrived atomic.Int64

	senderDone chan struct{}
	tickerStop chan struct{}
	tickerDone chan struct{}

	sess        *transport.Session
	stopped     chan struct{}
	stoppedOnce sync.Once

	// owned by the sender until senderDone
	chunks  int
	samples []int16

	releaseOnce sync.Once
}

func New(cfg Config, deps Deps) *Controller {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.FrameSize
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 2 * time.Second
	}
	if cfg.StopLinger <= 0 {
		cfg.StopLinger = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.UtteranceFormat == "" {
		cfg.UtteranceFormat = "flac"
	}
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		mode:   cfg.Mode,
		langs:  transport.LanguagePair{SourceLang: cfg.SourceLang, TargetLang: cfg.TargetLang},
		device: cfg.Device,
	}
	if deps.Queue != nil {
		deps.Queue.OnResult(func(e playback.Entry) { c.deps.Sink.Result(e) })
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) Languages() (source, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.langs.SourceLang, c.langs.TargetLang
}

func (c *Controller) Device() *audio.DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *Controller) SetMode(m Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrBusy
	}
	c.mode = m
	return nil
}

func (c *Controller) SetLanguages(source, target string) error {
	if source == "" || target == "" {
		return errors.New("recorder: source and target language are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrBusy
	}
	c.langs = transport.LanguagePair{SourceLang: source, TargetLang: target}
	return nil
}

// SetDevice selects the capture device for the next recording; nil is
// the system default.
func (c *Controller) SetDevice(d *audio.DeviceInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrBusy
	}
	c.device = d
	return nil
}

func (c *Controller) setState(st State) {
	c.mu.Lock()
	if c.state == st {
		c.mu.Unlock()
		return
	}
	c.state = st
	c.mu.Unlock()
	c.deps.Sink.State(st)
}

func (c *Controller) report(err error) {
	c.deps.Sink.Error(err)
}

// Start opens the microphone and, in streaming mode, the event
// channel. A capture failure is returned as *audio.CapabilityError
// before any connection is attempted.
func (c *Controller) Start(ctx context.Context) error {
	// a batch Stop holds opMu through the upload; refuse instead of
	// queueing behind it
	if c.State() != StateIdle {
		return ErrBusy
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	mode, langs, device := c.mode, c.langs, c.device
	c.mu.Unlock()

	if c.deps.Health != nil && !c.deps.Health.Reachable() {
		c.report(ErrBackendUnreachable)
		return ErrBackendUnreachable
	}

	r := &recording{
		id:         uuid.NewString(),
		mode:       mode,
		langs:      langs,
		meter:      audio.NewMeter(),
		frames:     newFrameBuffer(),
		senderDone: make(chan struct{}),
		tickerStop: make(chan struct{}),
		tickerDone: make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	capture, err := c.deps.Audio.NewCapture(device, audio.CaptureConfig{
		SampleRate: uint32(c.cfg.SampleRate),
		Channels:   1,
		FrameSize:  c.cfg.FrameSize,
	})
	if err != nil {
		return c.captureFailed(err)
	}
	r.capture = capture
	capture.SetCallback(r.onFrame)
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		c.release(r)
		return c.captureFailed(err)
	}

	if mode == ModeStreaming {
		if err := c.openSession(ctx, r); err != nil {
			capture.Stop()
			capture.ClearCallback()
			c.release(r)
			log.Errorf("recording %s: %v", r.id, err)
			c.report(err)
			return err
		}
	}

	r.started = time.Now()
	go c.send(r)
	go c.tick(r)

	c.mu.Lock()
	c.cur = r
	c.mu.Unlock()
	c.setState(StateRecording)

	c.deps.Metrics.SessionStarted(mode.String())
	log.SessionStart(r.id, mode.String(), langs.SourceLang, langs.TargetLang)
	c.cue(playback.CueStart)
	return nil
}

func (c *Controller) captureFailed(err error) error {
	err = audio.Classify(err)
	c.deps.Metrics.CaptureError(kindLabel(err))
	log.Errorf("capture: %v", err)
	c.report(err)
	c.cue(playback.CueError)
	return err
}

func (c *Controller) openSession(ctx context.Context, r *recording) error {
	if c.deps.NewSession == nil {
		return errors.New("recorder: streaming mode has no transport")
	}
	sess := c.deps.NewSession()
	r.sess = sess
	sess.OnState(c.deps.Sink.Connection)
	sess.Subscribe(func(ev transport.Event) { c.onEvent(r, ev) })

	if err := sess.Connect(ctx); err != nil {
		sess.Disconnect()
		return err
	}
	if err := sess.StartTranslation(r.langs.SourceLang, r.langs.TargetLang); err != nil {
		sess.Disconnect()
		return err
	}
	go c.watch(r)
	return nil
}

func (c *Controller) onEvent(r *recording, ev transport.Event) {
	switch ev.Name {
	case transport.EventConnected:
		log.Debugf("recording %s: connected: %s", r.id, ev.Message)
	case transport.EventTranslationStarted:
		log.Infof("recording %s: translating %s -> %s", r.id, ev.Langs.SourceLang, ev.Langs.TargetLang)
	case transport.EventTranslationResult:
		c.submit(ev.Result)
	case transport.EventTranslationStopped:
		r.stoppedOnce.Do(func() { close(r.stopped) })
		c.deps.Sink.TranslationStopped()
	case transport.EventError:
		log.Warnf("recording %s: backend: %v", r.id, ev.Err)
		c.report(ev.Err)
	}
}

func (c *Controller) submit(res *transport.TranslationResult) {
	if c.deps.Queue != nil {
		c.deps.Queue.Submit(res)
		return
	}
	log.Translation(res.OriginalText, res.TranslatedText)
	c.deps.Sink.Result(playback.Entry{Result: res})
}

// watch ends the recording when the session gives up reconnecting.
func (c *Controller) watch(r *recording) {
	<-r.sess.Done()
	if err := r.sess.Err(); err != nil {
		c.report(err)
		c.abort(r, err)
	}
}

func (c *Controller) abort(r *recording, cause error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.mu.Unlock()

	c.finishCapture(r)
	log.Warnf("recording %s aborted: %v", r.id, cause)
	log.SessionEnd(r.id, r.chunks, time.Since(r.started).Seconds())
	c.setState(StateIdle)
	c.cue(playback.CueError)
}

// onFrame runs on the capture thread and must not block.
func (r *recording) onFrame(frame []float32) {
	r.arrived.Add(1)
	r.frames.push(frame)
}

// send is the only writer to the session, so chunks go out in capture
// order.
func (c *Controller) send(r *recording) {
	defer close(r.senderDone)
	chunker := audio.NewChunker(c.cfg.SampleRate, c.cfg.ChunkDuration)
	r.frames.drain(func(frame []float32) {
		c.deps.Sink.Level(r.meter.Update(frame))
		pcm := encoder.Quantize(frame)
		if r.mode == ModeBatch {
			r.samples = append(r.samples, pcm...)
			return
		}
		if ch, ok := chunker.Write(pcm); ok {
			c.sendChunk(r, ch)
		}
	})
	if r.mode == ModeStreaming {
		if ch, ok := chunker.Flush(); ok {
			c.sendChunk(r, ch)
		}
	}
}

func (c *Controller) sendChunk(r *recording, ch audio.Chunk) {
	enc := encoder.EncodeChunk(ch.Samples)
	if err := r.sess.SendChunk(enc.Text, ch.SampleRate); err != nil {
		log.Warnf("recording %s: chunk %d lost: %v", r.id, ch.Seq, err)
		c.report(fmt.Errorf("audio chunk %d lost: %w", ch.Seq, err))
		return
	}
	r.chunks++
	log.ChunkSent(r.id, ch.Seq, len(ch.Samples), len(enc.Text))
}

func (c *Controller) tick(r *recording) {
	defer close(r.tickerDone)
	wd := newStallWatchdog(c.cfg.StallTimeout)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.tickerStop:
			return
		case <-ticker.C:
			c.deps.Sink.Tick(time.Since(r.started))
			switch wd.Tick(r.arrived.Swap(0) > 0) {
			case stallDetected:
				log.Warnf("recording %s: no audio for %v", r.id, c.cfg.StallTimeout)
				c.deps.Metrics.CaptureStalled()
				c.report(ErrCaptureStalled)
			case stallCleared:
				log.Infof("recording %s: audio resumed", r.id)
			}
		}
	}
}

// finishCapture stops the microphone and waits until every captured
// frame has been handled.
func (c *Controller) finishCapture(r *recording) {
	r.capture.Stop()
	r.capture.ClearCallback()
	r.frames.close()
	<-r.senderDone
	close(r.tickerStop)
	<-r.tickerDone
	c.release(r)
	if n := r.frames.backlog(); n > 64 {
		log.Warnf("recording %s: sender fell %d frames behind capture", r.id, n)
	}
}

func (c *Controller) release(r *recording) {
	r.releaseOnce.Do(func() {
		r.capture.Close()
		r.meter.Reset()
		c.deps.Sink.Level(0)
	})
}

// Stop ends the recording. Streaming returns at once with a nil result;
// translations keep arriving on the queue until the backend confirms
// the stop. Batch uploads the utterance and returns its translation.
func (c *Controller) Stop(ctx context.Context) (*transport.TranslationResult, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	r := c.cur
	c.cur = nil
	c.mu.Unlock()
	if r == nil {
		return nil, ErrNotRecording
	}

	c.finishCapture(r)
	c.cue(playback.CueStop)
	elapsed := time.Since(r.started)

	if r.mode == ModeStreaming {
		err := r.sess.StopTranslation()
		if err != nil {
			log.Warnf("recording %s: stop: %v", r.id, err)
			c.report(err)
			r.sess.Disconnect()
		} else {
			go c.linger(r)
		}
		log.SessionEnd(r.id, r.chunks, elapsed.Seconds())
		c.setState(StateIdle)
		return nil, err
	}

	c.setState(StateProcessing)
	res, err := c.translate(ctx, r)
	log.SessionEnd(r.id, 1, elapsed.Seconds())
	c.setState(StateIdle)
	return res, err
}

// linger keeps the session open for results still in flight.
func (c *Controller) linger(r *recording) {
	timer := time.NewTimer(c.cfg.StopLinger)
	defer timer.Stop()
	select {
	case <-r.stopped:
	case <-r.sess.Done():
	case <-timer.C:
		log.Warnf("recording %s: no translation_stopped after %v", r.id, c.cfg.StopLinger)
	}
	st := r.sess.Stats()
	log.StreamMetrics(log.StreamMetricsData{
		ConnectMs:  float64(st.ConnectDur.Microseconds()) / 1000,
		TotalMs:    float64(time.Since(r.started).Microseconds()) / 1000,
		AudioS:     float64(st.SentBytes*3/4/2) / float64(c.cfg.SampleRate),
		SentChunks: st.SentChunks,
		SentKB:     float64(st.SentBytes) / 1024,
		Results:    st.Results,
		Reconnects: st.Reconnects,
	})
	r.sess.Disconnect()
}

func (c *Controller) translate(ctx context.Context, r *recording) (*transport.TranslationResult, error) {
	if len(r.samples) < c.cfg.SampleRate/10 {
		log.Infof("recording %s: too short, skipped", r.id)
		c.report(ErrTooShort)
		return nil, nil
	}
	if c.deps.Translator == nil {
		err := errors.New("recorder: batch mode has no translator")
		c.report(err)
		return nil, err
	}
	blob, err := encoder.EncodeUtterance(c.cfg.UtteranceFormat, r.samples, c.cfg.SampleRate)
	if err != nil {
		c.report(err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	res, err := c.deps.Translator.Translate(ctx, blob, r.langs.SourceLang, r.langs.TargetLang)
	if err != nil {
		log.Errorf("recording %s: %v", r.id, err)
		c.report(err)
		c.cue(playback.CueError)
		return nil, err
	}
	c.submit(res)
	return res, nil
}

// Close stops any active recording.
func (c *Controller) Close() {
	if c.State() == StateRecording {
		c.Stop(context.Background())
	}
}

func (c *Controller) cue(k playback.Cue) {
	p := c.deps.Cues
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := playback.PlayCue(ctx, p, k); err != nil {
			log.Debugf("cue: %v", err)
		}
	}()
}
