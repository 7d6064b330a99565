package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"babel/audio"
	"babel/encoder"
	"babel/playback"
	"babel/transport"
)

type testSink struct {
	NopSink
	mu      sync.Mutex
	states  []State
	errs    []error
	results []playback.Entry
	stopped chan struct{}
	once    sync.Once
}

func newTestSink() *testSink {
	return &testSink{stopped: make(chan struct{})}
}

func (s *testSink) State(st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *testSink) Error(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *testSink) Result(e playback.Entry) {
	s.mu.Lock()
	s.results = append(s.results, e)
	s.mu.Unlock()
}

func (s *testSink) TranslationStopped() {
	s.once.Do(func() { close(s.stopped) })
}

func (s *testSink) errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// translatingBackend answers every audio_chunk with one result.
func translatingBackend(c *transport.FakeConn) {
	c.Push(transport.EventConnected, transport.ConnectedMessage{Message: "ready"})
	n := 0
	c.OnSend = func(c *transport.FakeConn, env transport.Envelope) {
		switch env.Event {
		case transport.EventStartTranslation:
			var langs transport.LanguagePair
			json.Unmarshal(env.Data, &langs)
			c.Push(transport.EventTranslationStarted, langs)
		case transport.EventAudioChunk:
			n++
			c.Push(transport.EventTranslationResult, transport.ResultMessage{
				OriginalText:   "(silence)",
				TranslatedText: "(silencio)",
				Audio:          encoder.EncodeBase64(encoder.PCM16(make([]int16, 160))),
				SampleRate:     16000,
			})
		case transport.EventStopTranslation:
			c.Push(transport.EventTranslationStopped, nil)
		}
	}
}

type harness struct {
	ctrl     *Controller
	sink     *testSink
	ctx      *audio.FakeContext
	dialer   *transport.FakeDialer
	player   *playback.FakePlayer
	queue    *playback.Queue
	sessions atomic.Int32
}

func newHarness(t *testing.T, cfg Config, samples []float32) *harness {
	t.Helper()
	h := &harness{
		sink:   newTestSink(),
		ctx:    audio.NewFakeContext(samples, 16000, false),
		dialer: &transport.FakeDialer{OnConn: translatingBackend},
		player: playback.NewFakePlayer(5 * time.Millisecond),
	}
	h.queue = playback.NewQueue(h.player)
	t.Cleanup(h.queue.Close)
	if cfg.SourceLang == "" {
		cfg.SourceLang, cfg.TargetLang = "en", "es"
	}
	h.ctrl = New(cfg, Deps{
		Audio: h.ctx,
		Queue: h.queue,
		NewSession: func() *transport.Session {
			h.sessions.Add(1)
			return transport.NewSession(transport.SessionConfig{
				URL:               "ws://backend.test/ws",
				ReconnectAttempts: 5,
				ReconnectDelay:    time.Millisecond,
				Dialer:            h.dialer,
			})
		},
		Sink: h.sink,
	})
	return h
}

func waitAudio(t *testing.T, ctx *audio.FakeContext) {
	t.Helper()
	caps := ctx.Captures()
	if len(caps) != 1 {
		t.Fatalf("%d captures, want 1", len(caps))
	}
	select {
	case <-caps[0].AudioDone():
	case <-time.After(2 * time.Second):
		t.Fatal("capture never finished")
	}
}

func TestStreamingSilence(t *testing.T) {
	// three chunks' worth of silence at the 2 s chunk size
	samples := make([]float32, 3*2*16000)
	h := newHarness(t, Config{Mode: ModeStreaming}, samples)

	if err := h.ctrl.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.ctrl.State() != StateRecording {
		t.Fatalf("state = %v", h.ctrl.State())
	}
	waitAudio(t, h.ctx)

	res, err := h.ctrl.Stop(t.Context())
	if err != nil || res != nil {
		t.Fatalf("Stop = %v, %v", res, err)
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("state after stop = %v", h.ctrl.State())
	}

	select {
	case <-h.sink.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("translation_stopped never observed")
	}
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	if err := h.queue.WaitIdle(ctx); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}

	conn := h.dialer.Conns()[0]
	chunks := conn.Sent(transport.EventAudioChunk)
	total := 0
	for _, env := range chunks {
		var m transport.AudioChunkMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			t.Fatal(err)
		}
		pcm, err := encoder.DecodeBase64(m.Audio)
		if err != nil {
			t.Fatal(err)
		}
		total += len(pcm) / 2
		if m.SampleRate != 16000 || m.Format != transport.FormatRawPCM {
			t.Errorf("chunk header = %d %q", m.SampleRate, m.Format)
		}
	}
	if len(chunks) != 3 || total != len(samples) {
		t.Errorf("sent %d chunks / %d samples, want 3 / %d", len(chunks), total, len(samples))
	}

	var langs transport.LanguagePair
	json.Unmarshal(conn.Sent(transport.EventStartTranslation)[0].Data, &langs)
	if langs.SourceLang != "en" || langs.TargetLang != "es" {
		t.Errorf("start_translation = %+v", langs)
	}
	if len(conn.Sent(transport.EventStopTranslation)) != 1 {
		t.Error("stop_translation not sent")
	}

	h.sink.mu.Lock()
	results := h.sink.results
	h.sink.mu.Unlock()
	if len(results) > 3 {
		t.Errorf("%d results for 3 chunks", len(results))
	}
	for i, e := range results {
		if e.Result.IsFinal != nil && i != len(results)-1 {
			t.Errorf("result %d has is_final set", i)
		}
	}
	if got := len(h.player.Intervals()); got != len(results) {
		t.Errorf("played %d of %d results", got, len(results))
	}

	caps := h.ctx.Captures()
	if !caps[0].Closed() {
		t.Error("capture device not released")
	}
	waitClosed(t, conn)
}

func waitClosed(t *testing.T, c *transport.FakeConn) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("session not disconnected after linger")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBatchPermissionDenied(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeBatch}, nil)
	h.ctx.StartErr = errors.New("Permission denied by system")
	var translations atomic.Int32
	h.ctrl.deps.Translator = translatorFunc(func(context.Context, encoder.Blob, string, string) (*transport.TranslationResult, error) {
		translations.Add(1)
		return nil, errors.New("unexpected")
	})

	err := h.ctrl.Start(t.Context())
	var ce *audio.CapabilityError
	if !errors.As(err, &ce) || !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start err = %v, want permission denied capability error", err)
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("message %q does not say permission denied", err)
	}
	if h.sessions.Load() != 0 || h.dialer.Dials() != 0 || translations.Load() != 0 {
		t.Error("transport opened after capture failure")
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("state = %v", h.ctrl.State())
	}
	if !h.ctx.Captures()[0].Closed() {
		t.Error("capture not released")
	}
	if errs := h.sink.errors(); len(errs) != 1 || !errors.Is(errs[0], audio.ErrPermissionDenied) {
		t.Errorf("sink errors = %v", errs)
	}
}

func TestStreamingPermissionDenied(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeStreaming}, nil)
	h.ctx.StartErr = errors.New("NotAllowedError")
	if err := h.ctrl.Start(t.Context()); !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start err = %v", err)
	}
	if h.sessions.Load() != 0 {
		t.Error("session created after capture failure")
	}
}

type translatorFunc func(ctx context.Context, blob encoder.Blob, src, tgt string) (*transport.TranslationResult, error)

func (f translatorFunc) Translate(ctx context.Context, blob encoder.Blob, src, tgt string) (*transport.TranslationResult, error) {
	return f(ctx, blob, src, tgt)
}

func TestBatchTranslate(t *testing.T) {
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = 0.25
	}
	h := newHarness(t, Config{Mode: ModeBatch, UtteranceFormat: "wav"}, samples)
	var got encoder.Blob
	h.ctrl.deps.Translator = translatorFunc(func(_ context.Context, blob encoder.Blob, src, tgt string) (*transport.TranslationResult, error) {
		got = blob
		if src != "en" || tgt != "es" {
			t.Errorf("languages = %s -> %s", src, tgt)
		}
		return &transport.TranslationResult{OriginalText: "hi", TranslatedText: "hola"}, nil
	})

	if err := h.ctrl.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitAudio(t, h.ctx)
	res, err := h.ctrl.Stop(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.TranslatedText != "hola" {
		t.Fatalf("result = %+v", res)
	}
	a, err := encoder.DecodeWAV(got.Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Samples) != len(samples) || a.Samples[0] != encoder.QuantizeSample(0.25) {
		t.Errorf("uploaded %d samples, first %d", len(a.Samples), a.Samples[0])
	}
	if h.dialer.Dials() != 0 {
		t.Error("batch mode dialed the event channel")
	}

	h.sink.mu.Lock()
	states := append([]State(nil), h.sink.states...)
	nres := len(h.sink.results)
	h.sink.mu.Unlock()
	want := []State{StateRecording, StateProcessing, StateIdle}
	if len(states) != 3 || states[0] != want[0] || states[1] != want[1] || states[2] != want[2] {
		t.Errorf("states = %v, want %v", states, want)
	}
	if nres != 1 {
		t.Errorf("sink saw %d results", nres)
	}
}

func TestBatchBackendError(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeBatch}, make([]float32, 8000))
	h.ctrl.deps.Translator = translatorFunc(func(context.Context, encoder.Blob, string, string) (*transport.TranslationResult, error) {
		return nil, &transport.BackendError{StatusCode: 500, Message: "model not loaded"}
	})
	if err := h.ctrl.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitAudio(t, h.ctx)
	_, err := h.ctrl.Stop(t.Context())
	var be *transport.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("Stop err = %v", err)
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("state = %v", h.ctrl.State())
	}
	if errs := h.sink.errors(); len(errs) == 0 {
		t.Error("backend error not reported to sink")
	}
	// no partial state is kept, so the caller can simply try again
	if err := h.ctrl.Start(t.Context()); err != nil {
		t.Errorf("restart after failure: %v", err)
	}
	h.ctrl.Stop(t.Context())
}

type reachability bool

func (r reachability) Reachable() bool { return bool(r) }

func TestStartGuards(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeStreaming}, make([]float32, 4096))
	h.ctrl.deps.Health = reachability(false)
	if err := h.ctrl.Start(t.Context()); !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("Start err = %v, want ErrBackendUnreachable", err)
	}
	if len(h.ctx.Captures()) != 0 {
		t.Error("capture opened while backend unreachable")
	}

	h.ctrl.deps.Health = reachability(true)
	if err := h.ctrl.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.Start(t.Context()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start err = %v, want ErrBusy", err)
	}
	if err := h.ctrl.SetMode(ModeBatch); !errors.Is(err, ErrBusy) {
		t.Errorf("SetMode while recording = %v", err)
	}
	if err := h.ctrl.SetLanguages("en", "fr"); !errors.Is(err, ErrBusy) {
		t.Errorf("SetLanguages while recording = %v", err)
	}
	if _, err := h.ctrl.Stop(t.Context()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctrl.Stop(t.Context()); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Stop while idle = %v", err)
	}
	if err := h.ctrl.SetMode(ModeBatch); err != nil || h.ctrl.Mode() != ModeBatch {
		t.Errorf("SetMode while idle = %v", err)
	}
	if err := h.ctrl.SetLanguages("en", "fr"); err != nil {
		t.Error(err)
	}
	if src, tgt := h.ctrl.Languages(); src != "en" || tgt != "fr" {
		t.Errorf("languages = %s -> %s", src, tgt)
	}
}

func TestStreamingConnectExhausted(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeStreaming}, make([]float32, 4096))
	h.dialer.Fail = -1
	err := h.ctrl.Start(t.Context())
	if !errors.Is(err, transport.ErrReconnectExhausted) {
		t.Fatalf("Start err = %v", err)
	}
	if h.dialer.Dials() != 5 {
		t.Errorf("dials = %d, want 5", h.dialer.Dials())
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("state = %v", h.ctrl.State())
	}
	if !h.ctx.Captures()[0].Closed() {
		t.Error("capture not released after connect failure")
	}
}

func TestCaptureStallReported(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeBatch, StallTimeout: 200 * time.Millisecond}, make([]float32, 4096))
	h.ctrl.deps.Translator = translatorFunc(func(context.Context, encoder.Blob, string, string) (*transport.TranslationResult, error) {
		return &transport.TranslationResult{}, nil
	})
	if err := h.ctrl.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitAudio(t, h.ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		stalls := 0
		for _, err := range h.sink.errors() {
			if errors.Is(err, ErrCaptureStalled) {
				stalls++
			}
		}
		if stalls > 1 {
			t.Fatalf("stall reported %d times", stalls)
		}
		if stalls == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stall never reported")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if h.ctrl.State() != StateRecording {
		t.Errorf("stall ended the recording: %v", h.ctrl.State())
	}
	h.ctrl.Stop(t.Context())
}

func TestStallWatchdog(t *testing.T) {
	w := newStallWatchdog(300 * time.Millisecond)
	seq := []struct {
		frames bool
		want   stallEvent
	}{
		{true, stallNone},
		{false, stallNone},
		{false, stallNone},
		{false, stallDetected},
		{false, stallNone},
		{true, stallCleared},
		{true, stallNone},
	}
	for i, s := range seq {
		if got := w.Tick(s.frames); got != s.want {
			t.Errorf("tick %d = %v, want %v", i, got, s.want)
		}
	}

	off := newStallWatchdog(0)
	for i := 0; i < 100; i++ {
		if off.Tick(false) != stallNone {
			t.Fatal("disabled watchdog fired")
		}
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"streaming": ModeStreaming, "Batch": ModeBatch, "stream": ModeStreaming} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("live"); err == nil {
		t.Error("expected error")
	}
}

func sentSamples(t *testing.T, conn *transport.FakeConn) (chunks, samples int) {
	t.Helper()
	for _, env := range conn.Sent(transport.EventAudioChunk) {
		var m transport.AudioChunkMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			t.Fatal(err)
		}
		pcm, err := encoder.DecodeBase64(m.Audio)
		if err != nil {
			t.Fatal(err)
		}
		chunks++
		samples += len(pcm) / 2
	}
	return chunks, samples
}

func TestStreamingSlowBackendKeepsEveryFrame(t *testing.T) {
	// far more frames than the sender can keep up with
	samples := make([]float32, 400*audio.FrameSize)
	for i := range samples {
		samples[i] = float32(i%200-100) / 400
	}
	h := newHarness(t, Config{Mode: ModeStreaming}, samples)
	h.dialer.OnConn = func(c *transport.FakeConn) {
		translatingBackend(c)
		answer := c.OnSend
		c.OnSend = func(c *transport.FakeConn, env transport.Envelope) {
			if env.Event == transport.EventAudioChunk {
				time.Sleep(20 * time.Millisecond)
			}
			answer(c, env)
		}
	}

	if err := h.ctrl.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitAudio(t, h.ctx)
	if _, err := h.ctrl.Stop(t.Context()); err != nil {
		t.Fatal(err)
	}
	if got := h.ctx.Captures()[0].FramesDelivered(); got != 400 {
		t.Fatalf("capture delivered %d frames, want 400", got)
	}

	chunks, sent := sentSamples(t, h.dialer.Conns()[0])
	if sent != len(samples) {
		t.Errorf("captured %d samples, sent %d", len(samples), sent)
	}
	perChunk := 2 * 16000
	if want := (len(samples) + perChunk - 1) / perChunk; chunks != want {
		t.Errorf("sent %d chunks, want %d", chunks, want)
	}
}

func TestStartRejectedWhileProcessing(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeBatch}, make([]float32, 16000))
	entered := make(chan struct{})
	h.ctrl.deps.Translator = translatorFunc(func(context.Context, encoder.Blob, string, string) (*transport.TranslationResult, error) {
		close(entered)
		time.Sleep(300 * time.Millisecond)
		return &transport.TranslationResult{OriginalText: "hi", TranslatedText: "hola"}, nil
	})
	if err := h.ctrl.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitAudio(t, h.ctx)

	stopped := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Stop(t.Context())
		stopped <- err
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("upload never started")
	}
	if h.ctrl.State() != StateProcessing {
		t.Fatalf("state = %v, want processing", h.ctrl.State())
	}

	begin := time.Now()
	if err := h.ctrl.Start(t.Context()); !errors.Is(err, ErrBusy) {
		t.Errorf("Start while processing = %v, want ErrBusy", err)
	}
	if d := time.Since(begin); d > 100*time.Millisecond {
		t.Errorf("Start waited %v for the upload", d)
	}

	if err := <-stopped; err != nil {
		t.Fatal(err)
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("state after upload = %v", h.ctrl.State())
	}
	if n := len(h.ctx.Captures()); n != 1 {
		t.Errorf("%d captures opened, want 1", n)
	}
}

func TestBatchTooShortReported(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeBatch}, make([]float32, 800))
	var calls atomic.Int32
	h.ctrl.deps.Translator = translatorFunc(func(context.Context, encoder.Blob, string, string) (*transport.TranslationResult, error) {
		calls.Add(1)
		return &transport.TranslationResult{}, nil
	})
	if err := h.ctrl.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitAudio(t, h.ctx)
	res, err := h.ctrl.Stop(t.Context())
	if res != nil || err != nil {
		t.Fatalf("Stop = %v, %v", res, err)
	}
	if calls.Load() != 0 {
		t.Error("uploaded a 50 ms utterance")
	}
	errs := h.sink.errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrTooShort) {
		t.Errorf("sink errors = %v, want ErrTooShort", errs)
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("state = %v", h.ctrl.State())
	}
}

func TestFrameBufferOrder(t *testing.T) {
	b := newFrameBuffer()
	var got []float32
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.drain(func(f []float32) { got = append(got, f[0]) })
	}()
	for i := 0; i < 1000; i++ {
		if !b.push([]float32{float32(i)}) {
			t.Fatal("push refused before close")
		}
	}
	b.close()
	<-done
	if b.push([]float32{0}) {
		t.Error("push accepted after close")
	}
	if len(got) != 1000 {
		t.Fatalf("drained %d frames, want 1000", len(got))
	}
	for i, v := range got {
		if v != float32(i) {
			t.Fatalf("frame %d = %v", i, v)
		}
	}
}
