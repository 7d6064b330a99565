package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"babel/log"
	"babel/metrics"

	"github.com/google/uuid"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
)

type SessionConfig struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Dialer            Dialer
	Metrics           *metrics.Metrics
}

type Stats struct {
	ConnectDur time.Duration
	SentChunks int
	SentBytes  int
	Results    int
	Reconnects int
}

// Session is one logical connection to the event channel. It dials with
// a bounded retry budget, redials the same way when the connection
// drops, and ends for good when the budget runs out or Disconnect is
// called. Events and state changes are delivered to listeners in the
// order they happened, from a single goroutine; listeners may call back
// into the session.
type Session struct {
	id  string
	cfg SessionConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        Conn
	state       State
	connecting  bool
	translating bool
	langs       LanguagePair
	closed      bool
	err         error
	stats       Stats

	subMu     sync.Mutex
	nextSub   int
	subs      map[int]func(Event)
	stateSubs map[int]func(State)

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []func()
	qclosed bool
	done    chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.ReconnectAttempts < 1 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WSDialer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[int]func(Event)),
		stateSubs: make(map[int]func(State)),
		done:      make(chan struct{}),
	}
	s.qcond = sync.NewCond(&s.qmu)
	go s.dispatchLoop()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports why the session ended: ErrReconnectExhausted (wrapped) when
// the retry budget ran out, nil after Disconnect or while alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has ended and every pending
// notification has been delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) Translating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.translating
}

// Subscribe registers fn for inbound events.
func (s *Session) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// OnState registers fn for connection state transitions.
func (s *Session) OnState(fn func(State)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.stateSubs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.stateSubs, id)
		s.subMu.Unlock()
	}
}

// Connect dials the event channel, retrying up to the configured number
// of attempts. On exhaustion the session is terminally disconnected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.connecting || s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	start := time.Now()
	conn, err := s.dial(dialCtx)
	stop()
	cancel()

	s.mu.Lock()
	s.connecting = false
	if s.closed {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrSessionClosed
	}
	if err != nil {
		s.mu.Unlock()
		s.terminate(err)
		return err
	}
	s.conn = conn
	s.stats.ConnectDur = time.Since(start)
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	attempts := s.cfg.ReconnectAttempts
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = &ConnectionError{URL: s.cfg.URL, Attempt: attempt, Cause: err}
		log.Reconnect(s.id, attempt, attempts, err)
		s.cfg.Metrics.ReconnectAttempt()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempts, lastErr)
}

func (s *Session) readLoop(conn Conn) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				log.Warnf("session %s: %v", s.id, err)
				continue
			}
			next, ok := s.redial(conn, err)
			if !ok {
				return
			}
			conn = next
			continue
		}
		s.handle(env)
	}
}

// redial replaces a dropped connection. It reports false when the
// session is over, either closed by the caller or out of attempts.
func (s *Session) redial(conn Conn, cause error) (Conn, bool) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return nil, false
	}
	s.conn = nil
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	conn.Close()
	log.Warnf("session %s: connection lost: %v", s.id, cause)

	next, err := s.dial(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.terminate(err)
		}
		return nil, false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		next.Close()
		return nil, false
	}
	// the restart goes out before the connection is published, so no
	// chunk can reach the backend ahead of it
	if s.translating {
		if err := s.write(next, EventStartTranslation, s.langs); err != nil {
			log.Warnf("session %s: restarting translation: %v", s.id, err)
		}
	}
	s.conn = next
	s.stats.Reconnects++
	s.setStateLocked(StateConnected)
	s.mu.Unlock()
	return next, true
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (s *Session) handle(env Envelope) {
	switch env.Event {
	case EventConnected:
		var m ConnectedMessage
		decode(env.Data, &m)
		s.emit(Event{Name: EventConnected, Message: m.Message})

	case EventTranslationStarted:
		var m LanguagePair
		decode(env.Data, &m)
		s.emit(Event{Name: EventTranslationStarted, Langs: m})

	case EventTranslationResult:
		var m ResultMessage
		if err := decode(env.Data, &m); err != nil {
			s.emit(Event{Name: EventError, Err: fmt.Errorf("%w: translation_result: %v", ErrInvalidMessage, err)})
			return
		}
		r, err := m.Result(time.Now())
		if err != nil {
			s.emit(Event{Name: EventError, Err: err})
			return
		}
		s.mu.Lock()
		s.stats.Results++
		s.mu.Unlock()
		s.cfg.Metrics.Result("streaming", r.Latency())
		s.emit(Event{Name: EventTranslationResult, Result: r})

	case EventTranslationStopped:
		s.emit(Event{Name: EventTranslationStopped})

	case EventError:
		var m ErrorMessage
		decode(env.Data, &m)
		msg := m.text()
		s.cfg.Metrics.BackendError("streaming")
		s.emit(Event{Name: EventError, Message: msg, Err: &BackendError{Message: msg}})

	default:
		log.Debugf("session %s: ignoring event %q", s.id, env.Event)
	}
}

func (s *Session) write(conn Conn, name EventName, payload any) error {
	env, err := NewEnvelope(name, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteEnvelope(env); err != nil {
		s.cfg.Metrics.SendFailed()
		return fmt.Errorf("sending %s: %w", name, err)
	}
	return nil
}

func (s *Session) liveConn() (Conn, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.conn == nil || s.state != StateConnected {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// StartTranslation opens a translation on the connection. A second call
// before StopTranslation returns ErrTranslationActive.
func (s *Session) StartTranslation(sourceLang, targetLang string) error {
	s.mu.Lock()
	if s.translating {
		s.mu.Unlock()
		return ErrTranslationActive
	}
	conn, err := s.liveConn()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.translating = true
	s.langs = LanguagePair{SourceLang: sourceLang, TargetLang: targetLang}
	langs := s.langs
	s.mu.Unlock()

	if err := s.write(conn, EventStartTranslation, langs); err != nil {
		s.mu.Lock()
		s.translating = false
		s.mu.Unlock()
		return err
	}
	return nil
}

// StopTranslation asks the backend to finish the open translation.
// Results for audio already sent keep arriving until translation_stopped.
func (s *Session) StopTranslation() error {
	s.mu.Lock()
	if !s.translating {
		s.mu.Unlock()
		return nil
	}
	s.translating = false
	conn, err := s.liveConn()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.write(conn, EventStopTranslation, struct{}{})
}

// SendChunk sends one base64 PCM16 chunk. Chunks are not buffered for
// retransmission; a failed send loses that window.
func (s *Session) SendChunk(audio string, sampleRate int) error {
	s.mu.Lock()
	conn, err := s.liveConn()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	err = s.write(conn, EventAudioChunk, AudioChunkMessage{
		Audio:      audio,
		SampleRate: sampleRate,
		Format:     FormatRawPCM,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stats.SentChunks++
	s.stats.SentBytes += len(audio)
	s.mu.Unlock()
	s.cfg.Metrics.ChunkSent(len(audio))
	return nil
}

// Disconnect closes the connection and ends the session. It is safe to
// call more than once.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.translating = false
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.closeQueue()
	return err
}

func (s *Session) terminate(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.conn = nil
	s.translating = false
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	log.Errorf("session %s: %v", s.id, err)
	s.cancel()
	s.closeQueue()
}

// setStateLocked must be called with s.mu held so that notifications
// are queued in transition order.
func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.cfg.Metrics.SetConnectionState(int(st))
	s.enqueue(func() {
		s.subMu.Lock()
		fns := make([]func(State), 0, len(s.stateSubs))
		for _, fn := range s.stateSubs {
			fns = append(fns, fn)
		}
		s.subMu.Unlock()
		for _, fn := range fns {
			fn(st)
		}
	})
}

func (s *Session) emit(ev Event) {
	s.enqueue(func() {
		s.subMu.Lock()
		fns := make([]func(Event), 0, len(s.subs))
		for _, fn := range s.subs {
			fns = append(fns, fn)
		}
		s.subMu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	})
}

func (s *Session) enqueue(fn func()) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.qclosed {
		return
	}
	s.queue = append(s.queue, fn)
	s.qcond.Signal()
}

func (s *Session) closeQueue() {
	s.qmu.Lock()
	s.qclosed = true
	s.qcond.Broadcast()
	s.qmu.Unlock()
}

func (s *Session) dispatchLoop() {
	defer close(s.done)
	for {
		s.qmu.Lock()
		for len(s.queue) == 0 && !s.qclosed {
			s.qcond.Wait()
		}
		if len(s.queue) == 0 {
			s.qmu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.qmu.Unlock()
		fn()
	}
}
