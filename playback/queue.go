package playback

import (
	"context"
	"sync"

	"babel/log"
	"babel/metrics"
	"babel/transport"
)

// DefaultSampleRate applies to raw PCM results that do not say.
const DefaultSampleRate = 16000

// Entry is one queued result. Seq counts submissions from 1 and only
// identifies entries for listeners; ordering is by arrival.
type Entry struct {
	Result *transport.TranslationResult
	Seq    int
}

type Option func(*Queue)

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithSampleRate sets the rate assumed for raw PCM without one.
func WithSampleRate(rate int) Option {
	return func(q *Queue) {
		if rate > 0 {
			q.rate = rate
		}
	}
}

// Queue surfaces results in arrival order and plays their audio one at
// a time. A failed or undecodable entry is reported and skipped; it
// never stalls the entries behind it.
type Queue struct {
	player  Player
	metrics *metrics.Metrics
	rate    int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// serializes Submit so OnResult sees arrival order
	submitMu sync.Mutex

	mu       sync.Mutex
	cond     *sync.Cond
	entries  []Entry
	urgent   *Entry
	current  *Entry
	stopCur  context.CancelFunc
	seq      int
	closed   bool
	onResult []func(Entry)
	onPlay   []func(Entry)
	onError  []func(Entry, error)
	onIdle   []func()
}

func NewQueue(player Player, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		player: player,
		rate:   DefaultSampleRate,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// OnResult registers fn to see every submitted result, in order, as it
// is submitted.
func (q *Queue) OnResult(fn func(Entry)) {
	q.mu.Lock()
	q.onResult = append(q.onResult, fn)
	q.mu.Unlock()
}

// OnPlay registers fn to run as each entry starts playing.
func (q *Queue) OnPlay(fn func(Entry)) {
	q.mu.Lock()
	q.onPlay = append(q.onPlay, fn)
	q.mu.Unlock()
}

// OnError registers fn for entries whose audio failed to play.
func (q *Queue) OnError(fn func(Entry, error)) {
	q.mu.Lock()
	q.onError = append(q.onError, fn)
	q.mu.Unlock()
}

// OnIdle registers fn to run whenever the queue runs dry.
func (q *Queue) OnIdle(fn func()) {
	q.mu.Lock()
	q.onIdle = append(q.onIdle, fn)
	q.mu.Unlock()
}

// Submit appends r. Results are never dropped or reordered; a slow
// player makes them wait.
func (q *Queue) Submit(r *transport.TranslationResult) {
	if r == nil {
		return
	}
	q.submitMu.Lock()
	defer q.submitMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	e := Entry{Result: r, Seq: q.seq}
	q.entries = append(q.entries, e)
	q.metrics.SetQueueLength(len(q.entries))
	listeners := append([]func(Entry){}, q.onResult...)
	q.cond.Broadcast()
	q.mu.Unlock()

	log.Translation(r.OriginalText, r.TranslatedText)
	for _, fn := range listeners {
		fn(e)
	}
}

// PlayNow interrupts the current playback, which is abandoned, and
// plays r next. Queued entries keep their order behind it.
func (q *Queue) PlayNow(r *transport.TranslationResult) {
	if r == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.seq++
	q.urgent = &Entry{Result: r, Seq: q.seq}
	if q.stopCur != nil {
		q.stopCur()
	}
	q.cond.Broadcast()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}

func (q *Queue) idleLocked() bool {
	return q.closed || (q.current == nil && q.urgent == nil && len(q.entries) == 0)
}

// WaitIdle blocks until nothing is queued or playing.
func (q *Queue) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.idleLocked() {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// Close stops playback, drops anything still queued and waits for the
// worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.entries = nil
	q.urgent = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	q.cancel()
	<-q.done
}

func (q *Queue) next() (Entry, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.urgent == nil && len(q.entries) == 0 {
		q.cond.Wait()
	}
	if q.closed {
		return Entry{}, nil, false
	}
	var e Entry
	if q.urgent != nil {
		e = *q.urgent
		q.urgent = nil
	} else {
		e = q.entries[0]
		q.entries[0] = Entry{}
		q.entries = q.entries[1:]
	}
	ctx, cancel := context.WithCancel(q.ctx)
	q.current = &e
	q.stopCur = cancel
	q.metrics.SetQueueLength(len(q.entries))
	return e, ctx, true
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		e, ctx, ok := q.next()
		if !ok {
			return
		}

		q.mu.Lock()
		onPlay := append([]func(Entry){}, q.onPlay...)
		q.mu.Unlock()
		for _, fn := range onPlay {
			fn(e)
		}

		err := q.play(ctx, e)
		interrupted := ctx.Err() != nil

		q.mu.Lock()
		q.stopCur()
		q.current = nil
		q.stopCur = nil
		idle := q.idleLocked() && !q.closed
		onError := append([]func(Entry, error){}, q.onError...)
		onIdle := append([]func(){}, q.onIdle...)
		q.cond.Broadcast()
		q.mu.Unlock()

		switch {
		case interrupted:
			log.Debugf("playback of result %d interrupted", e.Seq)
		case err != nil:
			log.Warnf("playback of result %d failed: %v", e.Seq, err)
			q.metrics.PlaybackDone(err)
			for _, fn := range onError {
				fn(e, err)
			}
		default:
			q.metrics.PlaybackDone(nil)
		}
		if idle {
			for _, fn := range onIdle {
				fn()
			}
		}
	}
}

// play renders one entry. Text-only results have nothing to play.
func (q *Queue) play(ctx context.Context, e Entry) error {
	r := e.Result
	if len(r.Audio) == 0 {
		return nil
	}
	rate := r.SampleRate
	if rate <= 0 {
		rate = q.rate
	}
	return q.player.Play(ctx, r.Audio, rate)
}
