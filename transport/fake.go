package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// FakeDialer hands out in-memory connections. The first Fail dials
// fail (all of them when Fail is negative).
type FakeDialer struct {
	Fail int
	Err  error
	// OnConn runs for every new connection before Dial returns.
	OnConn func(*FakeConn)

	mu    sync.Mutex
	dials int
	times []time.Time
	conns []*FakeConn
}

func (d *FakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	d.times = append(d.times, time.Now())
	fail := d.Fail < 0 || d.dials <= d.Fail
	d.mu.Unlock()
	if fail {
		if d.Err != nil {
			return nil, d.Err
		}
		return nil, errors.New("dial tcp 127.0.0.1:8000: connect: connection refused")
	}
	c := NewFakeConn()
	if d.OnConn != nil {
		d.OnConn(c)
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// DialTimes returns when each dial was attempted.
func (d *FakeDialer) DialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// FakeConn records outbound envelopes and replays pushed inbound ones.
type FakeConn struct {
	// OnSend runs after each successful write, outside any lock.
	OnSend func(c *FakeConn, env Envelope)

	in       chan Envelope
	mu       sync.Mutex
	sent     []Envelope
	closed   chan struct{}
	closeErr error
	once     sync.Once
}

func NewFakeConn() *FakeConn {
	return &FakeConn{
		in:     make(chan Envelope, 256),
		closed: make(chan struct{}),
	}
}

func (c *FakeConn) WriteEnvelope(env Envelope) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	if c.OnSend != nil {
		c.OnSend(c, env)
	}
	return nil
}

func (c *FakeConn) ReadEnvelope() (Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return Envelope{}, c.closeErr
	}
}

func (c *FakeConn) Close() error {
	c.shutdown(net.ErrClosed)
	return nil
}

// Drop simulates the peer vanishing.
func (c *FakeConn) Drop() {
	c.shutdown(io.ErrUnexpectedEOF)
}

func (c *FakeConn) shutdown(err error) {
	c.once.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

func (c *FakeConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push queues an inbound event.
func (c *FakeConn) Push(name EventName, payload any) error {
	env, err := NewEnvelope(name, payload)
	if err != nil {
		return err
	}
	c.in <- env
	return nil
}

// Sent returns outbound envelopes, optionally filtered by name.
func (c *FakeConn) Sent(names ...EventName) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(names) == 0 {
		return append([]Envelope(nil), c.sent...)
	}
	var out []Envelope
	for _, env := range c.sent {
		for _, n := range names {
			if env.Event == n {
				out = append(out, env)
				break
			}
		}
	}
	return out
}
