package transport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"babel/log"
	"babel/metrics"
)

const (
	DefaultHealthInterval = 5 * time.Second
	DefaultHealthTimeout  = 3 * time.Second
)

// HealthProbe polls GET /health and keeps a reachability flag that is
// independent of the event channel state.
type HealthProbe struct {
	url      string
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics

	mu        sync.Mutex
	reachable bool
	checked   bool
	listeners []func(bool)
}

func NewHealthProbe(baseURL string, interval, timeout time.Duration, client *http.Client, m *metrics.Metrics) *HealthProbe {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HealthProbe{
		url:      strings.TrimRight(baseURL, "/") + healthPath,
		client:   client,
		interval: interval,
		timeout:  timeout,
		metrics:  m,
	}
}

func (h *HealthProbe) Reachable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reachable
}

// OnChange registers fn for reachability changes. The first completed
// probe always notifies.
func (h *HealthProbe) OnChange(fn func(bool)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Check probes once. Only 200 OK within the timeout counts as reachable.
func (h *HealthProbe) Check(parent context.Context) bool {
	ctx, cancel := context.WithTimeout(parent, h.timeout)
	defer cancel()

	ok := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err == nil {
		resp, err := h.client.Do(req)
		if err == nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			ok = resp.StatusCode == http.StatusOK
		} else {
			log.Debugf("health probe %s: %v", h.url, err)
		}
	}
	if parent.Err() != nil {
		// shutting down; keep the last known state
		return ok
	}
	h.set(ok)
	return ok
}

func (h *HealthProbe) set(ok bool) {
	h.mu.Lock()
	changed := !h.checked || h.reachable != ok
	h.checked = true
	h.reachable = ok
	listeners := append([]func(bool){}, h.listeners...)
	h.mu.Unlock()

	h.metrics.SetReachable(ok)
	if !changed {
		return
	}
	if ok {
		log.Info("backend reachable")
	} else {
		log.Warn("backend unreachable")
	}
	for _, fn := range listeners {
		fn(ok)
	}
}

// Run probes immediately and then every interval until ctx ends.
func (h *HealthProbe) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		h.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
