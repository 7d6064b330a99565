// Package metrics exposes client-side pipeline counters for prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	// Transport
	ChunksSent        prometheus.Counter
	ChunkBytes        prometheus.Counter
	SendErrors        prometheus.Counter
	ReconnectAttempts prometheus.Counter
	ConnectionState   prometheus.Gauge
	BackendReachable  prometheus.Gauge
	BackendErrors     *prometheus.CounterVec

	// Results
	ResultsReceived *prometheus.CounterVec
	ResultLatency   prometheus.Histogram
	BatchDuration   prometheus.Histogram

	// Playback
	QueueLength    prometheus.Gauge
	Played         prometheus.Counter
	PlaybackErrors prometheus.Counter

	// Recording
	Sessions      *prometheus.CounterVec
	CaptureErrors *prometheus.CounterVec
	CaptureStalls prometheus.Counter
}

// New creates all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "babel_chunks_sent_total",
			Help: "Audio chunks sent over the event channel",
		}),
		ChunkBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "babel_chunk_bytes_total",
			Help: "Base64 payload bytes sent in audio chunks",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "babel_send_errors_total",
			Help: "Outbound event channel messages that failed to send",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "babel_reconnect_attempts_total",
			Help: "Failed connection attempts to the event channel",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "babel_connection_state",
			Help: "Event channel state (0 disconnected, 1 connecting, 2 connected)",
		}),
		BackendReachable: f.NewGauge(prometheus.GaugeOpts{
			Name: "babel_backend_reachable",
			Help: "1 when the last health probe succeeded",
		}),
		BackendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "babel_backend_errors_total",
			Help: "Errors reported by the translation backend",
		}, []string{"mode"}),

		ResultsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "babel_results_total",
			Help: "Translation results received",
		}, []string{"mode"}),
		ResultLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "babel_result_latency_seconds",
			Help:    "Backend-reported processing latency per result",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "babel_batch_request_seconds",
			Help:    "Round trip of batch translate requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "babel_playback_queue_length",
			Help: "Results waiting for playback",
		}),
		Played: f.NewCounter(prometheus.CounterOpts{
			Name: "babel_playback_completed_total",
			Help: "Results played to completion",
		}),
		PlaybackErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "babel_playback_errors_total",
			Help: "Results whose playback failed",
		}),

		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "babel_sessions_total",
			Help: "Recording sessions started",
		}, []string{"mode"}),
		CaptureErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "babel_capture_errors_total",
			Help: "Microphone acquisition failures by kind",
		}, []string{"kind"}),
		CaptureStalls: f.NewCounter(prometheus.CounterOpts{
			Name: "babel_capture_stalls_total",
			Help: "Recording intervals with no audio frames",
		}),
	}
}

func (m *Metrics) ChunkSent(b64Bytes int) {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
	m.ChunkBytes.Add(float64(b64Bytes))
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

func (m *Metrics) SetReachable(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.BackendReachable.Set(1)
	} else {
		m.BackendReachable.Set(0)
	}
}

func (m *Metrics) BackendError(mode string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(mode).Inc()
}

func (m *Metrics) Result(mode string, latency time.Duration) {
	if m == nil {
		return
	}
	m.ResultsReceived.WithLabelValues(mode).Inc()
	if latency > 0 {
		m.ResultLatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) BatchRequest(d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(d.Seconds())
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

func (m *Metrics) PlaybackDone(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PlaybackErrors.Inc()
		return
	}
	m.Played.Inc()
}

func (m *Metrics) SessionStarted(mode string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(mode).Inc()
}

func (m *Metrics) CaptureError(kind string) {
	if m == nil {
		return
	}
	m.CaptureErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) CaptureStalled() {
	if m == nil {
		return
	}
	m.CaptureStalls.Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
