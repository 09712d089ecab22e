// Package metrics holds the Prometheus collectors for the signal relay. All
// collectors live on a private registry so tests can construct independent
// instances.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes.
const (
	OutcomeDelivered   = "delivered"
	OutcomeIdle        = "idle"
	OutcomeUndelivered = "undelivered"
	OutcomeMalformed   = "malformed"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomePanic       = "panic"
	OutcomeRejected    = "rejected"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	AudioBytesTotal  prometheus.Counter
	FramesDropped    *prometheus.CounterVec
	WindowsTotal     prometheus.Counter
	WindowBytes      prometheus.Histogram
	DispatchesTotal  *prometheus.CounterVec
	InferenceLatency *prometheus.HistogramVec
	SignalsSent      *prometheus.CounterVec
}

// New creates a Metrics instance registered on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "signal"
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open signal sessions",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Signal sessions by admission status",
		}, []string{"status"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Signal session duration in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}),
		AudioBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes accepted from clients",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by reason",
		}, []string{"reason"}),
		WindowsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_windows_total",
			Help:      "Audio windows drained for analysis",
		}),
		WindowBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_window_bytes",
			Help:      "Size of drained audio windows",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 2, 8),
		}),
		DispatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch jobs by kind and outcome",
		}, []string{"kind", "outcome"}),
		InferenceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Inference call duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"kind"}),
		SignalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_sent_total",
			Help:      "Signals enqueued to clients by type",
		}, []string{"type"}),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.WithLabelValues("accepted").Inc()
}

func (m *Metrics) SessionClosed(d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(d.Seconds())
}

// SessionRejected records an upgrade refused before a session was created.
func (m *Metrics) SessionRejected(reason string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) AudioReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.Add(float64(n))
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) WindowDrained(n int) {
	if m == nil {
		return
	}
	m.WindowsTotal.Inc()
	m.WindowBytes.Observe(float64(n))
}

func (m *Metrics) Dispatch(kind, outcome string) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Inference(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.InferenceLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SignalSent(kind string) {
	if m == nil {
		return
	}
	m.SignalsSent.WithLabelValues(kind).Inc()
}
