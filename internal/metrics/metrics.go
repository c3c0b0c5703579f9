package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mindmeld"

// Outcome labels shared by both relay endpoints.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid_input"
	OutcomeFallback    = "fallback"
	OutcomeStreamError = "stream_error"
	OutcomeInternal    = "internal_error"
)

type Metrics struct {
	Requests       *prometheus.CounterVec
	StreamChunks   prometheus.Counter
	RequestSeconds *prometheus.HistogramVec
}

// New builds the relay collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat relay requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		StreamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Reply chunks written to event streams",
		}),
		RequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_request_duration_seconds",
			Help:      "Time spent serving chat relay requests",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"endpoint"}),
	}
	reg.MustRegister(m.Requests, m.StreamChunks, m.RequestSeconds)
	return m
}

func (m *Metrics) Observe(endpoint, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(endpoint, outcome).Inc()
	m.RequestSeconds.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Chunk() {
	if m == nil {
		return
	}
	m.StreamChunks.Inc()
}
