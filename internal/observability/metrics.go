package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rag_gateway"

// Metrics records pipeline measurements on its own registry so that tests
// and multiple instances never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	stageErrors     *prometheus.CounterVec
	frames          *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	interactions    *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of embed, search and generate stages.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Failed pipeline stages.",
		}, []string{"stage"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames emitted on chat streams.",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat stream requests by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_request_duration_seconds",
			Help:      "End to end chat stream duration.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		interactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interaction_log_total",
			Help:      "Interaction log records by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stageDuration,
		m.stageErrors,
		m.frames,
		m.requests,
		m.requestDuration,
		m.interactions,
	)
	return m
}

// ObserveStage records the latency of one pipeline stage
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration, err error) {
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	if err != nil {
		m.stageErrors.WithLabelValues(stage).Inc()
	}
}

// ObserveFrame counts an emitted frame
func (m *Metrics) ObserveFrame(kind string) {
	m.frames.WithLabelValues(kind).Inc()
}

// ObserveRequest records a finished chat stream
func (m *Metrics) ObserveRequest(outcome string, elapsed time.Duration) {
	m.requests.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveInteraction counts interaction log results: "saved", "failed" or
// "dropped".
func (m *Metrics) ObserveInteraction(result string) {
	m.interactions.WithLabelValues(result).Inc()
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
