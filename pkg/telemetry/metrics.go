package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for statusflow.
type Metrics struct {
	config MetricsConfig

	// Transition metrics
	transitionsTotal   *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec

	// Operation metrics
	operationsTotal  *prometheus.CounterVec
	activeOperations prometheus.Gauge
	effectDuration   *prometheus.HistogramVec

	// HTTP metrics
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of change requests processed",
			},
			[]string{"kind", "outcome"},
		),
		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Duration of change request processing",
				Buckets:   buckets,
			},
			[]string{"kind", "path"},
		),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of operation state transitions",
			},
			[]string{"state"},
		),
		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Number of operations currently pending or running",
			},
		),
		effectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "effect_duration_seconds",
				Help:      "Duration of side effect execution",
				Buckets:   buckets,
			},
			[]string{"effect", "outcome"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   buckets,
			},
			[]string{"method", "route", "status"},
		),
	}

	collectors := []prometheus.Collector{
		m.transitionsTotal,
		m.transitionDuration,
		m.operationsTotal,
		m.activeOperations,
		m.effectDuration,
		m.httpRequestDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler returns the Prometheus scrape handler for the registry, or nil when
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition records the outcome of a change request.
// Outcomes: sync, async, not_found, invalid_transition, conflict, error.
func (m *Metrics) RecordTransition(kind, outcome string) {
	if m.transitionsTotal == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveTransition records the processing duration of a change request on the
// given path (sync or async).
func (m *Metrics) ObserveTransition(kind, path string, d time.Duration) {
	if m.transitionDuration == nil {
		return
	}
	m.transitionDuration.WithLabelValues(kind, path).Observe(d.Seconds())
}

// RecordOperationState records an operation state transition and keeps the
// active-operations gauge in step.
func (m *Metrics) RecordOperationState(state string) {
	if m.operationsTotal == nil {
		return
	}
	m.operationsTotal.WithLabelValues(state).Inc()
	switch state {
	case "pending":
		m.activeOperations.Inc()
	case "succeeded", "failed":
		m.activeOperations.Dec()
	}
}

// ObserveEffect records the duration and outcome of a side effect execution.
func (m *Metrics) ObserveEffect(effect, outcome string, d time.Duration) {
	if m.effectDuration == nil {
		return
	}
	m.effectDuration.WithLabelValues(effect, outcome).Observe(d.Seconds())
}

// ObserveHTTPRequest records the duration of a handled HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, d time.Duration) {
	if m.httpRequestDuration == nil {
		return
	}
	m.httpRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}
