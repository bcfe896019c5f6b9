package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for hookd.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Capability calls routed back from workers.
	CapabilityCallsTotal   *prometheus.CounterVec
	CapabilityCallDuration *prometheus.HistogramVec

	// Worker pool.
	WorkersLive prometheus.Gauge
	WorkersIdle prometheus.Gauge

	// Rate limiting.
	RateLimitedTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookd",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions by stage and outcome.",
		}, []string{"stage", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hookd",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"stage"}),

		CapabilityCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookd",
			Subsystem: "capability",
			Name:      "calls_total",
			Help:      "Total capability calls made by code bodies.",
		}, []string{"root", "status"}),

		CapabilityCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hookd",
			Subsystem: "capability",
			Name:      "call_duration_seconds",
			Help:      "Capability call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"root"}),

		WorkersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hookd",
			Subsystem: "pool",
			Name:      "workers_live",
			Help:      "Live worker processes, busy or idle.",
		}),

		WorkersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hookd",
			Subsystem: "pool",
			Name:      "workers_idle",
			Help:      "Idle worker processes waiting for an execution.",
		}),

		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookd",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hookd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hookd",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.CapabilityCallsTotal,
		m.CapabilityCallDuration,
		m.WorkersLive,
		m.WorkersIdle,
		m.RateLimitedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
