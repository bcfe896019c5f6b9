package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for scheduled executions.
type Metrics struct {
	RunsFired     *prometheus.CounterVec
	RunsSucceeded *prometheus.CounterVec
	RunsFailed    *prometheus.CounterVec
	RunsSkipped   *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookd",
			Subsystem: "scheduler",
			Name:      "runs_fired_total",
			Help:      "Total scheduled executions started.",
		}, []string{"schedule"}),
		RunsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookd",
			Subsystem: "scheduler",
			Name:      "runs_succeeded_total",
			Help:      "Total scheduled executions that completed.",
		}, []string{"schedule"}),
		RunsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookd",
			Subsystem: "scheduler",
			Name:      "runs_failed_total",
			Help:      "Total scheduled executions that failed, by error kind.",
		}, []string{"schedule", "kind"}),
		RunsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookd",
			Subsystem: "scheduler",
			Name:      "runs_skipped_total",
			Help:      "Total scheduled executions skipped because the previous run was still going.",
		}, []string{"schedule"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hookd",
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Duration of each scheduled execution.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"schedule"}),
	}

	reg.MustRegister(
		m.RunsFired,
		m.RunsSucceeded,
		m.RunsFailed,
		m.RunsSkipped,
		m.RunDuration,
	)

	return m
}
