package observability

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/hookd/internal/sandbox"
)

type labelsKey struct{}

// ExecutionLabels name the route and stage an execution belongs to.
type ExecutionLabels struct {
	Route string // Route or schedule name.
	Stage string // "pre", "handler", "post", "schedule" or "run".
}

// WithExecutionLabels attaches labels for the instrumented executor.
func WithExecutionLabels(ctx context.Context, route, stage string) context.Context {
	return context.WithValue(ctx, labelsKey{}, ExecutionLabels{Route: route, Stage: stage})
}

func labelsFrom(ctx context.Context) ExecutionLabels {
	l, _ := ctx.Value(labelsKey{}).(ExecutionLabels)
	if l.Stage == "" {
		l.Stage = "handler"
	}
	return l
}

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a sandbox.Executor with metrics, tracing and
// failure-rate warnings.
type InstrumentedExecutor struct {
	inner     sandbox.Executor
	isolation string // "process" or "docker"
	pool      *sandbox.Pool
	metrics   *MetricsCollector
	tracer    trace.Tracer
	anomaly   *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability. pool may be
// nil; when set, its gauges are refreshed after every execution.
func NewInstrumentedExecutor(inner sandbox.Executor, isolation string, pool *sandbox.Pool, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:     inner,
		isolation: isolation,
		pool:      pool,
		metrics:   metrics,
		tracer:    tracer,
		anomaly:   anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, code string, live *sandbox.ExecutionContext, timeout time.Duration) (any, error) {
	labels := labelsFrom(ctx)

	ctx, span := startExecutionSpan(ctx, e.tracer, e.isolation, labels)

	start := time.Now()
	result, err := e.inner.Execute(ctx, code, live, timeout)
	duration := time.Since(start).Seconds()
	span.end(err)

	outcome := Outcome(err)
	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(labels.Stage, outcome).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(labels.Stage).Observe(duration)
		if e.pool != nil {
			stats := e.pool.Stats()
			e.metrics.WorkersLive.Set(float64(stats.Live))
			e.metrics.WorkersIdle.Set(float64(stats.Idle))
		}
	}

	if e.anomaly != nil && labels.Route != "" {
		// A script that deliberately answers 4xx is not a failure of the route.
		if outcome == "success" || outcome == string(sandbox.KindUserScript) {
			e.anomaly.RecordSuccess(labels.Route)
		} else {
			e.anomaly.RecordFailure(labels.Route, outcome)
		}
	}

	return result, err
}

// Outcome returns the metric label for an execution result.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return string(sandbox.Classify(err).Kind)
}

// --- Capability calls ---

// CallObserver returns a sandbox.CallObserver feeding capability metrics.
// Returns nil when metrics are disabled.
func (m *MetricsCollector) CallObserver() sandbox.CallObserver {
	if m == nil {
		return nil
	}
	return func(path string, duration time.Duration, err error) {
		root := path
		if i := strings.IndexByte(path, '.'); i >= 0 {
			root = path[:i]
		}
		m.CapabilityCallsTotal.WithLabelValues(root, callStatus(err)).Inc()
		m.CapabilityCallDuration.WithLabelValues(root).Observe(duration.Seconds())
	}
}

func callStatus(err error) string {
	if err == nil {
		return "ok"
	}
	var pe *sandbox.PathError
	if errors.As(err, &pe) {
		return "invalid_path"
	}
	var abort *sandbox.AbortError
	if errors.As(err, &abort) {
		return "abort"
	}
	return "error"
}

// --- Compile-time interface checks ---

var _ sandbox.Executor = (*InstrumentedExecutor)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
