package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/hookd/internal/config"
	"github.com/jkaninda/hookd/internal/sandbox"
)

// Span attributes shared by hookd spans.
const (
	attrRoute     = attribute.Key("hookd.route")
	attrStage     = attribute.Key("hookd.stage")
	attrIsolation = attribute.Key("hookd.isolation")
	attrOutcome   = attribute.Key("hookd.outcome")
	attrStatus    = attribute.Key("hookd.status")
)

// BuildInfo describes the running hookd instance on every exported span.
type BuildInfo struct {
	Version   string
	Isolation string // "process" or "docker"
}

// TracerSetup owns the TracerProvider behind hookd's spans.
// It is passed explicitly and never installed as the global provider.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup exports spans over OTLP. Returns nil when tracing is off.
func NewTracerSetup(cfg *config.TracingConfig, build BuildInfo) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	ctx := context.Background()

	name := cfg.ServiceName
	if name == "" {
		name = "hookd"
	}
	res, err := newResource(ctx, name, build)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	)
	return &TracerSetup{provider: tp, tracer: tp.Tracer("github.com/jkaninda/hookd")}, nil
}

func newResource(ctx context.Context, service string, build BuildInfo) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if build.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(build.Version))
	}
	if build.Isolation != "" {
		attrs = append(attrs, attrIsolation.String(build.Isolation))
	}
	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
	)
}

func newSpanExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// newSampler follows the caller's sampling decision and samples root
// spans at rate. A rate outside (0, 1) samples everything.
func newSampler(rate float64) sdktrace.Sampler {
	root := sdktrace.AlwaysSample()
	if rate > 0 && rate < 1 {
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Tracer returns the hookd tracer, or a no-op tracer when t is nil.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes pending spans.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// executionSpan covers one sandbox execution. The zero value is inert.
type executionSpan struct {
	span trace.Span
}

// startExecutionSpan opens a sandbox.execute span for the route and stage
// in labels. A nil tracer records nothing.
func startExecutionSpan(ctx context.Context, tracer trace.Tracer, isolation string, labels ExecutionLabels) (context.Context, executionSpan) {
	if tracer == nil {
		return ctx, executionSpan{}
	}
	ctx, span := tracer.Start(ctx, "sandbox.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attrRoute.String(labels.Route),
			attrStage.String(labels.Stage),
			attrIsolation.String(isolation),
		),
	)
	return ctx, executionSpan{span: span}
}

// end closes the span with the execution's outcome. A code body that
// answered with its own error status is recorded but not marked failed.
func (s executionSpan) end(err error) {
	if s.span == nil {
		return
	}
	defer s.span.End()

	s.span.SetAttributes(attrOutcome.String(Outcome(err)))
	if err == nil {
		s.span.SetStatus(codes.Ok, "")
		return
	}
	ee := sandbox.Classify(err)
	s.span.SetAttributes(attrStatus.Int(ee.Public().Status))
	s.span.RecordError(err)
	if ee.Kind != sandbox.KindUserScript {
		s.span.SetStatus(codes.Error, ee.Error())
	}
}
