// Package otel wires OpenTelemetry tracing and metrics into the agent's
// delivery and update paths. Everything here degrades to a no-op when no
// exporter is configured.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName is the service.name resource attribute.
const DefaultServiceName = "sylon-agent"

// ExporterType names a telemetry sink.
type ExporterType string

const (
	ExporterNone     ExporterType = "none"
	ExporterStdout   ExporterType = "stdout"
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	ExporterOTLPHTTP ExporterType = "otlp-http"

	// ExporterPrometheus only applies to metrics; the tracer stays a no-op.
	ExporterPrometheus ExporterType = "prometheus"
)

// Config configures a Tracer.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType

	// OTLPEndpoint is host:port for the otlp exporters.
	OTLPEndpoint string
	OTLPInsecure bool

	// SampleRate is clamped to [0, 1].
	SampleRate float64
	Attributes map[string]string
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:  DefaultServiceName,
		ExporterType: ExporterNone,
		SampleRate:   1.0,
	}
}

// tracesEnabled reports whether cfg produces real spans.
func (c *Config) tracesEnabled() bool {
	switch c.ExporterType {
	case ExporterNone, ExporterPrometheus, "":
		return false
	}
	return c.Enabled
}

// Tracer starts spans for scheduled tasks and carries the propagator used on
// outgoing requests.
type Tracer struct {
	enabled    bool
	provider   trace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	stopOnce sync.Once
	stop     func(context.Context) error
	stopErr  error
}

var (
	globalTracer *Tracer
	globalMu     sync.RWMutex
)

// NewTracer builds a tracer for cfg. A nil or disabled cfg yields a no-op.
func NewTracer(ctx context.Context, cfg *Config) (*Tracer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

	if !cfg.tracesEnabled() {
		return newNoopTracer(cfg.ServiceName, prop), nil
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	)
	otel.SetTextMapPropagator(prop)

	return &Tracer{
		enabled:    true,
		provider:   tp,
		tracer:     tp.Tracer(cfg.ServiceName),
		propagator: prop,
		stop:       tp.Shutdown,
	}, nil
}

func newNoopTracer(name string, prop propagation.TextMapPropagator) *Tracer {
	if name == "" {
		name = DefaultServiceName
	}
	tp := noop.NewTracerProvider()
	return &Tracer{
		provider:   tp,
		tracer:     tp.Tracer(name),
		propagator: prop,
	}
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func newSpanExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlptracehttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
}

// Shutdown flushes pending spans. Later calls return the first result.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.stopOnce.Do(func() {
		if t.stop != nil {
			t.stopErr = t.stop(ctx)
		}
	})
	return t.stopErr
}

func (t *Tracer) Enabled() bool {
	return t.enabled
}

func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

func (t *Tracer) Propagator() propagation.TextMapPropagator {
	return t.propagator
}

// StartTaskSpan starts a client span named after a scheduled task, tagged
// with the URL it talks to.
func (t *Tracer) StartTaskSpan(ctx context.Context, task, url string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, task,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("sylon.task", task),
			attribute.String("url.full", url),
		),
	)
}

// RecordError attaches err and its fault kind to span.
func RecordError(span trace.Span, err error, kind string, retryable bool) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", kind),
		attribute.Bool("error.retryable", retryable),
	)
}

// RecordRetry adds a "retry" event for the attempt that is about to back off.
func RecordRetry(span trace.Span, attempt int, reason string) {
	if span == nil {
		return
	}
	span.AddEvent("retry", trace.WithAttributes(
		attribute.Int("retry.attempt", attempt),
		attribute.String("retry.reason", reason),
	))
}

// GetTraceInfo returns the hex trace and span ids of the span in ctx, or
// empty strings when there is none.
func GetTraceInfo(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return traceID, spanID
}

// SetGlobalTracer installs t for packages that do not receive a tracer
// explicitly. Passing nil restores the no-op.
func SetGlobalTracer(t *Tracer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalTracer = t
	if t != nil && t.enabled {
		otel.SetTracerProvider(t.provider)
	}
}

func GetGlobalTracer() *Tracer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

func NoopTracer() *Tracer {
	return newNoopTracer(DefaultServiceName, propagation.TraceContext{})
}
