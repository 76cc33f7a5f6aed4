package otel

import (
	"context"
	"errors"
	"fmt"
)

// Options selects the exporter shared by tracing and metrics.
type Options struct {
	ServiceVersion   string
	Exporter         string
	OTLPEndpoint     string
	OTLPInsecure     bool
	PrometheusListen string
	Attributes       map[string]string
}

// Providers bundles the tracer and metrics built from one Options value.
type Providers struct {
	Tracer  *Tracer
	Metrics *Metrics
}

// Setup builds both providers and installs them as the process globals.
// An empty or "none" exporter yields no-op providers.
func Setup(ctx context.Context, opts Options) (*Providers, error) {
	exporter := ExporterType(opts.Exporter)
	if exporter == "" {
		exporter = ExporterNone
	}
	enabled := exporter != ExporterNone

	tracer, err := NewTracer(ctx, &Config{
		Enabled:        enabled,
		ServiceName:    DefaultServiceName,
		ServiceVersion: opts.ServiceVersion,
		ExporterType:   exporter,
		OTLPEndpoint:   opts.OTLPEndpoint,
		OTLPInsecure:   opts.OTLPInsecure,
		SampleRate:     1.0,
		Attributes:     opts.Attributes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	metrics, err := NewMetrics(ctx, &MetricsConfig{
		Enabled:          enabled,
		ServiceName:      DefaultServiceName,
		ServiceVersion:   opts.ServiceVersion,
		ExporterType:     exporter,
		OTLPEndpoint:     opts.OTLPEndpoint,
		OTLPInsecure:     opts.OTLPInsecure,
		PrometheusListen: opts.PrometheusListen,
		Attributes:       opts.Attributes,
	})
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	SetGlobalTracer(tracer)
	SetGlobalMetrics(metrics)
	return &Providers{Tracer: tracer, Metrics: metrics}, nil
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return errors.Join(p.Tracer.Shutdown(ctx), p.Metrics.Shutdown(ctx))
}
