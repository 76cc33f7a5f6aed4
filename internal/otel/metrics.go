// Metric instruments for delivery, update checks and collection.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	ServiceName    string
	ServiceVersion string

	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string
	OTLPInsecure bool

	// PrometheusListen is the address the /metrics handler binds when
	// ExporterType is ExporterPrometheus.
	PrometheusListen string

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  DefaultServiceName,
		ExporterType: ExporterNone,
	}
}

// Metrics wraps the agent's own instruments.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.Mutex

	promServer *http.Server
	promAddr   string

	deliveryAttempts metric.Int64Counter
	deliverySends    metric.Int64Counter
	deliveryLatency  metric.Float64Histogram
	updateChecks     metric.Int64Counter
	collectErrors    metric.Int64Counter
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{
		config: cfg,
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	// The reader may bind the /metrics listener, so it comes last.
	reader, err := m.createReader(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		_ = m.Shutdown(ctx)
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// createReader creates the metric reader for the configured exporter.
func (m *Metrics) createReader(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Reader, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil

	case ExporterPrometheus:
		return m.startPrometheus(cfg.PrometheusListen)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// startPrometheus registers a pull reader on a private registry and serves it
// on listen at /metrics.
func (m *Metrics) startPrometheus(listen string) (sdkmetric.Reader, error) {
	if listen == "" {
		return nil, errors.New("prometheus exporter requires a listen address")
	}

	registry := promclient.NewRegistry()
	exp, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()

	m.promServer = srv
	m.promAddr = ln.Addr().String()
	return exp, nil
}

// registerInstruments creates all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	m.deliveryAttempts, err = m.meter.Int64Counter(
		"sylon.delivery.attempts",
		metric.WithDescription("HTTP delivery attempts by outcome"),
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery attempts counter: %w", err)
	}

	m.deliverySends, err = m.meter.Int64Counter(
		"sylon.delivery.sends",
		metric.WithDescription("Completed sends by final outcome"),
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery sends counter: %w", err)
	}

	m.deliveryLatency, err = m.meter.Float64Histogram(
		"sylon.delivery.latency",
		metric.WithDescription("Latency of a single delivery attempt"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery latency histogram: %w", err)
	}

	m.updateChecks, err = m.meter.Int64Counter(
		"sylon.update.checks",
		metric.WithDescription("Self-update checks by outcome"),
	)
	if err != nil {
		return fmt.Errorf("failed to create update checks counter: %w", err)
	}

	m.collectErrors, err = m.meter.Int64Counter(
		"sylon.collect.errors",
		metric.WithDescription("Unexpected errors while producing or sending a payload"),
	)
	if err != nil {
		return fmt.Errorf("failed to create collect errors counter: %w", err)
	}

	return nil
}

// RecordDeliveryAttempt records one HTTP attempt and its latency.
func (m *Metrics) RecordDeliveryAttempt(ctx context.Context, outcome string, latency time.Duration) {
	if m.deliveryAttempts == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.deliveryAttempts.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, float64(latency.Microseconds())/1000, attrs)
}

// RecordSend records the final outcome of a send.
func (m *Metrics) RecordSend(ctx context.Context, outcome string) {
	if m.deliverySends == nil {
		return
	}
	m.deliverySends.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordUpdateCheck records the outcome of an update check.
func (m *Metrics) RecordUpdateCheck(ctx context.Context, outcome string) {
	if m.updateChecks == nil {
		return
	}
	m.updateChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCollectError records an unexpected error at the scheduler boundary.
func (m *Metrics) RecordCollectError(ctx context.Context) {
	if m.collectErrors == nil {
		return
	}
	m.collectErrors.Add(ctx, 1)
}

// PrometheusAddr returns the bound /metrics address, or "" when not serving.
func (m *Metrics) PrometheusAddr() string {
	return m.promAddr
}

// Shutdown flushes pending metrics and stops the /metrics listener.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.promServer != nil {
		if err := m.promServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop prometheus listener: %w", err))
		}
		m.promServer = nil
	}
	if m.shutdown != nil {
		if err := m.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		m.shutdown = nil
	}
	return errors.Join(errs...)
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// newResource is swapped in tests to exercise setup failures.
var newResource = createResource

// createResource builds the resource shared by the tracer and meter providers.
func createResource(serviceName, serviceVersion string, extra map[string]string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}
	if serviceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(serviceVersion))
	}
	for k, v := range extra {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance.
// Returns a no-op metrics instance if none has been set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		return NoopMetrics()
	}
	return globalMetrics
}

// NoopMetrics returns a metrics instance that does nothing (for testing or when disabled).
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
