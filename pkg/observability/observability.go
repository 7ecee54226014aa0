// Package observability provides OpenTelemetry tracing and metrics for the
// policy agent: verdict request rates, cache hit ratios, remote latency,
// fallback activations, and telemetry flush volumes, exported over OTLP.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns the defaults used when no explicit configuration is
// provided.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "warden-agent",
		ServiceVersion: "2.0.11",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the OpenTelemetry trace and metric providers. All record
// methods are safe to call on a disabled provider.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	verdictCounter  metric.Int64Counter
	cacheHitCounter metric.Int64Counter
	fallbackCounter metric.Int64Counter
	flushCounter    metric.Int64Counter
	latencyHist     metric.Float64Histogram
}

// New creates an observability provider and installs it globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("schoolnet.warden",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("schoolnet.warden",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
	)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)

	return nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.verdictCounter, err = p.meter.Int64Counter("warden.verdicts.total",
		metric.WithDescription("Total verdict decisions, by source and outcome"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return err
	}

	p.cacheHitCounter, err = p.meter.Int64Counter("warden.cache.hits.total",
		metric.WithDescription("Verdict cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return err
	}

	p.fallbackCounter, err = p.meter.Int64Counter("warden.fallback.activations.total",
		metric.WithDescription("Fallback window activations"),
		metric.WithUnit("{activation}"),
	)
	if err != nil {
		return err
	}

	p.flushCounter, err = p.meter.Int64Counter("warden.telemetry.flushed.total",
		metric.WithDescription("Connection records flushed to the stats service"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	p.latencyHist, err = p.meter.Float64Histogram("warden.verdict.latency",
		metric.WithDescription("Remote verdict round-trip time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	return err
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("schoolnet.warden")
	}
	return p.tracer
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordVerdict counts one decision. Source is "cache", "remote",
// "fallback", or "synthesized".
func (p *Provider) RecordVerdict(ctx context.Context, source string, denied bool) {
	if p == nil || p.verdictCounter == nil {
		return
	}
	p.verdictCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("denied", denied),
	))
}

// RecordCacheHit counts one verdict cache hit.
func (p *Provider) RecordCacheHit(ctx context.Context) {
	if p == nil || p.cacheHitCounter == nil {
		return
	}
	p.cacheHitCounter.Add(ctx, 1)
}

// RecordFallbackActivation counts one fallback window opening.
func (p *Provider) RecordFallbackActivation(ctx context.Context, reason string) {
	if p == nil || p.fallbackCounter == nil {
		return
	}
	p.fallbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFlush counts connection records handed to the stats service.
func (p *Provider) RecordFlush(ctx context.Context, records int) {
	if p == nil || p.flushCounter == nil {
		return
	}
	p.flushCounter.Add(ctx, int64(records))
}

// RecordRemoteLatency records one remote verdict round trip.
func (p *Provider) RecordRemoteLatency(ctx context.Context, d time.Duration, failed bool) {
	if p == nil || p.latencyHist == nil {
		return
	}
	p.latencyHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("failed", failed)))
}
