// Package observability exports the kernel's traces and metrics over OTLP.
// Every CanDo and Execute gets a span, an outcome count and a latency
// sample; quotes and executions are also counted by decision. A disabled
// provider records into no-op instruments.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "bloom.kernel"

// Config selects where telemetry goes.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port, gRPC
	Insecure       bool
	Enabled        bool
}

// DefaultConfig points at a local collector with telemetry off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "bloom-kernel",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
	}
}

// Provider records kernel telemetry.
type Provider struct {
	tracer   trace.Tracer
	shutdown []func(context.Context) error

	operations metric.Int64Counter
	latency    metric.Float64Histogram
	quotes     metric.Int64Counter
	executions metric.Int64Counter
}

// New starts the OTLP exporters when cfg.Enabled is set.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := slog.Default().With("component", "observability")
	if !cfg.Enabled {
		logger.DebugContext(ctx, "telemetry disabled")
		return newProvider(otel.Tracer(scope), otel.Meter(scope))
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res), sdktrace.WithBatcher(spans))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(15*time.Second))))

	p, err := newProvider(tp.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		mp.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion)))
	if err != nil {
		return nil, err
	}
	p.shutdown = []func(context.Context) error{tp.Shutdown, mp.Shutdown}
	logger.InfoContext(ctx, "telemetry exporting", "endpoint", cfg.OTLPEndpoint, "service", cfg.ServiceName)
	return p, nil
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	p, err := New(context.Background(), &Config{})
	if err != nil {
		panic(err)
	}
	return p
}

func newProvider(tracer trace.Tracer, meter metric.Meter) (*Provider, error) {
	p := &Provider{tracer: tracer}
	var err error
	if p.operations, err = meter.Int64Counter("bloom.operations",
		metric.WithDescription("Kernel operations by outcome"), metric.WithUnit("{operation}")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if p.latency, err = meter.Float64Histogram("bloom.operation.duration",
		metric.WithDescription("Kernel operation latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5)); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if p.quotes, err = meter.Int64Counter("bloom.quotes",
		metric.WithDescription("Quotes by intent type and decision"), metric.WithUnit("{quote}")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if p.executions, err = meter.Int64Counter("bloom.executions",
		metric.WithDescription("Execute results by intent type and status"), metric.WithUnit("{execution}")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	return p, nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// RecordQuote counts an issued quote.
func (p *Provider) RecordQuote(ctx context.Context, intentType string, allowed bool, reason string) {
	p.quotes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("intent.type", intentType),
		attribute.Bool("quote.allowed", allowed),
		attribute.String("quote.reason", reason),
	))
}

// RecordExecution counts an Execute result.
func (p *Provider) RecordExecution(ctx context.Context, intentType, status, reason string) {
	p.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("intent.type", intentType),
		attribute.String("execution.status", status),
		attribute.String("execution.reason", reason),
	))
}

// TrackOperation opens a span for name. The returned func closes it and
// records the outcome; pass the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		set := metric.WithAttributes(attribute.String("operation", name), attribute.String("outcome", outcome))
		p.operations.Add(ctx, 1, set)
		p.latency.Record(ctx, time.Since(start).Seconds(), set)
		span.End()
	}
}
