// Package observability bootstraps OpenTelemetry tracing and metrics for the
// execution engine, following the RED (Rate, Errors, Duration) pattern.
package observability

import (
	"context"
	"fmt"
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

	"github.com/finpilot-labs/finpilot/pkg/contracts"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	Insecure       bool
}

// Provider owns the trace and metric providers and the engine metrics.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	executionCounter metric.Int64Counter
	failureCounter   metric.Int64Counter
	durationHist     metric.Float64Histogram
}

// New connects the OTLP exporters and registers the global providers.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}

	p := &Provider{
		tracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		),
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
			sdkmetric.WithResource(res),
		),
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	meter := p.meterProvider.Meter("finpilot/engine")
	if p.executionCounter, err = meter.Int64Counter("finpilot.executions.total",
		metric.WithDescription("Executions finished, by action kind and terminal state")); err != nil {
		return nil, fmt.Errorf("register counter: %w", err)
	}
	if p.failureCounter, err = meter.Int64Counter("finpilot.executions.failed",
		metric.WithDescription("Executions ending in FAILED")); err != nil {
		return nil, fmt.Errorf("register counter: %w", err)
	}
	if p.durationHist, err = meter.Float64Histogram("finpilot.execution.duration",
		metric.WithDescription("End-to-end orchestration duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("register histogram: %w", err)
	}
	return p, nil
}

// RecordExecution implements the engine's MetricsRecorder.
func (p *Provider) RecordExecution(ctx context.Context, kind contracts.ActionKind, state contracts.ExecutionState, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("action.kind", string(kind)),
		attribute.String("execution.state", string(state)),
	)
	p.executionCounter.Add(ctx, 1, attrs)
	if state == contracts.StateFailed {
		p.failureCounter.Add(ctx, 1, attrs)
	}
	p.durationHist.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}
