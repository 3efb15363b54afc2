// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and holds the pipeline's metric instruments.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// W3C Trace Context and Baggage so incoming traceparent headers propagate
	// through to Gemini and database spans.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// PipelineMetrics holds the classification pipeline's instruments. All fields
// are nil-safe through the global no-op providers when OTEL is disabled.
type PipelineMetrics struct {
	Classifications  metric.Int64Counter
	Fallbacks        metric.Int64Counter
	RuleOverrides    metric.Int64Counter
	Warnings         metric.Int64Counter
	PipelineDuration metric.Float64Histogram
	LLMDuration      metric.Float64Histogram
	EmbeddingCacheHits   metric.Int64Counter
	EmbeddingCacheMisses metric.Int64Counter
}

// NewPipelineMetrics registers the pipeline instruments on the global meter.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	m := Meter("hanrei/pipeline")

	classifications, err := m.Int64Counter("hanrei.classifications.total",
		metric.WithDescription("Completed classifications by label and routing"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	fallbacks, err := m.Int64Counter("hanrei.classifications.fallback",
		metric.WithDescription("Classifications produced by the keyword fallback"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	overrides, err := m.Int64Counter("hanrei.rules.overrides",
		metric.WithDescription("Rule-driven severity overrides applied"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	warnings, err := m.Int64Counter("hanrei.confidence.warnings",
		metric.WithDescription("Confidence warnings by level"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	pipelineDur, err := m.Float64Histogram("hanrei.pipeline.duration_ms",
		metric.WithDescription("End-to-end classification duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create histogram: %w", err)
	}
	llmDur, err := m.Float64Histogram("hanrei.llm.duration_ms",
		metric.WithDescription("LLM generate call duration including retries"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create histogram: %w", err)
	}
	cacheHits, err := m.Int64Counter("hanrei.embedding.cache_hits")
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	cacheMisses, err := m.Int64Counter("hanrei.embedding.cache_misses")
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}

	return &PipelineMetrics{
		Classifications:      classifications,
		Fallbacks:            fallbacks,
		RuleOverrides:        overrides,
		Warnings:             warnings,
		PipelineDuration:     pipelineDur,
		LLMDuration:          llmDur,
		EmbeddingCacheHits:   cacheHits,
		EmbeddingCacheMisses: cacheMisses,
	}, nil
}
