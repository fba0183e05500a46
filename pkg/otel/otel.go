// Package otel wires OpenTelemetry tracing for the benchmark service.
// Spans correlate the upsert pipeline stages (dedup, regression
// detection, commit, audit) across the API and CLI entry points.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	ServiceName       string
	ServiceVersion    string
	Environment       string
	CollectorEndpoint string
	CollectorInsecure bool
	SamplingRate      float64 // 0.0 to 1.0 (1.0 = always sample)
}

// DefaultConfig returns service defaults.
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:       serviceName,
		ServiceVersion:    "1.0.0",
		Environment:       "production",
		CollectorEndpoint: "localhost:4317",
		CollectorInsecure: true, // Use TLS in production
		SamplingRate:      1.0,
	}
}

// InitTracer initializes the global tracer provider with an OTLP gRPC
// exporter.
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("benchvault")
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan starts a span with optional attributes.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)

	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return ctx, span
}

// RecordError records an error on a span and marks it failed.
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// Common attribute keys for the benchmark domain.
const (
	AttrRunID          = attribute.Key("run.id")
	AttrModelVersion   = attribute.Key("run.model_version")
	AttrDatasetVersion = attribute.Key("run.dataset_version")
	AttrEnvironment    = attribute.Key("run.environment")
	AttrTriggeredBy    = attribute.Key("run.triggered_by")

	AttrSnapshotVersion = attribute.Key("snapshot.version")
	AttrTargetVersion   = attribute.Key("snapshot.target_version")

	AttrAlertSeverity = attribute.Key("regression.severity")
	AttrAlertMetric   = attribute.Key("regression.metric")

	AttrDedupHit  = attribute.Key("dedup.hit")
	AttrLatencyMs = attribute.Key("latency.ms")
)

// RunAttributes builds the span attributes identifying one run.
func RunAttributes(runID, modelVersion, datasetVersion, environment string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrModelVersion.String(modelVersion),
		AttrDatasetVersion.String(datasetVersion),
		AttrEnvironment.String(environment),
	}
}

// AlertAttributes annotates a span with an alert outcome.
func AlertAttributes(metric string, severity string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAlertMetric.String(metric),
		AttrAlertSeverity.String(severity),
	}
}
