// Package telemetry sets up OpenTelemetry tracing for Kestrel.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TracerName is the instrumentation scope for Kestrel spans.
const TracerName = "github.com/opensource-finance/kestrel"

// Version is reported as the service version resource attribute.
var Version = "0.1.0"

// Init installs a batching OTLP gRPC tracer provider when tracing is
// enabled and an endpoint is set. Otherwise the global no-op provider stays
// in place. The returned shutdown func is always non-nil.
func Init(ctx context.Context, cfg domain.TracingConfig, logger *slog.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "kestrel"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "service", serviceName)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the Kestrel tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Common attribute helpers for consistent span decoration.

func TransactionCount(n int) attribute.KeyValue {
	return attribute.Int("kestrel.transactions", n)
}

func ClientCount(n int) attribute.KeyValue {
	return attribute.Int("kestrel.clients", n)
}

func AlertCount(n int) attribute.KeyValue {
	return attribute.Int("kestrel.alerts", n)
}

func Threshold(v float64) attribute.KeyValue {
	return attribute.Float64("kestrel.threshold", v)
}

func RunID(id string) attribute.KeyValue {
	return attribute.String("kestrel.run_id", id)
}
