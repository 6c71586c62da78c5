// Package observer provides OTEL-based tracing for the agent runtime.
//
// Init configures the global TracerProvider with an OTLP HTTP exporter;
// NewTracer adapts it to the agentstart.Tracer contract. Users export to
// any OTEL-compatible backend by setting standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT and friends).
package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/agentstart/agentstart/observer"

// Init sets up the OTEL trace provider with an OTLP HTTP exporter.
// serviceName defaults to "agentstart" when empty. Returns a shutdown
// function that must be called on application exit to flush spans.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "agentstart"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
