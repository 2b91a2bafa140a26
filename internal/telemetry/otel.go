// Package telemetry wires the global OpenTelemetry tracer/meter providers
// and exposes the W3C traceparent helpers the control channel and pipeline
// engine use to propagate trace context into the guest (§4.10, §4.13).
//
// The provider wiring is adapted from kata-containers' katautils/katatrace
// package, but the TracerProvider here has a single stdout exporter in place
// of a Jaeger collector and no additional custom SpanExporter, since nothing
// in this stack carries a Jaeger/collector dependency to talk to.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var provider *sdktrace.TracerProvider

// Init builds the global TracerProvider, exporting spans as JSON lines to
// w (typically a log file or os.Stdout). Passing a nil w installs a no-op
// provider.
func Init(serviceName string, w io.Writer) (*sdktrace.TracerProvider, error) {
	if w == nil {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return nil, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("exporter", "stdout"),
		)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return provider, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Shutdown force-flushes and shuts down the global provider, best effort
// (§4.13: "force-flush OTel exporters (best effort)").
func Shutdown(ctx context.Context) {
	if provider == nil {
		return
	}
	_ = provider.ForceFlush(ctx)
	_ = provider.Shutdown(ctx)
}
