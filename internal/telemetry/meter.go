package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var meterProvider *sdkmetric.MeterProvider

// InitMeter installs a MeterProvider with an in-process manual reader: the
// pipeline engine's per-stage counters are instrumented through the
// standard otel/metric API even though nothing downstream scrapes them
// yet, so a future exporter is a registration away rather than a rewrite.
func InitMeter(serviceName string) {
	meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewManualReader()),
	)
	otel.SetMeterProvider(meterProvider)
}

// Meter returns a named meter from the global MeterProvider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}
