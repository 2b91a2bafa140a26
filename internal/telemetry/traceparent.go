package telemetry

import (
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
)

// traceparentPattern validates the W3C traceparent header format:
// version-trace_id-parent_id-flags.
var traceparentPattern = regexp.MustCompile(`^00-[0-9a-f]{32}-[0-9a-f]{16}-[0-9a-f]{2}$`)

// SpanContext is the trace-propagation state handed to a backend via
// SetSpanContext (§4.10) so outbound exec requests can carry a TRACEPARENT
// env var derived from the active span.
type SpanContext struct {
	TraceID string
	SpanID  string
	Sampled bool
}

// FromOTel extracts a SpanContext from an OpenTelemetry span context.
func FromOTel(sc trace.SpanContext) SpanContext {
	if !sc.IsValid() {
		return SpanContext{}
	}
	return SpanContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}

// Traceparent formats sc as a W3C traceparent header value.
func (sc SpanContext) Traceparent() string {
	flags := "00"
	if sc.Sampled {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", sc.TraceID, sc.SpanID, flags)
}

// ParseTraceparent parses a W3C traceparent header value.
func ParseTraceparent(s string) (SpanContext, error) {
	if !traceparentPattern.MatchString(s) {
		return SpanContext{}, fmt.Errorf("traceparent: malformed value %q", s)
	}
	return SpanContext{
		TraceID: s[3:35],
		SpanID:  s[36:52],
		Sampled: s[53:55] == "01",
	}, nil
}
