package agentoutput

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxAttrBytes is the truncation ceiling for tool input/output attributes
// (§4.12: "truncated to 2000 bytes each").
const maxAttrBytes = 2000

// EmitSpans synthesizes a parent "claude.exec" span plus one
// "claude.tool.<name>" child span per tool call, per §4.12. start is the
// record's observed start time; the parent span's duration is taken from
// record.WallDurationMS.
func EmitSpans(ctx context.Context, tracer trace.Tracer, record Record, start time.Time) {
	end := start.Add(time.Duration(record.WallDurationMS) * time.Millisecond)

	attrs := []attribute.KeyValue{
		attribute.String("gen_ai.operation.name", "invoke_agent"),
		attribute.String("gen_ai.system", "anthropic"),
		attribute.String("gen_ai.request.model", record.Model),
		attribute.String("gen_ai.response.model", record.Model),
		attribute.String("gen_ai.conversation.id", record.SessionID),
		attribute.Int64("gen_ai.usage.input_tokens", record.InputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", record.OutputTokens),
		attribute.Float64("claude.total_cost_usd", record.CostUSD),
		attribute.Int("claude.num_turns", record.NumTurns),
		attribute.Int64("claude.duration_ms", record.WallDurationMS),
		attribute.Int64("claude.duration_api_ms", record.APIDurationMS),
		attribute.StringSlice("claude.tools_used", distinctToolNames(record.ToolCalls)),
		attribute.Int("claude.tools_count", len(record.ToolCalls)),
	}
	if record.IsError {
		attrs = append(attrs, attribute.String("error.type", "agent_error"))
	}

	parentCtx, parent := tracer.Start(ctx, "claude.exec", trace.WithTimestamp(start), trace.WithAttributes(attrs...))
	if record.IsError {
		parent.SetStatus(codes.Error, record.ErrorMessage)
	} else {
		parent.SetStatus(codes.Ok, "")
	}

	for _, call := range record.ToolCalls {
		emitToolSpan(parentCtx, tracer, call, start, end)
	}

	parent.End(trace.WithTimestamp(end))
}

func emitToolSpan(ctx context.Context, tracer trace.Tracer, call ToolCall, start, end time.Time) {
	inputStr, inputTrunc := truncateAttr(string(call.Input))
	outputStr, outputTrunc := truncateAttr(call.Output)

	attrs := []attribute.KeyValue{
		attribute.String("gen_ai.operation.name", "execute_tool"),
		attribute.String("tool.name", call.Name),
		attribute.String("tool.use_id", call.ID),
		attribute.String("tool.input", inputStr),
		attribute.String("tool.output", outputStr),
	}
	if inputTrunc {
		attrs = append(attrs, attribute.Bool("tool.input.truncated", true))
	}
	if outputTrunc {
		attrs = append(attrs, attribute.Bool("tool.output.truncated", true))
	}

	_, span := tracer.Start(ctx, "claude.tool."+call.Name, trace.WithTimestamp(start), trace.WithAttributes(attrs...))
	span.End(trace.WithTimestamp(end))
}

func truncateAttr(s string) (string, bool) {
	if len(s) <= maxAttrBytes {
		return s, false
	}
	return s[:maxAttrBytes], true
}

func distinctToolNames(calls []ToolCall) []string {
	seen := make(map[string]bool, len(calls))
	var names []string
	for _, c := range calls {
		if !seen[c.Name] {
			seen[c.Name] = true
			names = append(names, c.Name)
		}
	}
	return names
}
