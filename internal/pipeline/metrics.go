package pipeline

import (
	"context"

	"github.com/vmsandbox/core/internal/agentoutput"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StageMeter records the per-stage counters named in §4.13:
// pipeline.stage.{duration_ms,input_tokens,output_tokens,cost_usd,tool_calls},
// each labeled by stage name.
type StageMeter struct {
	duration     metric.Int64Counter
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	costUSD      metric.Float64Counter
	toolCalls    metric.Int64Counter
}

// NewStageMeter builds a StageMeter from a named meter (typically
// telemetry.Meter("agentvm.pipeline")).
func NewStageMeter(m metric.Meter) (*StageMeter, error) {
	duration, err := m.Int64Counter("pipeline.stage.duration_ms")
	if err != nil {
		return nil, err
	}
	inputTokens, err := m.Int64Counter("pipeline.stage.input_tokens")
	if err != nil {
		return nil, err
	}
	outputTokens, err := m.Int64Counter("pipeline.stage.output_tokens")
	if err != nil {
		return nil, err
	}
	costUSD, err := m.Float64Counter("pipeline.stage.cost_usd")
	if err != nil {
		return nil, err
	}
	toolCalls, err := m.Int64Counter("pipeline.stage.tool_calls")
	if err != nil {
		return nil, err
	}
	return &StageMeter{
		duration:     duration,
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
		costUSD:      costUSD,
		toolCalls:    toolCalls,
	}, nil
}

// Record adds one stage's observations to the counters, labeled by name.
func (sm *StageMeter) Record(stageName string, record agentoutput.Record) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("stage.name", stageName))
	sm.duration.Add(ctx, record.WallDurationMS, attrs)
	sm.inputTokens.Add(ctx, record.InputTokens, attrs)
	sm.outputTokens.Add(ctx, record.OutputTokens, attrs)
	sm.costUSD.Add(ctx, record.CostUSD, attrs)
	sm.toolCalls.Add(ctx, int64(len(record.ToolCalls)), attrs)
}
