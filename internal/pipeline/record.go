package pipeline

import (
	"fmt"

	"github.com/vmsandbox/core/internal/logstore"
	"github.com/vmsandbox/core/internal/telemetry"
)

// stageKind reports "single" or "parallel" for logstore.Stage.Kind.
func stageKind(s Stage) string {
	if s.Single != nil {
		return "single"
	}
	return "parallel"
}

// Instrument wires the pipeline's Tracer/Meter from the global OTel
// providers, under the given component name (e.g. "agentvm.pipeline").
func (p *Pipeline) Instrument(name string) error {
	p.Tracer = telemetry.Tracer(name)
	meter, err := NewStageMeter(telemetry.Meter(name))
	if err != nil {
		return fmt.Errorf("build stage meter: %w", err)
	}
	p.Meter = meter
	return nil
}

// RecordRun persists one completed run and its stages to db, matching the
// stages in p.Stages by index (the caller must not reorder them between
// Run and RecordRun).
func RecordRun(db *logstore.DB, p *Pipeline, result *PipelineResult) error {
	runID, err := db.StartRun(p.Name)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	for i, sr := range result.Stages {
		err := db.RecordStage(logstore.Stage{
			RunID:        runID,
			Index:        i,
			BoxName:      sr.BoxName,
			Kind:         stageKind(p.Stages[i]),
			IsError:      sr.Record.IsError,
			ErrorMessage: sr.Record.ErrorMessage,
			ResultText:   sr.Record.ResultText,
			DurationMS:   sr.Record.WallDurationMS,
			InputTokens:  sr.Record.InputTokens,
			OutputTokens: sr.Record.OutputTokens,
			CostUSD:      sr.Record.CostUSD,
			ToolCalls:    len(sr.Record.ToolCalls),
		})
		if err != nil {
			return fmt.Errorf("record stage %d: %w", i, err)
		}
	}

	return db.FinishRun(runID, result.Success, result.FinalText, len(result.Stages),
		result.InputTokens, result.OutputTokens, result.CostUSD)
}
