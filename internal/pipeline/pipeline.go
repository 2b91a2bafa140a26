// Package pipeline composes isolated VMs into ordered DAGs with
// deterministic carry-forward semantics (§4.13). A pipeline is a
// non-empty ordered list of stages; each stage is either a single VM
// box or a group of boxes run concurrently ("fan-out") on the same
// input.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vmsandbox/core/internal/agentoutput"
	"github.com/vmsandbox/core/internal/control"
	"github.com/vmsandbox/core/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BoxRunner executes one VM box given the carry-forward input bytes from
// the previous stage (nil if there is none). onChunk, if non-nil, should
// be invoked for every live ExecOutputChunk the box produces so streaming
// consumers observe real progress as it happens.
type BoxRunner func(ctx context.Context, input []byte, onChunk func(control.ExecOutputChunk)) (*agentoutput.Record, []byte, error)

// Box is one named unit of work inside a stage.
type Box struct {
	Name string
	Run  BoxRunner
}

// Stage is either a single box or a parallel group of boxes run
// concurrently on the same input (§3 "Pipeline stage").
type Stage struct {
	Single   *Box
	Parallel []Box
}

// Name returns the stage's display name: the single box's name, or
// "a|b|c" for a fan-out group, matching the fan_out:[...] span naming
// in §4.13.
func (s Stage) Name() string {
	if s.Single != nil {
		return s.Single.Name
	}
	names := make([]string, len(s.Parallel))
	for i, b := range s.Parallel {
		names[i] = b.Name
	}
	return strings.Join(names, "|")
}

// StageResult is the outcome of one stage (§3).
type StageResult struct {
	BoxName    string
	Record     agentoutput.Record
	FileOutput []byte
}

// PipelineResult is the outcome of a full pipeline run (§3).
type PipelineResult struct {
	Name         string
	Stages       []StageResult
	Success      bool
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	FinalText    string
}

// ChunkEvent is one output-hook event: a stage/box name paired with an
// ExecOutputChunk, delivered to Pipeline.OnChunk as stages produce or
// complete with output (§4.13 streaming mode).
type ChunkEvent struct {
	StageName string
	BoxName   string
	Chunk     control.ExecOutputChunk
}

// Pipeline is a non-empty ordered list of stages.
type Pipeline struct {
	Name   string
	Stages []Stage

	// OnChunk, if set, receives one ChunkEvent per live output chunk a box
	// produces, plus one synthetic chunk per stage that completes with no
	// live output but non-empty result text (§4.13 streaming mode).
	OnChunk func(ChunkEvent)

	// Tracer/Meter, if set, emit the root pipeline:<name> span and the
	// pipeline.stage.* counters (§4.13); nil disables both.
	Tracer trace.Tracer
	Meter  *StageMeter
}

// Run executes every stage in order, stopping at the first stage whose
// agent record reports IsError (§4.13 step 3).
func (p *Pipeline) Run(ctx context.Context) (*PipelineResult, error) {
	if len(p.Stages) == 0 {
		return nil, fmt.Errorf("pipeline: %s: no stages", p.Name)
	}

	result := &PipelineResult{Name: p.Name, Success: true}

	ctx, rootSpan := p.startRootSpan(ctx)
	defer func() {
		finishRootSpan(rootSpan, result)
		telemetry.Shutdown(context.Background())
	}()

	var carry []byte
	for _, stage := range p.Stages {
		var sr StageResult
		var err error
		if stage.Single != nil {
			sr, err = p.runSingle(ctx, *stage.Single, carry)
		} else {
			sr, err = p.runParallel(ctx, stage.Parallel, carry)
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline: %s: stage %s: %w", p.Name, stage.Name(), err)
		}

		result.Stages = append(result.Stages, sr)
		result.InputTokens += sr.Record.InputTokens
		result.OutputTokens += sr.Record.OutputTokens
		result.CostUSD += sr.Record.CostUSD
		result.FinalText = sr.Record.ResultText

		carry = carryForward(sr)

		if sr.Record.IsError {
			result.Success = false
			logAuthFailureHint(sr)
			break
		}
	}

	return result, nil
}

// carryForward applies the core carry-forward invariant (§3, §8): raw
// file output takes priority, then non-empty result text, else nothing.
func carryForward(sr StageResult) []byte {
	if len(sr.FileOutput) > 0 {
		return sr.FileOutput
	}
	if sr.Record.ResultText != "" {
		return []byte(sr.Record.ResultText)
	}
	return nil
}

// parallelCarryForward merges a fan-out group's results: the carry is the
// JSON array of member result texts in completion order (§3, §8 scenario
// 2). File outputs from parallel members are not merged.
func parallelCarryForward(texts []string) []byte {
	b, err := json.Marshal(texts)
	if err != nil {
		return nil
	}
	return b
}

// logAuthFailureHint annotates a likely auth failure in the log only
// (§4.13: "affects only the log message, not control flow").
func logAuthFailureHint(sr StageResult) {
	haystack := strings.ToLower(sr.Record.ResultText + " " + sr.Record.ErrorMessage)
	if strings.Contains(haystack, "not logged in") || strings.Contains(haystack, "/login") {
		log.Printf("pipeline: stage %s looks like an auth failure (not logged in / login prompt)", sr.BoxName)
	}
}

func (p *Pipeline) startRootSpan(ctx context.Context) (context.Context, trace.Span) {
	if p.Tracer == nil {
		return ctx, nil
	}
	ctx, span := p.Tracer.Start(ctx, "pipeline:"+p.Name, trace.WithAttributes(
		attribute.String("pipeline.name", p.Name),
		attribute.Int("pipeline.stages", len(p.Stages)),
	))
	return ctx, span
}

func finishRootSpan(span trace.Span, result *PipelineResult) {
	if span == nil {
		return
	}
	if result.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "stage failed")
	}
	span.End()
}

// boxStartTime returns the wall-clock time recorded as a box's start for
// its spans.
func boxStartTime() time.Time { return time.Now() }
