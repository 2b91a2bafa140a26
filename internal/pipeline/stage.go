package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmsandbox/core/internal/agentoutput"
	"github.com/vmsandbox/core/internal/control"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// runSingle runs one VM box, waits for completion, and derives its
// carry-forward bytes (§4.13 step 2a).
func (p *Pipeline) runSingle(ctx context.Context, box Box, input []byte) (StageResult, error) {
	start := boxStartTime()
	stageCtx, span := p.startStageSpan(ctx, "stage:"+box.Name, box.Name)

	sawChunk := false
	onChunk := func(c control.ExecOutputChunk) {
		sawChunk = true
		p.emitChunk(box.Name, box.Name, c)
	}

	record, fileOutput, err := box.Run(stageCtx, input, onChunk)
	if err != nil {
		p.finishStageSpan(span, false)
		return StageResult{}, fmt.Errorf("box %s: %w", box.Name, err)
	}

	sr := StageResult{BoxName: box.Name, Record: *record, FileOutput: fileOutput}

	if !sawChunk && record.ResultText != "" {
		p.emitChunk(box.Name, box.Name, control.ExecOutputChunk{Stream: "stdout", Data: []byte(record.ResultText), Seq: 0})
	}

	p.recordStageMetrics(box.Name, *record)
	if p.Tracer != nil {
		agentoutput.EmitSpans(stageCtx, p.Tracer, *record, start)
	}
	p.finishStageSpan(span, !record.IsError)

	return sr, nil
}

// runParallel spawns one goroutine per member (a "join-set" per §5),
// records an output-hook event and finishes each member's stage span as
// it completes, then merges carry per the parallel carry-forward rule
// (§4.13 step 2b, §8 scenario 2).
func (p *Pipeline) runParallel(ctx context.Context, members []Box, input []byte) (StageResult, error) {
	fanOutName := Stage{Parallel: members}.Name()
	fanCtx, fanSpan := p.startStageSpan(ctx, "fan_out:["+fanOutName+"]", fanOutName)

	type memberResult struct {
		name    string
		record  *agentoutput.Record
		err     error
		seq     int
	}

	resultsCh := make(chan memberResult, len(members))
	var wg sync.WaitGroup
	wg.Add(len(members))
	var seqCounter int
	var seqMu sync.Mutex
	nextSeq := func() int {
		seqMu.Lock()
		defer seqMu.Unlock()
		seqCounter++
		return seqCounter
	}

	for _, m := range members {
		m := m
		go func() {
			defer wg.Done()
			start := boxStartTime()
			memberCtx, memberSpan := p.startStageSpan(fanCtx, "stage:"+m.Name, m.Name)
			sawChunk := false
			onChunk := func(c control.ExecOutputChunk) {
				sawChunk = true
				p.emitChunk(fanOutName, m.Name, c)
			}
			record, _, err := m.Run(memberCtx, input, onChunk)
			if err == nil {
				if !sawChunk && record.ResultText != "" {
					p.emitChunk(fanOutName, m.Name, control.ExecOutputChunk{Stream: "stdout", Data: []byte(record.ResultText)})
				}
				p.recordStageMetrics(m.Name, *record)
				if p.Tracer != nil {
					agentoutput.EmitSpans(memberCtx, p.Tracer, *record, start)
				}
			}
			p.finishStageSpan(memberSpan, err == nil && !record.IsError)
			resultsCh <- memberResult{name: m.Name, record: record, err: err, seq: nextSeq()}
		}()
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	ordered := make([]memberResult, 0, len(members))
	for r := range resultsCh {
		ordered = append(ordered, r)
	}
	// resultsCh delivery order is completion order already (each goroutine
	// sends exactly once as it finishes); sort defensively by seq to make
	// that explicit rather than relying on channel scheduling.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].seq < ordered[j-1].seq; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	allOK := true
	var texts []string
	var firstErrRecord *agentoutput.Record
	for _, r := range ordered {
		if r.err != nil {
			p.finishStageSpan(fanSpan, false)
			return StageResult{}, fmt.Errorf("fan-out member %s: %w", r.name, r.err)
		}
		texts = append(texts, r.record.ResultText)
		if r.record.IsError {
			allOK = false
			if firstErrRecord == nil {
				firstErrRecord = r.record
			}
		}
	}

	p.finishStageSpan(fanSpan, allOK)

	merged := StageResult{
		BoxName:    fanOutName,
		FileOutput: parallelCarryForward(texts),
	}
	if firstErrRecord != nil {
		merged.Record = *firstErrRecord
	} else if len(ordered) > 0 {
		merged.Record = *ordered[len(ordered)-1].record
	}
	// The parallel carry is the JSON array itself (§8 scenario 2), so the
	// merged result's "file output" *is* the carry; there is no separate
	// result text to prefer over it.
	merged.Record.ResultText = ""
	return merged, nil
}

func (p *Pipeline) startStageSpan(ctx context.Context, spanName, attrName string) (context.Context, trace.Span) {
	if p.Tracer == nil {
		return ctx, nil
	}
	ctx, span := p.Tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("stage.name", attrName)))
	return ctx, span
}

func (p *Pipeline) finishStageSpan(span trace.Span, ok bool) {
	if span == nil {
		return
	}
	if ok {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "stage failed")
	}
	span.End()
}

func (p *Pipeline) emitChunk(stageName, boxName string, c control.ExecOutputChunk) {
	if p.OnChunk != nil {
		p.OnChunk(ChunkEvent{StageName: stageName, BoxName: boxName, Chunk: c})
	}
}

func (p *Pipeline) recordStageMetrics(boxName string, record agentoutput.Record) {
	if p.Meter == nil {
		return
	}
	p.Meter.Record(boxName, record)
}
