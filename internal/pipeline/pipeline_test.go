package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/vmsandbox/core/internal/agentoutput"
	"github.com/vmsandbox/core/internal/control"
)

// textBox returns a Box whose Run simply echoes want as its result text,
// recording the carry-forward input it was given.
func textBox(name, want string, gotInput *[]byte) Box {
	return Box{
		Name: name,
		Run: func(_ context.Context, input []byte, _ func(control.ExecOutputChunk)) (*agentoutput.Record, []byte, error) {
			if gotInput != nil {
				*gotInput = input
			}
			return &agentoutput.Record{ResultText: want}, nil, nil
		},
	}
}

func errorBox(name, msg string) Box {
	return Box{
		Name: name,
		Run: func(_ context.Context, _ []byte, _ func(control.ExecOutputChunk)) (*agentoutput.Record, []byte, error) {
			return &agentoutput.Record{IsError: true, ErrorMessage: msg}, nil, nil
		},
	}
}

// §8 scenario 1: two-stage pipe, both succeed.
func TestPipelineTwoStagePipe(t *testing.T) {
	var stageBInput []byte
	p := &Pipeline{
		Name: "two-stage",
		Stages: []Stage{
			{Single: &Box{Name: "stage-a", Run: func(context.Context, []byte, func(control.ExecOutputChunk)) (*agentoutput.Record, []byte, error) {
				return &agentoutput.Record{ResultText: "HELLO"}, nil, nil
			}}},
			{Single: ptr(textBox("stage-b", "hello", &stageBInput))},
		},
	}

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(stageBInput) != "HELLO" {
		t.Fatalf("stage b input = %q, want HELLO", stageBInput)
	}
	if !result.Success {
		t.Fatalf("Success = false, want true")
	}
	if result.FinalText != "hello" {
		t.Fatalf("FinalText = %q, want hello", result.FinalText)
	}
}

// §8 scenario 2: fan-out merge; completion order b, a, c yields carry
// ["b","a","c"]. Members finish at staggered, widely-separated delays so
// completion order is deterministic regardless of scheduler timing.
func TestPipelineFanOutMerge(t *testing.T) {
	order := []string{"b", "a", "c"}
	const stagger = 40 * time.Millisecond

	member := func(delayIdx int, name string) Box {
		return Box{
			Name: name,
			Run: func(_ context.Context, _ []byte, _ func(control.ExecOutputChunk)) (*agentoutput.Record, []byte, error) {
				time.Sleep(time.Duration(delayIdx) * stagger)
				return &agentoutput.Record{ResultText: name}, nil, nil
			},
		}
	}

	members := make([]Box, len(order))
	for i, name := range order {
		members[i] = member(i, name)
	}

	var carryInto []byte
	p := &Pipeline{
		Name: "fan-out",
		Stages: []Stage{
			{Parallel: members},
			{Single: ptr(textBox("final", "ok", &carryInto))},
		},
	}

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("Success = false, want true")
	}

	var got []string
	if err := json.Unmarshal(carryInto, &got); err != nil {
		t.Fatalf("carry not JSON array: %v (%q)", err, carryInto)
	}
	want := []string{"b", "a", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("carry = %v, want %v", got, want)
	}
}

// §8 scenario 3: early termination — stage A errors, stage B must not run.
func TestPipelineEarlyTermination(t *testing.T) {
	ranB := false
	p := &Pipeline{
		Name: "early-term",
		Stages: []Stage{
			{Single: ptr(errorBox("stage-a", "boom"))},
			{Single: &Box{Name: "stage-b", Run: func(context.Context, []byte, func(control.ExecOutputChunk)) (*agentoutput.Record, []byte, error) {
				ranB = true
				return &agentoutput.Record{ResultText: "should not run"}, nil, nil
			}}},
		},
	}

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ranB {
		t.Fatalf("stage B ran after stage A errored")
	}
	if result.Success {
		t.Fatalf("Success = true, want false")
	}
	if len(result.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(result.Stages))
	}
}

// §8 scenario 4: carry precedence — file output wins over result text.
func TestPipelineCarryPrecedence(t *testing.T) {
	var stageBInput []byte
	p := &Pipeline{
		Name: "carry-precedence",
		Stages: []Stage{
			{Single: &Box{Name: "stage-a", Run: func(context.Context, []byte, func(control.ExecOutputChunk)) (*agentoutput.Record, []byte, error) {
				return &agentoutput.Record{ResultText: "ignored"}, []byte("raw"), nil
			}}},
			{Single: ptr(textBox("stage-b", "done", &stageBInput))},
		},
	}

	_, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(stageBInput) != "raw" {
		t.Fatalf("stage b input = %q, want raw", stageBInput)
	}
}

func ptr(b Box) *Box { return &b }
