package sandbox

import (
	"testing"

	"github.com/vmsandbox/core/internal/control"
)

func TestExecClaudeParsesRecordedResponse(t *testing.T) {
	b := NewMockBackend()
	b.RecordResponse("command", &control.ExecResponse{ExitCode: 0})
	b.RecordResponse(agentBinary, &control.ExecResponse{
		ExitCode: 0,
		Stdout: []byte(
			"{\"type\":\"system\",\"session_id\":\"s1\",\"model\":\"claude-opus\"}\n" +
				"{\"type\":\"result\",\"result\":\"done\",\"is_error\":false,\"duration_ms\":10,\"usage\":{\"input_tokens\":1,\"output_tokens\":2}}\n",
		),
	})

	rec, err := ExecClaude(b, "do the thing", ExecClaudeOpts{})
	if err != nil {
		t.Fatalf("ExecClaude: %v", err)
	}
	if rec.SessionID != "s1" || rec.ResultText != "done" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestExecClaudeMissingBinary(t *testing.T) {
	b := NewMockBackend()
	b.RecordResponse("command", &control.ExecResponse{ExitCode: 1})

	_, err := ExecClaude(b, "do the thing", ExecClaudeOpts{})
	if err == nil {
		t.Fatal("expected error when agent binary is not found")
	}
}

func TestExecClaudeEmptyStreamNonZeroExit(t *testing.T) {
	b := NewMockBackend()
	b.RecordResponse("command", &control.ExecResponse{ExitCode: 0})
	b.RecordResponse(agentBinary, &control.ExecResponse{ExitCode: 1, Stderr: []byte("boom")})

	_, err := ExecClaude(b, "do the thing", ExecClaudeOpts{})
	if err == nil {
		t.Fatal("expected Guest error for empty stdout with non-zero exit")
	}
}

func TestExecClaudeStreamingDispatchesToolEvents(t *testing.T) {
	b := NewMockBackend()
	b.RecordResponse("command", &control.ExecResponse{ExitCode: 0})
	b.RecordResponse(agentBinary, &control.ExecResponse{
		ExitCode: 0,
		Stdout: []byte(
			"{\"type\":\"assistant\",\"message\":{\"content\":[{\"type\":\"tool_use\",\"id\":\"c1\",\"name\":\"bash\",\"input\":{}}]}}\n" +
				"{\"type\":\"user\",\"message\":{\"content\":[{\"type\":\"tool_result\",\"tool_use_id\":\"c1\",\"content\":\"ok\"}]}}\n" +
				"{\"type\":\"result\",\"result\":\"done\",\"is_error\":false}\n",
		),
	})

	var events []ToolEvent
	rec, err := ExecClaudeStreaming(b, "do the thing", ExecClaudeOpts{}, func(e ToolEvent) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("ExecClaudeStreaming: %v", err)
	}
	if rec.ResultText != "done" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(events) != 1 || events[0].Call.Output != "ok" {
		t.Fatalf("expected one dispatched tool event with output %q, got %+v", "ok", events)
	}
}
