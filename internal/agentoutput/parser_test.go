package agentoutput

import (
	"strings"
	"testing"
)

const sampleJSONL = `
{"type":"system","session_id":"sess-1","model":"claude-opus"}
{"type":"assistant","message":{"model":"claude-opus","usage":{"input_tokens":10,"output_tokens":5},"content":[{"type":"tool_use","id":"call-1","name":"bash","input":{"command":"ls"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"call-1","content":[{"type":"text","text":"file.go"}]}]}}
{"type":"result","result":"done","is_error":false,"duration_ms":120,"duration_api_ms":80,"num_turns":1,"total_cost_usd":0.01,"usage":{"input_tokens":10,"output_tokens":5}}
`

func TestParserBatchVsIncremental(t *testing.T) {
	batch := NewParser()
	if err := batch.ParseAll(strings.NewReader(sampleJSONL)); err != nil {
		t.Fatalf("ParseAll: %v", err)
	}

	incremental := NewParser()
	for _, line := range strings.Split(sampleJSONL, "\n") {
		incremental.ParseLine([]byte(line))
	}

	br, ir := batch.Record(), incremental.Record()
	if br.SessionID != ir.SessionID || br.Model != ir.Model {
		t.Fatalf("session/model mismatch: %+v vs %+v", br, ir)
	}
	if br.ResultText != ir.ResultText || br.IsError != ir.IsError {
		t.Fatalf("result mismatch: %+v vs %+v", br, ir)
	}
	if br.InputTokens != ir.InputTokens || br.OutputTokens != ir.OutputTokens {
		t.Fatalf("token mismatch: %+v vs %+v", br, ir)
	}
	if len(br.ToolCalls) != 1 || len(ir.ToolCalls) != 1 {
		t.Fatalf("expected one tool call in each: %+v vs %+v", br.ToolCalls, ir.ToolCalls)
	}
	if br.ToolCalls[0].Output != "file.go" || ir.ToolCalls[0].Output != "file.go" {
		t.Fatalf("tool output mismatch: %+v vs %+v", br.ToolCalls[0], ir.ToolCalls[0])
	}
}

func TestParserSkipsInvalidAndEmptyLines(t *testing.T) {
	p := NewParser()
	p.ParseLine([]byte(""))
	p.ParseLine([]byte("   "))
	p.ParseLine([]byte("not json"))
	p.ParseLine([]byte(`{"type":"system","session_id":"s1","model":"m1"}`))

	r := p.Record()
	if r.SessionID != "s1" || r.Model != "m1" {
		t.Fatalf("expected system event to apply despite noise, got %+v", r)
	}
}

func TestResultUsageOverridesAccumulated(t *testing.T) {
	p := NewParser()
	p.ParseLine([]byte(`{"type":"assistant","message":{"usage":{"input_tokens":1,"output_tokens":1}}}`))
	p.ParseLine([]byte(`{"type":"assistant","message":{"usage":{"input_tokens":2,"output_tokens":2}}}`))
	p.ParseLine([]byte(`{"type":"result","result":"ok","usage":{"input_tokens":99,"output_tokens":42}}`))

	r := p.Record()
	if r.InputTokens != 99 || r.OutputTokens != 42 {
		t.Fatalf("expected result usage to override accumulated counts, got %+v", r)
	}
}
