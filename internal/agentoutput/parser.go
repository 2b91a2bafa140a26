// Package agentoutput incrementally parses the agent CLI's JSONL stream
// into a structured execution record (§4.12). Parsing line-by-line and
// parsing the whole buffer at once must produce identical records.
package agentoutput

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// ToolCall is one accumulated tool invocation.
type ToolCall struct {
	Name   string          `json:"name"`
	ID     string          `json:"id"`
	Input  json.RawMessage `json:"input"`
	Output string          `json:"output,omitempty"`
}

// Record is the mutable execution record a Parser builds up (§3 Data
// Model: "Agent execution record").
type Record struct {
	SessionID       string
	Model           string
	InputTokens     int64
	OutputTokens    int64
	WallDurationMS  int64
	APIDurationMS   int64
	NumTurns        int
	CostUSD         float64
	ResultText      string
	IsError         bool
	ErrorMessage    string
	ToolCalls       []ToolCall
}

// Parser accumulates JSONL events into a Record. Zero value is ready to use.
type Parser struct {
	record    Record
	toolIndex map[string]int
}

// NewParser returns a Parser with an empty Record.
func NewParser() *Parser {
	return &Parser{toolIndex: make(map[string]int)}
}

// Record returns the current accumulated record.
func (p *Parser) Record() Record { return p.record }

// ParseLine processes one JSONL line. Empty lines and invalid JSON are
// skipped silently (§4.12).
func (p *Parser) ParseLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case "system":
		p.applySystem(line)
	case "assistant":
		p.applyAssistant(line)
	case "user":
		p.applyUser(line)
	case "result":
		p.applyResult(line)
	}
}

// ParseAll reads every line from r and applies ParseLine to each, producing
// the same Record as calling ParseLine incrementally over the same bytes.
func (p *Parser) ParseAll(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		p.ParseLine(scanner.Bytes())
	}
	return scanner.Err()
}

type systemEvent struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

func (p *Parser) applySystem(line []byte) {
	var ev systemEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	if ev.SessionID != "" {
		p.record.SessionID = ev.SessionID
	}
	if ev.Model != "" {
		p.record.Model = ev.Model
	}
}

type assistantEvent struct {
	Message struct {
		Model   string           `json:"model"`
		Content []contentBlock   `json:"content"`
		Usage   *usageBlock      `json:"usage"`
	} `json:"message"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
	// tool_result fields
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

type usageBlock struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (p *Parser) applyAssistant(line []byte) {
	var ev assistantEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	if ev.Message.Model != "" {
		p.record.Model = ev.Message.Model
	}
	if ev.Message.Usage != nil {
		p.record.InputTokens += ev.Message.Usage.InputTokens
		p.record.OutputTokens += ev.Message.Usage.OutputTokens
	}
	if p.toolIndex == nil {
		p.toolIndex = make(map[string]int)
	}
	for _, block := range ev.Message.Content {
		if block.Type != "tool_use" {
			continue
		}
		p.record.ToolCalls = append(p.record.ToolCalls, ToolCall{
			Name:  block.Name,
			ID:    block.ID,
			Input: block.Input,
		})
		p.toolIndex[block.ID] = len(p.record.ToolCalls) - 1
	}
}

type userEvent struct {
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

func (p *Parser) applyUser(line []byte) {
	var ev userEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	for _, block := range ev.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		idx, ok := p.toolIndex[block.ToolUseID]
		if !ok {
			continue
		}
		p.record.ToolCalls[idx].Output = extractToolResultText(block.Content)
	}
}

// extractToolResultText handles the two shapes a tool_result's content can
// take: a plain JSON string, or an array of {"type":"text","text":"..."}
// blocks whose text fields are concatenated.
func extractToolResultText(content json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return asString
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, b := range blocks {
		if b.Type == "text" {
			buf.WriteString(b.Text)
		}
	}
	return buf.String()
}

type resultEvent struct {
	Result        string      `json:"result"`
	IsError       bool        `json:"is_error"`
	Error         string      `json:"error"`
	DurationMS    int64       `json:"duration_ms"`
	DurationAPIMS int64       `json:"duration_api_ms"`
	NumTurns      int         `json:"num_turns"`
	TotalCostUSD  float64     `json:"total_cost_usd"`
	Usage         *usageBlock `json:"usage"`
}

// applyResult sets the terminal fields; if usage is present its values
// override the accumulated token counts (result-level values are
// authoritative, §4.12).
func (p *Parser) applyResult(line []byte) {
	var ev resultEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	p.record.ResultText = ev.Result
	p.record.IsError = ev.IsError
	p.record.ErrorMessage = ev.Error
	p.record.WallDurationMS = ev.DurationMS
	p.record.APIDurationMS = ev.DurationAPIMS
	p.record.NumTurns = ev.NumTurns
	p.record.CostUSD = ev.TotalCostUSD
	if ev.Usage != nil {
		p.record.InputTokens = ev.Usage.InputTokens
		p.record.OutputTokens = ev.Usage.OutputTokens
	}
}
