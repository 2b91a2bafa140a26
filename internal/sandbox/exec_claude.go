package sandbox

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/vmsandbox/core/internal/agentoutput"
	"github.com/vmsandbox/core/internal/backend"
	"github.com/vmsandbox/core/internal/control"
)

// agentBinary is the guest-side path the agent CLI is expected to be
// installed at.
const agentBinary = "claude"

// diagnosticPrefixLen bounds the stderr/stdout prefixes attached to
// a Guest error when exec_claude sees no stream output but a non-zero exit.
const diagnosticPrefixLen = 512

// ExecClaudeOpts configures exec_claude.
type ExecClaudeOpts struct {
	Cwd                  string
	TimeoutSec           int
	Env                  map[string]string
	DangerouslySkipPerms bool

	// OnRawChunk, if set, receives every raw ExecOutputChunk from
	// ExecClaudeStreaming as it arrives, ahead of line parsing. Pipeline
	// stages use this to relay live output independent of tool-event
	// dispatch.
	OnRawChunk func(control.ExecOutputChunk)
}

// ExecClaude runs the agent CLI with prompt and parses its JSONL stdout
// into a structured record (§4.11).
func ExecClaude(b backend.Backend, prompt string, opts ExecClaudeOpts) (*agentoutput.Record, error) {
	if err := probeAgentBinary(b); err != nil {
		return nil, err
	}

	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if opts.DangerouslySkipPerms {
		args = append(args, "--dangerously-skip-permissions")
	}

	resp, err := b.Exec(agentBinary, args, nil, opts.Env, backend.ExecOpts{
		Cwd:     opts.Cwd,
		Timeout: opts.TimeoutSec,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Stdout) == 0 && resp.ExitCode != 0 {
		return nil, &control.GuestError{
			Op: "exec_claude",
			Err: fmt.Errorf("agent exited %d with no stream output; stderr=%q stdout=%q",
				resp.ExitCode, truncate(resp.Stderr, diagnosticPrefixLen), truncate(resp.Stdout, diagnosticPrefixLen)),
		}
	}

	parser := agentoutput.NewParser()
	if err := parser.ParseAll(bytes.NewReader(resp.Stdout)); err != nil {
		return nil, fmt.Errorf("exec_claude: parse agent output: %w", err)
	}
	record := parser.Record()
	return &record, nil
}

// ToolEvent is dispatched by ExecClaudeStreaming as each tool call completes
// in the live stream.
type ToolEvent struct {
	Call agentoutput.ToolCall
}

// ExecClaudeStreaming runs the agent CLI and dispatches onTool as each
// tool_use/tool_result pair resolves in the live ExecOutputChunk stream,
// returning the final structured record once the exec completes.
func ExecClaudeStreaming(b backend.Backend, prompt string, opts ExecClaudeOpts, onTool func(ToolEvent)) (*agentoutput.Record, error) {
	if err := probeAgentBinary(b); err != nil {
		return nil, err
	}

	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if opts.DangerouslySkipPerms {
		args = append(args, "--dangerously-skip-permissions")
	}

	chunks, final := b.ExecStreaming(agentBinary, args, opts.Env, backend.ExecOpts{
		Cwd:     opts.Cwd,
		Timeout: opts.TimeoutSec,
	})

	parser := agentoutput.NewParser()
	var pending bytes.Buffer
	dispatched := make(map[string]bool)

	for chunk := range chunks {
		if opts.OnRawChunk != nil {
			opts.OnRawChunk(chunk)
		}
		if chunk.Stream != "stdout" {
			continue
		}
		pending.Write(chunk.Data)
		for {
			line, rest, ok := cutLine(pending.Bytes())
			if !ok {
				break
			}
			parser.ParseLine(line)
			pending.Reset()
			pending.Write(rest)

			if onTool != nil {
				for _, call := range parser.Record().ToolCalls {
					if call.Output != "" && !dispatched[call.ID] {
						dispatched[call.ID] = true
						onTool(ToolEvent{Call: call})
					}
				}
			}
		}
	}
	if pending.Len() > 0 {
		parser.ParseLine(pending.Bytes())
	}

	result := <-final
	if result.Err != nil {
		return nil, result.Err
	}
	if result.Resp != nil && len(result.Resp.Stdout) == 0 && result.Resp.ExitCode != 0 && parser.Record().ResultText == "" {
		return nil, &control.GuestError{
			Op:  "exec_claude_streaming",
			Err: fmt.Errorf("agent exited %d with no stream output", result.Resp.ExitCode),
		}
	}

	record := parser.Record()
	return &record, nil
}

// probeAgentBinary is a side-effect-free existence check for the agent
// binary, run before exec_claude spends a real exec on it.
func probeAgentBinary(b backend.Backend) error {
	resp, err := b.Exec("command", []string{"-v", agentBinary}, nil, nil, backend.ExecOpts{})
	if err != nil {
		return err
	}
	if resp.ExitCode != 0 {
		return &control.GuestError{Op: "probe_agent_binary", Err: fmt.Errorf("%s not found on guest PATH", agentBinary)}
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}

// cutLine splits off the first newline-terminated line from buf, if any.
func cutLine(buf []byte) (line, rest []byte, ok bool) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return nil, buf, false
	}
	return buf[:idx], buf[idx+1:], true
}
