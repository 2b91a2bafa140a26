package pipeline

import (
	"context"
	"strings"

	"github.com/vmsandbox/core/internal/agentoutput"
	"github.com/vmsandbox/core/internal/control"
	"github.com/vmsandbox/core/internal/sandbox"
)

// carryPlaceholder marks where a Box's prompt template receives the
// previous stage's carry-forward bytes. A template with no placeholder
// gets the carry appended after a blank line instead, so a bare prompt
// string is still a valid template for a pipeline's first stage.
const carryPlaceholder = "{{input}}"

// VMBoxConfig describes one VM-backed pipeline stage.
type VMBoxConfig struct {
	Name           string
	PromptTemplate string
	Opts           sandbox.ExecClaudeOpts
}

// NewVMBox builds a Box that runs the agent CLI inside sbx, substituting
// the previous stage's carry-forward bytes into PromptTemplate (or
// appending them, if the template has no placeholder) and forwarding raw
// output chunks to the pipeline's onChunk hook as they arrive.
func NewVMBox(cfg VMBoxConfig, sbx *sandbox.Sandbox) Box {
	return Box{
		Name: cfg.Name,
		Run: func(_ context.Context, input []byte, onChunk func(control.ExecOutputChunk)) (*agentoutput.Record, []byte, error) {
			prompt := buildPrompt(cfg.PromptTemplate, input)

			opts := cfg.Opts
			opts.OnRawChunk = func(c control.ExecOutputChunk) {
				if onChunk != nil {
					onChunk(c)
				}
			}

			record, err := sandbox.ExecClaudeStreaming(sbx.Backend(), prompt, opts, nil)
			if err != nil {
				return nil, nil, err
			}
			return record, nil, nil
		},
	}
}

func buildPrompt(template string, input []byte) string {
	if len(input) == 0 {
		return template
	}
	if strings.Contains(template, carryPlaceholder) {
		return strings.Replace(template, carryPlaceholder, string(input), 1)
	}
	if template == "" {
		return string(input)
	}
	return template + "\n\nInput from previous stage:\n" + string(input)
}
