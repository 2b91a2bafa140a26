package sandbox

import (
	"context"
	"sync"

	"github.com/vmsandbox/core/internal/backend"
	"github.com/vmsandbox/core/internal/control"
	"github.com/vmsandbox/core/internal/telemetry"
)

// MockBackend is a recorded-response stub: it never starts a VM, and
// returns canned ExecResponses keyed by program name (§4.11: "mock returns
// a recorded-response stub"). Useful for pipeline/sandbox tests and for
// ModeAuto when no kernel is configured.
type MockBackend struct {
	mu        sync.Mutex
	responses map[string]*control.ExecResponse
	running   bool
	cid       uint32
	spanCtx   telemetry.SpanContext
	files     map[string][]byte
	dirs      map[string]bool
}

var _ backend.Backend = (*MockBackend)(nil)

// NewMockBackend returns a MockBackend with no recorded responses; Exec
// falls back to a successful empty response for any unrecorded program.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		responses: make(map[string]*control.ExecResponse),
		files:     make(map[string][]byte),
		dirs:      make(map[string]bool),
		running:   true,
		cid:       3,
	}
}

// RecordResponse registers the ExecResponse to return the next time Exec or
// ExecStreaming is called with this program name.
func (m *MockBackend) RecordResponse(program string, resp *control.ExecResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[program] = resp
}

// Start is a no-op: MockBackend is already "running" from construction.
func (m *MockBackend) Start(ctx context.Context, cfg backend.VMConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	return nil
}

func (m *MockBackend) Exec(program string, args []string, stdin []byte, env map[string]string, opts backend.ExecOpts) (*control.ExecResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resp, ok := m.responses[program]; ok {
		return resp, nil
	}
	return &control.ExecResponse{ExitCode: 0, WallDurationMS: 0}, nil
}

// ExecStreaming replays the recorded response (if any) as one chunk per
// non-empty stream, then the final response.
func (m *MockBackend) ExecStreaming(program string, args []string, env map[string]string, opts backend.ExecOpts) (<-chan control.ExecOutputChunk, <-chan backend.ExecResult) {
	chunks := make(chan control.ExecOutputChunk, 2)
	final := make(chan backend.ExecResult, 1)

	m.mu.Lock()
	resp, ok := m.responses[program]
	m.mu.Unlock()
	if !ok {
		resp = &control.ExecResponse{ExitCode: 0}
	}

	go func() {
		defer close(chunks)
		defer close(final)
		if len(resp.Stdout) > 0 {
			chunks <- control.ExecOutputChunk{Stream: "stdout", Data: resp.Stdout, Seq: 0}
		}
		if len(resp.Stderr) > 0 {
			chunks <- control.ExecOutputChunk{Stream: "stderr", Data: resp.Stderr, Seq: 1}
		}
		final <- backend.ExecResult{Resp: resp}
	}()

	return chunks, final
}

func (m *MockBackend) WriteFile(path string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), content...)
	return nil
}

func (m *MockBackend) MkdirP(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[path] = true
	return nil
}

func (m *MockBackend) StartTelemetry(opts control.TelemetryOptions, observer func(control.TelemetryBatch)) error {
	go observer(control.TelemetryBatch{Seq: 0, Data: []byte(`{}`)})
	return nil
}

func (m *MockBackend) SetSpanContext(ctx telemetry.SpanContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spanCtx = ctx
}

func (m *MockBackend) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *MockBackend) CID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cid
}

func (m *MockBackend) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}
