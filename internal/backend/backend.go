// Package backend defines the platform-agnostic VMM lifecycle (§4.10):
// start/exec/write/mkdir/telemetry/stop, implemented today by the raw-KVM
// monitor and backed by a control channel for all guest communication.
package backend

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vmsandbox/core/internal/control"
	"github.com/vmsandbox/core/internal/telemetry"
)

// VMConfig is the immutable configuration a backend needs to start a VM.
type VMConfig struct {
	MemoryMB      int
	VCPUs         int
	KernelPath    string
	InitramfsPath string
	RootfsPath    string
	Network       bool
	Vsock         bool
	Env           map[string]string
	SharedDir     string
	CID           uint32 // 0 means "allocate one"
	GvproxyBin    string
	SockDir       string
}

// ExecOpts carries the optional parameters of Exec.
type ExecOpts struct {
	Cwd     string
	Timeout int // seconds, 0 means default
}

// Backend is the capability set shared by every VMM implementation (§4.10).
type Backend interface {
	Start(ctx context.Context, cfg VMConfig) error
	Exec(program string, args []string, stdin []byte, env map[string]string, opts ExecOpts) (*control.ExecResponse, error)
	ExecStreaming(program string, args []string, env map[string]string, opts ExecOpts) (<-chan control.ExecOutputChunk, <-chan ExecResult)
	WriteFile(path string, content []byte) error
	MkdirP(path string) error
	StartTelemetry(opts control.TelemetryOptions, observer func(control.TelemetryBatch)) error
	SetSpanContext(ctx telemetry.SpanContext)
	IsRunning() bool
	CID() uint32
	Stop() error
}

// ExecResult carries the final ExecResponse or error from a streaming exec.
type ExecResult struct {
	Resp *control.ExecResponse
	Err  error
}

// cidCounter is the process-local source for CID allocation when a config
// does not supply one (§4.10: "derived from a process-local source so as to
// be >= 3").
var cidCounter uint32 = 2

// AllocateCID returns the next process-local CID, starting at 3.
func AllocateCID() uint32 {
	return atomic.AddUint32(&cidCounter, 1)
}

// KVMBackend is the Linux/KVM implementation of Backend, wrapping the
// internal/vmm monitor and a vsock-backed control channel.
type KVMBackend struct {
	mu            sync.Mutex
	cid           uint32
	running       atomic.Bool
	channel       *control.Channel
	spanCtx       telemetry.SpanContext
	stopMonitor   func() error
}

// NewKVMBackend creates an unstarted backend.
func NewKVMBackend() *KVMBackend {
	return &KVMBackend{}
}

// randomSecret generates a 32-byte session secret (§3 security block).
func randomSecret() ([32]byte, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return secret, fmt.Errorf("generate session secret: %w", err)
	}
	return secret, nil
}

func (b *KVMBackend) IsRunning() bool { return b.running.Load() }
func (b *KVMBackend) CID() uint32     { return b.cid }

func (b *KVMBackend) SetSpanContext(ctx telemetry.SpanContext) {
	b.mu.Lock()
	b.spanCtx = ctx
	b.mu.Unlock()
}

// Exec fires a request and waits for the response, prepending TRACEPARENT
// from the active span context when the caller did not set one (§4.10).
func (b *KVMBackend) Exec(program string, args []string, stdin []byte, env map[string]string, opts ExecOpts) (*control.ExecResponse, error) {
	req := b.buildExecRequest(program, args, stdin, env, opts)
	resp, err := b.channel.Exec(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ExecStreaming mirrors Exec but returns a channel of output chunks plus a
// channel carrying the single final result; stdin is ignored (§4.10).
func (b *KVMBackend) ExecStreaming(program string, args []string, env map[string]string, opts ExecOpts) (<-chan control.ExecOutputChunk, <-chan ExecResult) {
	chunks := make(chan control.ExecOutputChunk, 16)
	result := make(chan ExecResult, 1)

	req := b.buildExecRequest(program, args, nil, env, opts)
	go func() {
		defer close(chunks)
		resp, err := b.channel.ExecStreaming(req, func(c control.ExecOutputChunk) {
			chunks <- c
		})
		result <- ExecResult{Resp: resp, Err: err}
		close(result)
	}()
	return chunks, result
}

func (b *KVMBackend) buildExecRequest(program string, args []string, stdin []byte, env map[string]string, opts ExecOpts) control.ExecRequest {
	merged := make(map[string]string, len(env)+1)
	for k, v := range env {
		merged[k] = v
	}
	b.mu.Lock()
	spanCtx := b.spanCtx
	b.mu.Unlock()
	if _, has := merged["TRACEPARENT"]; !has && spanCtx.TraceID != "" {
		merged["TRACEPARENT"] = spanCtx.Traceparent()
	}
	return control.ExecRequest{
		Program:    program,
		Args:       args,
		Stdin:      stdin,
		Env:        merged,
		Cwd:        opts.Cwd,
		TimeoutSec: opts.Timeout,
	}
}

// WriteFile surfaces any non-success response as a Guest error.
func (b *KVMBackend) WriteFile(path string, content []byte) error {
	resp, err := b.channel.WriteFile(path, content)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &control.GuestError{Op: "write_file", Err: fmt.Errorf("%s", resp.Error)}
	}
	return nil
}

// MkdirP surfaces any non-success response as a Guest error.
func (b *KVMBackend) MkdirP(path string) error {
	resp, err := b.channel.MkdirP(path)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &control.GuestError{Op: "mkdir_p", Err: fmt.Errorf("%s", resp.Error)}
	}
	return nil
}

// StartTelemetry spawns a background goroutine that subscribes and
// delivers batches to observer until the subscription ends.
func (b *KVMBackend) StartTelemetry(opts control.TelemetryOptions, observer func(control.TelemetryBatch)) error {
	go func() {
		_ = b.channel.SubscribeTelemetry(opts, observer)
	}()
	return nil
}

func (b *KVMBackend) Stop() error {
	b.running.Store(false)
	if b.stopMonitor != nil {
		return b.stopMonitor()
	}
	return nil
}
