package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/vmsandbox/core/internal/config"
	"github.com/vmsandbox/core/internal/image"
	"github.com/vmsandbox/core/internal/sandbox"
)

// BoxSpec is the on-disk description of one VM-backed box.
type BoxSpec struct {
	Name           string            `json:"name"`
	PromptTemplate string            `json:"prompt_template"`
	Mode           string            `json:"mode,omitempty"` // "mock", "local", "auto" (default)
	ArtifactsRef   string            `json:"artifacts_ref,omitempty"`
	KernelPath     string            `json:"kernel_path,omitempty"`
	InitramfsPath  string            `json:"initramfs_path,omitempty"`
	RootfsPath     string            `json:"rootfs_path,omitempty"`
	SharedDir      string            `json:"shared_dir,omitempty"`
	MemoryMB       int               `json:"memory_mb,omitempty"`
	VCPUs          int               `json:"vcpus,omitempty"`
	Network        bool              `json:"network,omitempty"`
	Vsock          bool              `json:"vsock,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSec     int               `json:"timeout_seconds,omitempty"`
}

// StageSpec is one pipeline stage: a single box, or more than one box run
// as a fan-out group.
type StageSpec struct {
	Boxes []BoxSpec `json:"boxes"`
}

// Spec is the on-disk pipeline definition consumed by cmd/agentvmd and
// cmd/agentvm (`pipeline run <file>`).
type Spec struct {
	Name   string      `json:"name"`
	Stages []StageSpec `json:"stages"`
}

// LoadSpecFile reads and parses a pipeline definition file.
func LoadSpecFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline spec %s: %w", path, err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse pipeline spec %s: %w", path, err)
	}
	if len(spec.Stages) == 0 {
		return nil, fmt.Errorf("pipeline spec %s: no stages", path)
	}
	return &spec, nil
}

// Compile builds a runnable Pipeline from spec: one sandbox.Sandbox per
// box, started eagerly so a bad kernel/image reference fails before any
// stage runs rather than partway through. The returned cleanup stops
// every sandbox started along the way, even on a compile error.
func Compile(ctx context.Context, spec *Spec, cfg *config.Config, imageCache *image.Cache) (*Pipeline, func(), error) {
	var sandboxes []*sandbox.Sandbox
	cleanup := func() {
		for _, sb := range sandboxes {
			_ = sb.Stop()
		}
	}

	p := &Pipeline{Name: spec.Name}
	for _, stageSpec := range spec.Stages {
		boxes := make([]Box, len(stageSpec.Boxes))
		for i, bs := range stageSpec.Boxes {
			sb, err := buildSandbox(ctx, bs, cfg, imageCache)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("compile box %s: %w", bs.Name, err)
			}
			sandboxes = append(sandboxes, sb)
			boxes[i] = NewVMBox(VMBoxConfig{
				Name:           bs.Name,
				PromptTemplate: bs.PromptTemplate,
				Opts: sandbox.ExecClaudeOpts{
					Env:        bs.Env,
					TimeoutSec: bs.TimeoutSec,
				},
			}, sb)
		}

		if len(boxes) == 1 {
			p.Stages = append(p.Stages, Stage{Single: &boxes[0]})
		} else {
			p.Stages = append(p.Stages, Stage{Parallel: boxes})
		}
	}

	return p, cleanup, nil
}

func buildSandbox(ctx context.Context, bs BoxSpec, cfg *config.Config, imageCache *image.Cache) (*sandbox.Sandbox, error) {
	opts := []sandbox.Option{
		sandbox.WithNetwork(bs.Network),
		sandbox.WithVsock(bs.Vsock),
		sandbox.WithEnv(bs.Env),
	}
	if bs.MemoryMB > 0 {
		opts = append(opts, sandbox.WithMemoryMB(bs.MemoryMB))
	}
	if bs.VCPUs > 0 {
		opts = append(opts, sandbox.WithVCPUs(bs.VCPUs))
	}
	if bs.ArtifactsRef != "" {
		opts = append(opts, sandbox.WithArtifactsRef(bs.ArtifactsRef))
	}
	if bs.KernelPath != "" {
		opts = append(opts, sandbox.WithKernelPath(bs.KernelPath))
	}
	if bs.InitramfsPath != "" {
		opts = append(opts, sandbox.WithInitramfsPath(bs.InitramfsPath))
	}
	if bs.RootfsPath != "" {
		opts = append(opts, sandbox.WithRootfsPath(bs.RootfsPath))
	}
	if bs.SharedDir != "" {
		opts = append(opts, sandbox.WithSharedDir(bs.SharedDir))
	}
	switch bs.Mode {
	case "mock":
		opts = append(opts, sandbox.WithMode(sandbox.ModeMock))
	case "local":
		opts = append(opts, sandbox.WithMode(sandbox.ModeLocal))
	case "", "auto":
		opts = append(opts, sandbox.WithMode(sandbox.ModeAuto))
	default:
		return nil, fmt.Errorf("box %s: unknown mode %q", bs.Name, bs.Mode)
	}

	return sandbox.New(ctx, imageCache, cfg, opts...)
}
