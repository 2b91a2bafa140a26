// Package sandbox is a configuration-plus-backend facade (§4.11) used by
// higher layers that just want to run an agent inside an isolated VM
// without wiring a backend, control channel, and boot artifacts by hand.
package sandbox

import (
	"context"
	"fmt"
	"os"

	"github.com/vmsandbox/core/internal/backend"
	"github.com/vmsandbox/core/internal/config"
	"github.com/vmsandbox/core/internal/image"
)

// Mode selects how a Sandbox's backend is constructed.
type Mode string

const (
	// ModeMock returns a recorded-response stub; no VM is ever started.
	ModeMock Mode = "mock"
	// ModeLocal instantiates the platform backend; requires a kernel.
	ModeLocal Mode = "local"
	// ModeAuto uses ModeLocal when a kernel is available, else ModeMock.
	ModeAuto Mode = "auto"
)

// kernelEnvVar is the well-known environment binding ModeLocal/ModeAuto
// fall back to when no kernel path is configured explicitly.
const kernelEnvVar = "AGENTVM_KERNEL_PATH"

// Option configures a Sandbox at build time.
type Option func(*buildConfig)

type buildConfig struct {
	memoryMB      int
	vcpus         int
	network       bool
	vsock         bool
	kernelPath    string
	initramfsPath string
	rootfsPath    string
	sharedDir     string
	env           map[string]string
	artifactsRef  string
	mode          Mode
}

func WithMemoryMB(mb int) Option      { return func(c *buildConfig) { c.memoryMB = mb } }
func WithVCPUs(n int) Option          { return func(c *buildConfig) { c.vcpus = n } }
func WithNetwork(enabled bool) Option { return func(c *buildConfig) { c.network = enabled } }
func WithVsock(enabled bool) Option   { return func(c *buildConfig) { c.vsock = enabled } }
func WithKernelPath(path string) Option {
	return func(c *buildConfig) { c.kernelPath = path }
}
func WithInitramfsPath(path string) Option {
	return func(c *buildConfig) { c.initramfsPath = path }
}
func WithRootfsPath(path string) Option {
	return func(c *buildConfig) { c.rootfsPath = path }
}
func WithSharedDir(path string) Option { return func(c *buildConfig) { c.sharedDir = path } }
func WithEnv(env map[string]string) Option {
	return func(c *buildConfig) { c.env = env }
}

// WithArtifactsRef selects a pre-built OCI artifact ref (kernel+initramfs
// pair) as the boot image instead of explicit paths; resolved against an
// image.Cache at build time.
func WithArtifactsRef(ref string) Option {
	return func(c *buildConfig) { c.artifactsRef = ref }
}

func WithMode(m Mode) Option { return func(c *buildConfig) { c.mode = m } }

// Sandbox wraps a started backend with the exec_claude convenience API.
type Sandbox struct {
	backend backend.Backend
	mode    Mode
}

// New builds and starts a Sandbox per the given options. imageCache may be
// nil if WithArtifactsRef is never used.
func New(ctx context.Context, imageCache *image.Cache, cfg *config.Config, opts ...Option) (*Sandbox, error) {
	bc := &buildConfig{
		memoryMB: cfg.DefaultMemoryMB,
		vcpus:    cfg.DefaultVCPUs,
		mode:     ModeAuto,
	}
	for _, opt := range opts {
		opt(bc)
	}

	if bc.artifactsRef != "" {
		if imageCache == nil {
			return nil, fmt.Errorf("sandbox: artifacts ref %q given without an image cache", bc.artifactsRef)
		}
		pair, err := imageCache.GetOrPull(ctx, bc.artifactsRef, nil)
		if err != nil {
			return nil, fmt.Errorf("sandbox: resolve artifacts ref %q: %w", bc.artifactsRef, err)
		}
		bc.kernelPath = pair.KernelPath
		bc.initramfsPath = pair.InitramfsPath
	}

	if bc.kernelPath == "" {
		if env := os.Getenv(kernelEnvVar); env != "" {
			bc.kernelPath = env
		} else if cfg.KernelPath != "" {
			if _, err := os.Stat(cfg.KernelPath); err == nil {
				bc.kernelPath = cfg.KernelPath
			}
		}
	}

	mode := bc.mode
	if mode == ModeAuto {
		if bc.kernelPath != "" {
			mode = ModeLocal
		} else {
			mode = ModeMock
		}
	}

	switch mode {
	case ModeMock:
		return &Sandbox{backend: NewMockBackend(), mode: ModeMock}, nil
	case ModeLocal:
		if bc.kernelPath == "" {
			return nil, fmt.Errorf("sandbox: local mode requires a kernel path (set one explicitly, via %s, or config.KernelPath)", kernelEnvVar)
		}
		b := backend.NewKVMBackend()
		vmCfg := backend.VMConfig{
			MemoryMB:      bc.memoryMB,
			VCPUs:         bc.vcpus,
			KernelPath:    bc.kernelPath,
			InitramfsPath: bc.initramfsPath,
			RootfsPath:    bc.rootfsPath,
			Network:       bc.network,
			Vsock:         bc.vsock,
			Env:           bc.env,
			SharedDir:     bc.sharedDir,
			GvproxyBin:    cfg.GvproxyBin,
			SockDir:       cfg.SockDir,
		}
		if err := b.Start(ctx, vmCfg); err != nil {
			return nil, fmt.Errorf("sandbox: start backend: %w", err)
		}
		return &Sandbox{backend: b, mode: ModeLocal}, nil
	default:
		return nil, fmt.Errorf("sandbox: unknown mode %q", mode)
	}
}

// Mode reports which mode the Sandbox's backend resolved to.
func (s *Sandbox) Mode() Mode { return s.mode }

// Backend exposes the underlying backend for callers that need the raw
// exec/write_file/mkdir_p operations directly.
func (s *Sandbox) Backend() backend.Backend { return s.backend }

// Stop tears down the backend and its VM, if any.
func (s *Sandbox) Stop() error { return s.backend.Stop() }
