package config

import (
	"os"
	"os/exec"
	"path/filepath"
)

// Config holds the daemon's runtime configuration: data directories, VM
// defaults, and the external binaries the monitor and network backend
// depend on.
type Config struct {
	// DataDir is the base directory for runtime data.
	DataDir string

	// BinDir is the directory containing sibling binaries (e.g. gvproxy).
	BinDir string

	// SockDir holds per-VM unix sockets (gvproxy data/API planes).
	SockDir string

	// KernelPath is the default vmlinux/bzImage path used when a Sandbox
	// is built in "local" mode without an explicit kernel.
	KernelPath string

	// DefaultMemoryMB is the default VM memory in megabytes.
	DefaultMemoryMB int

	// DefaultVCPUs is the default number of virtual CPUs.
	DefaultVCPUs int

	// DBPath is the path to the pipeline-run-history SQLite database.
	DBPath string

	// ImageCacheDir is the directory for cached kernel+initramfs artifact
	// pairs produced by the image pipeline.
	ImageCacheDir string

	// GvproxyBin is the path to the gvisor-tap-vsock network backend
	// binary. Empty means search PATH.
	GvproxyBin string
}

// DefaultConfig returns the default configuration, rooted under
// ~/.agentvm.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".agentvm")
	execDir := executableDir()

	kernelPath := filepath.Join(baseDir, "kernel", "vmlinux")
	if _, err := os.Stat(kernelPath); err != nil {
		sysKernel := "/usr/share/agentvm/kernel/vmlinux"
		if _, err := os.Stat(sysKernel); err == nil {
			kernelPath = sysKernel
		}
	}

	return &Config{
		DataDir:         filepath.Join(baseDir, "data"),
		BinDir:          execDir,
		SockDir:         filepath.Join(baseDir, "data", "sockets"),
		KernelPath:      kernelPath,
		DefaultMemoryMB: 512,
		DefaultVCPUs:    1,
		DBPath:          filepath.Join(baseDir, "data", "runs.db"),
		ImageCacheDir:   filepath.Join(baseDir, "data", "images"),
	}
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.SockDir,
		c.ImageCacheDir,
		filepath.Dir(c.KernelPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// ResolveGvproxyBin eagerly resolves GvproxyBin if empty, so the backend
// and any diagnostics share the same discovery result.
func (c *Config) ResolveGvproxyBin() {
	if c.GvproxyBin == "" {
		c.GvproxyBin = FindBinary("gvproxy", c.BinDir)
	}
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable (BinDir)
//  3. Known system paths
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}

	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	for _, dir := range []string{"/usr/lib/agentvm", "/usr/libexec", "/usr/local/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// executableDir returns the directory containing the current executable.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
