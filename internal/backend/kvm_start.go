package backend

import (
	"context"
	"fmt"

	"github.com/vmsandbox/core/internal/control"
	"github.com/vmsandbox/core/internal/vmm"
)

const guestAgentPort = 9000

// Start builds the concrete VM, allocates the CID, and creates a control
// channel seeded with a freshly-generated session secret (§4.10).
func (b *KVMBackend) Start(ctx context.Context, cfg VMConfig) error {
	cid := cfg.CID
	if cid == 0 {
		cid = AllocateCID()
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}

	monitor, err := vmm.Start(vmm.Config{
		MemoryMB:      cfg.MemoryMB,
		VCPUs:         cfg.VCPUs,
		KernelPath:    cfg.KernelPath,
		InitramfsPath: cfg.InitramfsPath,
		RootfsPath:    cfg.RootfsPath,
		Network:       cfg.Network,
		Vsock:         cfg.Vsock,
		Env:           cfg.Env,
		SharedDir:     cfg.SharedDir,
		CID:           uint64(cid),
		GvproxyBin:    cfg.GvproxyBin,
		SockDir:       cfg.SockDir,
		Security:      vmm.SecurityConfig{SessionSecret: secret},
	})
	if err != nil {
		return fmt.Errorf("start vm: %w", err)
	}

	b.mu.Lock()
	b.cid = cid
	b.channel = control.New(control.VsockConnector(cid, guestAgentPort), secret)
	b.stopMonitor = monitor.Stop
	b.mu.Unlock()

	b.running.Store(true)
	return nil
}
