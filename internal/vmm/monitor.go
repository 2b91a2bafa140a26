// Package vmm assembles the guest memory, boot loader, vCPU driver, and
// virtio-MMIO device complex (C1-C8) into one running micro-VM.
package vmm

import (
	"encoding/hex"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/vmsandbox/core/internal/vmm/boot"
	"github.com/vmsandbox/core/internal/vmm/cpu"
	"github.com/vmsandbox/core/internal/vmm/kvmapi"
	"github.com/vmsandbox/core/internal/vmm/netbackend"
	"github.com/vmsandbox/core/internal/vmm/ninep"
	"github.com/vmsandbox/core/internal/vmm/serial"
	"github.com/vmsandbox/core/internal/vmm/virtio"
	"github.com/vmsandbox/core/internal/vmm/vsock"
)

// MMIO window base addresses, assigned in order after the fixed net/vsock
// slots (§3 Data Model).
const (
	netBase  = 0xD000_0000
	vsockBase = 0xD080_0000
	blkBase   = netBase + virtio.WindowSize
	ninepBase = blkBase + virtio.WindowSize
)

// SecurityConfig is the immutable security block of a VM configuration
// (§3): session secret, command allowlist, and connection caps enforced by
// the control channel, not the monitor itself.
type SecurityConfig struct {
	SessionSecret [32]byte
	CommandAllow  []string
	CIDRDeny      []string
	RateLimit     int
	MaxConns      int
	Seccomp       bool
}

// Config is the immutable VM configuration (§3).
type Config struct {
	MemoryMB      int
	VCPUs         int
	KernelPath    string
	InitramfsPath string
	RootfsPath    string // optional read-only virtio-blk backing file
	Network       bool
	Vsock         bool
	Env           map[string]string
	SharedDir     string // optional host directory exported over 9P
	CID           uint64 // vsock context id, must be >= 3 if Vsock is set
	GvproxyBin    string
	SockDir       string
	Security      SecurityConfig
}

// Monitor owns one running micro-VM: its KVM handles, guest memory, vCPU
// threads, and virtio device complex.
type Monitor struct {
	kvmFile *osFile
	vmFd    uintptr
	mem     []byte
	memSize int
	running atomic.Bool
	serial  *serial.UART
	net     *virtio.Net
	blk     *virtio.Blk
	ninep   *ninep.Device
	vsock   *vsock.Bridge
	gvproxy *netbackend.Gvproxy
	dispatch *deviceSet
}

// osFile is kept as an interface seam so tests can substitute a fake KVM
// device file; in production it is always *os.File.
type osFile interface {
	Fd() uintptr
	Close() error
}

// deviceSet implements cpu.MMIODispatcher by trying each virtio transport
// in address order.
type deviceSet struct {
	transports []*virtio.Transport
}

func (d *deviceSet) Dispatch(phys uint64, data []byte, isWrite bool) bool {
	for _, t := range d.transports {
		if t.Dispatch(phys, data, isWrite) {
			return true
		}
	}
	return false
}

// BuildCmdline constructs the kernel command line per §6.
func BuildCmdline(cfg Config) string {
	line := "console=ttyS0 loglevel=4 earlyprintk=serial,ttyS0,115200 reboot=k panic=1 pci=off nokaslr i8042.noaux"
	if !cfg.Vsock {
		line += " nomodules"
	}
	if cfg.Network {
		line += fmt.Sprintf(" virtio_mmio.device=512@0x%X:10 ipv6.disable=1", netBase)
	}
	if cfg.Vsock {
		line += fmt.Sprintf(" virtio_mmio.device=512@0x%X:11", vsockBase)
	}
	if cfg.RootfsPath != "" {
		line += " root=/dev/vda rootfstype=ext4 rw"
	}
	if cfg.SharedDir != "" {
		line += " AGENTVM_9P_TAG=share0"
	}
	line += " AGENTVM_SESSION_SECRET=" + hex.EncodeToString(cfg.Security.SessionSecret[:])
	return line
}

// Start brings up the KVM VM: memory, boot image, device complex, and one
// goroutine per vCPU. Callers must call Stop to release host resources.
func Start(cfg Config) (*Monitor, error) {
	kvmFile, err := kvmapi.OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}
	kvmFd := kvmFile.Fd()

	vmFd, err := kvmapi.CreateVM(kvmFd)
	if err != nil {
		kvmFile.Close()
		return nil, fmt.Errorf("create vm: %w", err)
	}

	if err := kvmapi.SetTSSAddr(vmFd); err != nil {
		return nil, err
	}
	if err := kvmapi.SetIdentityMapAddr(vmFd); err != nil {
		return nil, err
	}
	if err := kvmapi.CreateIRQChip(vmFd); err != nil {
		return nil, err
	}
	if err := kvmapi.CreatePIT2(vmFd); err != nil {
		return nil, err
	}

	memSize := boot.ClampMemory(cfg.MemoryMB)
	mem, err := mmapAnon(memSize)
	if err != nil {
		return nil, fmt.Errorf("allocate guest memory: %w", err)
	}
	if err := kvmapi.SetUserMemoryRegion(vmFd, 0, 0, mem); err != nil {
		return nil, fmt.Errorf("register guest memory: %w", err)
	}

	cmdline := BuildCmdline(cfg)
	entry, err := boot.Load(mem, boot.Config{
		KernelPath:    cfg.KernelPath,
		InitramfsPath: cfg.InitramfsPath,
		Cmdline:       cmdline,
	})
	if err != nil {
		return nil, fmt.Errorf("load boot image: %w", err)
	}

	m := &Monitor{kvmFile: kvmFile, vmFd: vmFd, mem: mem, memSize: memSize, serial: serial.New()}
	m.dispatch = &deviceSet{}

	slicedMem := virtio.SliceMem(mem)

	if cfg.Network {
		gv, err := netbackend.Start(cfg.GvproxyBin, fmt.Sprintf("%d", cfg.CID), cfg.SockDir)
		if err != nil {
			return nil, fmt.Errorf("start network backend: %w", err)
		}
		m.gvproxy = gv
		m.net = virtio.NewNet(slicedMem, netBase, [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}, gv)
		m.dispatch.transports = append(m.dispatch.transports, m.net.Transport())
	}

	if cfg.RootfsPath != "" {
		blk, err := virtio.NewBlk(slicedMem, blkBase, cfg.RootfsPath)
		if err != nil {
			return nil, fmt.Errorf("open rootfs: %w", err)
		}
		m.blk = blk
		m.dispatch.transports = append(m.dispatch.transports, m.blk.Transport())
	}

	if cfg.SharedDir != "" {
		srv, err := ninep.NewServer(cfg.SharedDir, "share0", false)
		if err != nil {
			return nil, fmt.Errorf("export shared dir: %w", err)
		}
		m.ninep = ninep.NewDevice(slicedMem, ninepBase, srv)
		m.dispatch.transports = append(m.dispatch.transports, m.ninep.Transport())
	}

	if cfg.Vsock {
		regions := []vsock.MemRegion{{GuestPhysAddr: 0, Size: uint64(memSize), UserspaceAddr: memAddr(mem)}}
		br, err := vsock.NewBridge(slicedMem, vsockBase, cfg.CID, regions)
		if err != nil {
			return nil, fmt.Errorf("create vsock bridge: %w", err)
		}
		m.vsock = br
		m.dispatch.transports = append(m.dispatch.transports, m.vsock.Transport())
	}

	m.running.Store(true)
	for id := 0; id < cfg.VCPUs; id++ {
		vcpuCfg := cpu.Config{
			VMFd:    vmFd,
			ID:      id,
			Entry:   entry,
			ZeroPg:  boot.ZeroPageAddr,
			PML4:    boot.PML4Addr,
			Serial:  m.serial,
			MMIO:    m.dispatch,
			Running: &m.running,
		}
		go func() {
			if err := cpu.Run(kvmFd, vcpuCfg); err != nil {
				log.Printf("vcpu %d exited: %v", vcpuCfg.ID, err)
				m.running.Store(false)
			}
		}()
	}

	return m, nil
}

// Stop clears the running flag (every vCPU exits at its next hypervisor
// boundary, §4.2) and releases host resources.
func (m *Monitor) Stop() error {
	m.running.Store(false)
	if m.gvproxy != nil {
		m.gvproxy.Stop()
	}
	if m.kvmFile != nil {
		return m.kvmFile.Close()
	}
	return nil
}

// SerialOutput returns the channel early boot console bytes are forwarded
// to (§4.3).
func (m *Monitor) SerialOutput() <-chan byte { return m.serial.TxQueue }
