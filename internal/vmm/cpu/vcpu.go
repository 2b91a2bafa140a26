// Package cpu implements the vCPU run loop: long-mode bring-up and VM-exit
// dispatch (§4.2).
package cpu

import (
	"fmt"
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/vmsandbox/core/internal/vmm/kvmapi"
	"github.com/vmsandbox/core/internal/vmm/serial"
)

// MMIODispatcher is implemented by the device-owning transport; it is
// consulted for every VM-exit that lands in the MMIO gap.
type MMIODispatcher interface {
	// Dispatch handles one MMIO access at phys, returning true if a device
	// owns that address. data is read in place for writes, and written in
	// place for reads.
	Dispatch(phys uint64, data []byte, isWrite bool) (handled bool)
}

// Selector/segment constants from §4.2.
const (
	csSelector = 0x10
	dsSelector = 0x18
)

// Config carries the bring-up parameters for one vCPU.
type Config struct {
	VMFd    uintptr
	ID      int
	Entry   uint64
	ZeroPg  uint64 // RSI: zero-page guest address
	PML4    uint64
	Serial  *serial.UART
	MMIO    MMIODispatcher
	Running *atomic.Bool
}

// Run brings up the vCPU (CPUID, sregs, regs) then services VM exits until
// Running is cleared or an unrecoverable fault occurs. It is meant to run
// on a dedicated OS thread — callers should invoke it via `go Run(...)`.
func Run(kvmFd uintptr, cfg Config) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	vcpuFd, err := kvmapi.CreateVCPU(cfg.VMFd, cfg.ID)
	if err != nil {
		return fmt.Errorf("vcpu %d: %w", cfg.ID, err)
	}

	if err := setCPUID(kvmFd, vcpuFd); err != nil {
		return fmt.Errorf("vcpu %d: %w", cfg.ID, err)
	}
	if err := setSregs(vcpuFd, cfg.PML4); err != nil {
		return fmt.Errorf("vcpu %d: %w", cfg.ID, err)
	}
	if err := setRegs(vcpuFd, cfg.Entry, cfg.ZeroPg); err != nil {
		return fmt.Errorf("vcpu %d: %w", cfg.ID, err)
	}

	mmapSize, err := kvmapi.GetVCPUMMapSize(kvmFd)
	if err != nil {
		return fmt.Errorf("vcpu %d: %w", cfg.ID, err)
	}
	run, page, err := kvmapi.MapVCPURun(vcpuFd, mmapSize)
	if err != nil {
		return fmt.Errorf("vcpu %d: %w", cfg.ID, err)
	}

	for cfg.Running.Load() {
		if err := kvmapi.Run(vcpuFd); err != nil {
			return fmt.Errorf("vcpu %d: KVM_RUN: %w", cfg.ID, err)
		}

		switch run.ExitReason {
		case kvmapi.ExitIO:
			dispatchIO(run, page, cfg.Serial)
		case kvmapi.ExitMMIO:
			dispatchMMIO(run, cfg.MMIO)
		case kvmapi.ExitHLT:
			time.Sleep(10 * time.Millisecond)
		case kvmapi.ExitShutdown, kvmapi.ExitFailEntry, kvmapi.ExitInternalError:
			cfg.Running.Store(false)
			return nil
		case kvmapi.ExitIntr:
			// Interrupted by signal; loop and re-enter.
		default:
			log.Printf("vcpu %d: unexpected exit reason %d", cfg.ID, run.ExitReason)
		}
	}
	return nil
}

func dispatchIO(run *kvmapi.RunData, page []byte, uart *serial.UART) {
	direction, size, port, count, offset := run.IO()
	for i := uint32(0); i < count; i++ {
		data := page[offset+uint64(i)*uint64(size) : offset+uint64(i+1)*uint64(size)]
		if port >= serial.Base && port < serial.Base+8 {
			off := port - serial.Base
			if direction == kvmapi.ExitIOOut {
				_ = uart.Out(off, data)
			} else {
				_ = uart.In(off, data)
			}
			continue
		}
		// Other ports: log trace; IO_IN returns 0xFF (§4.2).
		log.Printf("vcpu: unhandled port IO at %#x (out=%v)", port, direction == kvmapi.ExitIOOut)
		if direction == kvmapi.ExitIOIn {
			for j := range data {
				data[j] = 0xFF
			}
		}
	}
}

func dispatchMMIO(run *kvmapi.RunData, disp MMIODispatcher) {
	phys, data, length, isWrite := run.MMIO()
	if disp == nil || !disp.Dispatch(phys, data[:length], isWrite) {
		if !isWrite {
			for i := range data[:length] {
				data[i] = 0
			}
		}
	}
	if !isWrite {
		run.SetMMIOResult(data[:length])
	}
}

func setCPUID(kvmFd, vcpuFd uintptr) error {
	cpuid, err := kvmapi.GetSupportedCPUID(kvmFd)
	if err != nil {
		return err
	}
	return kvmapi.SetCPUID2(vcpuFd, cpuid)
}

func setSregs(vcpuFd uintptr, pml4 uint64) error {
	sregs, err := kvmapi.GetSregs(vcpuFd)
	if err != nil {
		return err
	}

	flat := kvmapi.Segment{Base: 0, Limit: 0xFFFFFFFF, G: 1, Present: 1, S: 1}
	sregs.CS = flat
	sregs.CS.Selector = csSelector
	sregs.CS.Type = 0xB // execute/read, accessed
	sregs.CS.L = 1
	sregs.CS.DB = 0

	data := flat
	data.Selector = dsSelector
	data.Type = 0x3 // read/write, accessed
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	const (
		cr0PE = 1 << 0
		cr0PG = 1 << 31
		cr4PAE = 1 << 5
		eferLME = 1 << 8
		eferLMA = 1 << 10
	)
	sregs.CR0 = cr0PE | cr0PG
	sregs.CR4 = cr4PAE
	sregs.EFER = eferLME | eferLMA
	sregs.CR3 = pml4

	return kvmapi.SetSregs(vcpuFd, sregs)
}

func setRegs(vcpuFd uintptr, entry, zeroPage uint64) error {
	regs := &kvmapi.Regs{
		RIP:    entry,
		RSI:    zeroPage,
		RFLAGS: 0x2,
	}
	return kvmapi.SetRegs(vcpuFd, regs)
}
