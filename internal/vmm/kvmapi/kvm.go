// Package kvmapi wraps the /dev/kvm ioctl surface used by the VM monitor:
// VM/vCPU creation, memory slot registration, register access, CPUID
// passthrough, and the vCPU run loop. It intentionally exposes only the
// subset of KVM's API the monitor needs (§4.1-4.2 of the design).
package kvmapi

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers from <linux/kvm.h>. KVM ioctls are not exposed by
// golang.org/x/sys/unix, so they are encoded here the same way kvmtool and
// gokvm do: _IO/_IOW/_IOR/_IOWR with the 'k' (0xAE) magic.
const (
	kvmIOMagic = 0xAE

	kvmGetAPIVersion      = 0xAE00
	kvmCreateVM           = 0xAE01
	kvmGetVCPUMmapSize    = 0xAE04
	kvmCreateVCPU         = 0xAE41
	kvmRun                = 0xAE80
	kvmGetRegs            = 0x8090AE81
	kvmSetRegs            = 0x4090AE82
	kvmGetSregs           = 0x8138AE83
	kvmSetSregs           = 0x4138AE84
	kvmSetUserMemoryRegio = 0x4020AE46
	kvmSetTSSAddr         = 0xAE47
	kvmSetIdentityMapAddr = 0x4008AE48
	kvmCreateIRQChip      = 0xAE60
	kvmCreatePIT2         = 0x4040AE77
	kvmGetSupportedCPUID  = 0xC008AE05
	kvmSetCPUID2          = 0x4008AE90
	kvmIRQLine            = 0x4008AE61
)

// RunData mirrors struct kvm_run: the page KVM_RUN mmaps per vCPU so exit
// information can be read without another syscall.
type RunData struct {
	RequestInterruptWindow uint8
	_                      [7]uint8
	ExitReason             uint32
	ReadyForInterruptInj   uint8
	IFFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	APICBase               uint64
	Data                   [32]uint64
}

// Exit reasons (KVM_EXIT_*).
const (
	ExitUnknown       = 0
	ExitIO            = 2
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitInternalError = 17
)

// IO/MMIO directions as encoded in the anonymous exit union.
const (
	ExitIOIn  = 0
	ExitIOOut = 1
)

// IO returns the decoded fields of a KVM_EXIT_IO (direction, size, port,
// count, data-offset-within-run-page), mirroring kvm_run.io.
func (r *RunData) IO() (direction uint8, size uint8, port uint16, count uint32, offset uint64) {
	direction = uint8(r.Data[0])
	size = uint8(r.Data[0] >> 8)
	port = uint16(r.Data[0] >> 16)
	count = uint32(r.Data[0] >> 32)
	offset = r.Data[1]
	return
}

// MMIO returns the decoded fields of a KVM_EXIT_MMIO: guest physical
// address, up to 8 bytes of data, length, and the write flag.
func (r *RunData) MMIO() (phys uint64, data [8]byte, length uint32, isWrite bool) {
	phys = r.Data[0]
	for i := 0; i < 8; i++ {
		data[i] = byte(r.Data[1] >> (uint(i) * 8))
	}
	length = uint32(r.Data[2])
	isWrite = r.Data[2]>>32 != 0
	return
}

// SetMMIOResult packs up to 8 read bytes back into the mmap'd exit union so
// KVM copies them into the guest register the MMIO instruction targets.
func (r *RunData) SetMMIOResult(data []byte) {
	var v uint64
	for i := 0; i < len(data) && i < 8; i++ {
		v |= uint64(data[i]) << (uint(i) * 8)
	}
	r.Data[1] = v
}

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, AVL uint8
	Unusable                       uint8
	_                              uint8
}

// DTable mirrors struct kvm_dtable (GDT/IDT).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs (the subset the monitor touches).
type Sregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDT, IDT                        DTable
	CR0, CR2, CR3, CR4, CR8         uint64
	EFER                            uint64
	ApicBase                        uint64
	InterruptBitmap                 [(256 + 63) / 64]uint64
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function, Index             uint32
	Flags                        uint32
	Eax, Ebx, Ecx, Edx           uint32
	Padding                      [3]uint32
}

const maxCPUIDEntries = 100

// CPUID mirrors struct kvm_cpuid2 with a fixed-size entry array, matching
// the layout kvmapi allocates for KVM_GET_SUPPORTED_CPUID/KVM_SET_CPUID2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// CPUID leaf numbers for the hypervisor signature, hypervisor features and
// performance monitoring. Nothing in this package masks these leaves: the
// supported list is passed through verbatim.
const (
	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001
	CPUIDFuncPerMon = 0x0A
)

type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func ioctl(fd uintptr, req uintptr, arg uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return r1, errno
	}
	return r1, nil
}

// OpenDevice opens /dev/kvm for exclusive use by this process.
func OpenDevice() (*os.File, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}
	return f, nil
}

// CreateVM issues KVM_CREATE_VM and returns the VM file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	r, err := ioctl(kvmFd, kvmCreateVM, 0)
	if err != nil {
		return 0, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}
	return r, nil
}

// SetTSSAddr issues KVM_SET_TSS_ADDR at a fixed address below the MMIO gap.
func SetTSSAddr(vmFd uintptr) error {
	const tssAddr = 0xFFFBD000
	if _, err := ioctl(vmFd, kvmSetTSSAddr, tssAddr); err != nil {
		return fmt.Errorf("KVM_SET_TSS_ADDR: %w", err)
	}
	return nil
}

// SetIdentityMapAddr issues KVM_SET_IDENTITY_MAP_ADDR.
func SetIdentityMapAddr(vmFd uintptr) error {
	addr := uint64(0xFFFBC000)
	if _, err := ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr))); err != nil {
		return fmt.Errorf("KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}
	return nil
}

// CreateIRQChip issues KVM_CREATE_IRQCHIP, installing an in-kernel PIC/IOAPIC.
func CreateIRQChip(vmFd uintptr) error {
	if _, err := ioctl(vmFd, kvmCreateIRQChip, 0); err != nil {
		return fmt.Errorf("KVM_CREATE_IRQCHIP: %w", err)
	}
	return nil
}

// CreatePIT2 issues KVM_CREATE_PIT2 with default flags, installing an
// in-kernel legacy timer.
func CreatePIT2(vmFd uintptr) error {
	var pitConfig [16]byte // struct kvm_pit_config { flags; pad[15] }; flags=0
	if _, err := ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pitConfig[0]))); err != nil {
		return fmt.Errorf("KVM_CREATE_PIT2: %w", err)
	}
	return nil
}

// GetVCPUMMapSize issues KVM_GET_VCPU_MMAP_SIZE, the size to mmap per vCPU fd.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	r, err := ioctl(kvmFd, kvmGetVCPUMmapSize, 0)
	if err != nil {
		return 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	return r, nil
}

// CreateVCPU issues KVM_CREATE_VCPU for the given vCPU index.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	r, err := ioctl(vmFd, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return 0, fmt.Errorf("KVM_CREATE_VCPU(%d): %w", id, err)
	}
	return r, nil
}

// SetUserMemoryRegion issues KVM_SET_USER_MEMORY_REGION, mapping a host
// userspace range into the guest physical address space at slot.
func SetUserMemoryRegion(vmFd uintptr, slot uint32, guestPhysAddr uint64, mem []byte) error {
	region := userspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    uint64(len(mem)),
	}
	if len(mem) > 0 {
		region.UserspaceAddr = uint64(uintptr(unsafe.Pointer(&mem[0])))
	}
	if _, err := ioctl(vmFd, kvmSetUserMemoryRegio, uintptr(unsafe.Pointer(&region))); err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION(slot=%d): %w", slot, err)
	}
	return nil
}

// GetSupportedCPUID issues KVM_GET_SUPPORTED_CPUID, the host's feature list
// to pass through to the guest verbatim (§4.2 CPUID policy: no masking).
func GetSupportedCPUID(kvmFd uintptr) (*CPUID, error) {
	c := &CPUID{Nent: maxCPUIDEntries}
	if _, err := ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(c))); err != nil {
		return nil, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}
	return c, nil
}

// SetCPUID2 issues KVM_SET_CPUID2 for the given vCPU.
func SetCPUID2(vcpuFd uintptr, c *CPUID) error {
	if _, err := ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(c))); err != nil {
		return fmt.Errorf("KVM_SET_CPUID2: %w", err)
	}
	return nil
}

// GetRegs issues KVM_GET_REGS.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	r := &Regs{}
	if _, err := ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(r))); err != nil {
		return nil, fmt.Errorf("KVM_GET_REGS: %w", err)
	}
	return r, nil
}

// SetRegs issues KVM_SET_REGS.
func SetRegs(vcpuFd uintptr, r *Regs) error {
	if _, err := ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(r))); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	return nil
}

// GetSregs issues KVM_GET_SREGS.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	s := &Sregs{}
	if _, err := ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(s))); err != nil {
		return nil, fmt.Errorf("KVM_GET_SREGS: %w", err)
	}
	return s, nil
}

// SetSregs issues KVM_SET_SREGS.
func SetSregs(vcpuFd uintptr, s *Sregs) error {
	if _, err := ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(s))); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}
	return nil
}

// Run issues KVM_RUN, blocking until the next vm-exit. Exit information is
// read from the mmap'd RunData page, not a return value.
func Run(vcpuFd uintptr) error {
	for {
		_, err := ioctl(vcpuFd, kvmRun, 0)
		if err == nil {
			return nil
		}
		if err == syscall.EINTR {
			continue
		}
		return fmt.Errorf("KVM_RUN: %w", err)
	}
}

// IRQLine issues KVM_IRQ_LINE, raising (level=1) or lowering (level=0) a
// legacy IRQ line on the in-kernel PIC/IOAPIC.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	level32 := struct{ IRQ, Level uint32 }{IRQ: irq, Level: level}
	if _, err := ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&level32))); err != nil {
		return fmt.Errorf("KVM_IRQ_LINE(irq=%d,level=%d): %w", irq, level, err)
	}
	return nil
}

// MapVCPURun mmaps the per-vCPU run page.
func MapVCPURun(vcpuFd uintptr, size uintptr) (*RunData, []byte, error) {
	data, err := unix.Mmap(int(vcpuFd), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap vcpu run page: %w", err)
	}
	return (*RunData)(unsafe.Pointer(&data[0])), data, nil
}
