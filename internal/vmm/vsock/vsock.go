// Package vsock implements the virtio-vsock bridge (§4.8): a thin
// virtio-MMIO shim whose queues are handed off to the host kernel's
// vhost-vsock backend so packet I/O bypasses the VMM after setup.
package vsock

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vmsandbox/core/internal/vmm/virtio"
)

// ioctl numbers from <linux/vhost.h>, encoded the same way kvmapi encodes
// /dev/kvm ioctls: this backend is not exposed by golang.org/x/sys/unix.
const (
	vhostSetOwner        = 0xAF01
	vhostSetMemTable     = 0x4008AF03
	vhostSetVringNum     = 0x4008AF10
	vhostSetVringAddr    = 0x4028AF11
	vhostSetVringBase    = 0x4008AF12
	vhostSetVringKick    = 0x4008AF20
	vhostSetVringCall    = 0x4008AF21
	vhostVsockSetCID     = 0x4008AF60
	vhostVsockSetRunning = 0x4004AF61
)

const deviceIDVsock = 19

// queue indices (rx=0, tx=1, event=2) per §4.8.
const (
	queueRX = iota
	queueTX
	queueEvent
	numQueues
)

type vhostMemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
	Flags         uint64
}

type vhostMemory struct {
	NRegions uint32
	Padding  uint32
}

type vhostVringState struct {
	Index uint32
	Num   uint32
}

type vhostVringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	AvailUserAddr uint64
	UsedUserAddr  uint64
	LogGuestAddr  uint64
}

type vhostVringFile struct {
	Index uint32
	FD    int32
}

// MemRegion describes one guest-memory slot already registered with KVM, in
// the form vhost needs (host userspace address instead of a KVM slot).
type MemRegion struct {
	GuestPhysAddr uint64
	Size          uint64
	UserspaceAddr uint64
}

// Bridge is the vsock virtio-MMIO device model (C8).
type Bridge struct {
	mu sync.Mutex

	cid  uint64
	mem  virtio.Mem
	t    *virtio.Transport
	regs []MemRegion

	dev       *os.File
	kickFDs   [numQueues]int
	callFDs   [numQueues]int
	opened    bool
	running   [numQueues]bool
	ringAddrs [numQueues]struct{ desc, avail, used uint64 }
}

// NewBridge creates the vsock device at base, addressing CID cid (must be
// >= 3 per §4.8).
func NewBridge(mem virtio.Mem, base uint64, cid uint64, regions []MemRegion) (*Bridge, error) {
	if cid < 3 {
		return nil, fmt.Errorf("vsock: cid %d is reserved (must be >= 3)", cid)
	}
	b := &Bridge{cid: cid, mem: mem, regs: regions}
	b.t = virtio.NewTransport(base, b, mem, numQueues, 256)
	b.t.DeviceFeatures = [2]uint32{1 << 0, 1 << 0} // word 1 bit 0 is VIRTIO_F_VERSION_1 (feature bit 32)
	return b, nil
}

func (b *Bridge) Transport() *virtio.Transport { return b.t }
func (b *Bridge) DeviceID() uint32             { return deviceIDVsock }
func (b *Bridge) NumQueues() int               { return numQueues }

func (b *Bridge) ConfigRead(offset uint32, data []byte) {
	var cidBytes [8]byte
	le64(cidBytes[:], b.cid)
	for i := range data {
		o := offset + uint32(i)
		if o < 8 {
			data[i] = cidBytes[o]
		}
	}
}

func (b *Bridge) ConfigWrite(uint32, []byte) {}

// Reset tears down the vhost backend and clears running state, per §4.8
// step 3 (status=0 sends SET_RUNNING(0)).
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < numQueues; i++ {
		if b.running[i] {
			b.setRunningLocked(i, false)
		}
	}
	if b.dev != nil {
		b.dev.Close()
		b.dev = nil
	}
	b.opened = false
}

// QueueNotify forwards a guest kick on queue idx to that queue's kick
// eventfd, which vhost-vsock services; the ring is not walked in-process.
// Before OnQueueReady has opened the backend no kick eventfd exists and the
// kick is dropped.
func (b *Bridge) QueueNotify(idx int) {
	b.mu.Lock()
	fd := b.kickFDs[idx]
	b.mu.Unlock()
	if fd != 0 {
		var one [8]byte
		le64(one[:], 1)
		unix.Write(fd, one[:])
	}
}

// OnQueueReady must be called by the monitor when queue idx transitions to
// ready (driver has written valid ring addresses and set the queue size),
// implementing the §4.8 setup sequence.
func (b *Bridge) OnQueueReady(idx int, num uint32, descAddr, availAddr, usedAddr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.opened {
		if err := b.openLocked(); err != nil {
			return err
		}
	}

	if err := b.ioctl(vhostSetVringNum, unsafe.Pointer(&vhostVringState{Index: uint32(idx), Num: num})); err != nil {
		return fmt.Errorf("vsock: SET_VRING_NUM: %w", err)
	}
	addr := vhostVringAddr{
		Index:         uint32(idx),
		DescUserAddr:  b.translate(descAddr),
		AvailUserAddr: b.translate(availAddr),
		UsedUserAddr:  b.translate(usedAddr),
	}
	if err := b.ioctl(vhostSetVringAddr, unsafe.Pointer(&addr)); err != nil {
		return fmt.Errorf("vsock: SET_VRING_ADDR: %w", err)
	}
	base := vhostVringState{Index: uint32(idx), Num: 0}
	if err := b.ioctl(vhostSetVringBase, unsafe.Pointer(&base)); err != nil {
		return fmt.Errorf("vsock: SET_VRING_BASE: %w", err)
	}
	kickFile := vhostVringFile{Index: uint32(idx), FD: int32(b.kickFDs[idx])}
	if err := b.ioctl(vhostSetVringKick, unsafe.Pointer(&kickFile)); err != nil {
		return fmt.Errorf("vsock: SET_VRING_KICK: %w", err)
	}
	callFile := vhostVringFile{Index: uint32(idx), FD: int32(b.callFDs[idx])}
	if err := b.ioctl(vhostSetVringCall, unsafe.Pointer(&callFile)); err != nil {
		return fmt.Errorf("vsock: SET_VRING_CALL: %w", err)
	}
	return nil
}

// OnDriverOK must be called when the guest sets the DRIVER_OK status bit,
// issuing SET_RUNNING(1) for queue idx (§4.8 step 3).
func (b *Bridge) OnDriverOK(idx int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setRunningLocked(idx, true)
}

func (b *Bridge) setRunningLocked(idx int, run bool) error {
	var v int32
	if run {
		v = 1
	}
	if err := b.ioctl(vhostVsockSetRunning, unsafe.Pointer(&v)); err != nil {
		return fmt.Errorf("vsock: SET_RUNNING: %w", err)
	}
	b.running[idx] = run
	return nil
}

func (b *Bridge) openLocked() error {
	f, err := os.OpenFile("/dev/vhost-vsock", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("vsock: open /dev/vhost-vsock: %w", err)
	}
	b.dev = f

	var cid uint64 = b.cid
	if err := b.ioctlFD(f, vhostVsockSetCID, unsafe.Pointer(&cid)); err != nil {
		f.Close()
		return fmt.Errorf("vsock: SET_GUEST_CID: %w", err)
	}

	for i := 0; i < numQueues; i++ {
		kfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
		if err != nil {
			return fmt.Errorf("vsock: kick eventfd: %w", err)
		}
		cfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
		if err != nil {
			return fmt.Errorf("vsock: call eventfd: %w", err)
		}
		b.kickFDs[i] = kfd
		b.callFDs[i] = cfd
	}

	if err := b.ioctlFD(f, vhostSetOwner, nil); err != nil {
		return fmt.Errorf("vsock: SET_OWNER: %w", err)
	}

	if err := b.setMemTableLocked(); err != nil {
		return err
	}

	b.opened = true
	return nil
}

func (b *Bridge) setMemTableLocked() error {
	hdr := vhostMemory{NRegions: uint32(len(b.regs))}
	buf := make([]byte, int(unsafe.Sizeof(hdr))+len(b.regs)*int(unsafe.Sizeof(vhostMemoryRegion{})))
	*(*vhostMemory)(unsafe.Pointer(&buf[0])) = hdr
	off := int(unsafe.Sizeof(hdr))
	for _, r := range b.regs {
		region := vhostMemoryRegion{GuestPhysAddr: r.GuestPhysAddr, MemorySize: r.Size, UserspaceAddr: r.UserspaceAddr}
		*(*vhostMemoryRegion)(unsafe.Pointer(&buf[off])) = region
		off += int(unsafe.Sizeof(region))
	}
	return b.ioctlFD(b.dev, vhostSetMemTable, unsafe.Pointer(&buf[0]))
}

// translate maps a guest-physical ring address to the host userspace
// address backing it, as required by vhost's SET_VRING_ADDR.
func (b *Bridge) translate(gpa uint64) uint64 {
	for _, r := range b.regs {
		if gpa >= r.GuestPhysAddr && gpa < r.GuestPhysAddr+r.Size {
			return r.UserspaceAddr + (gpa - r.GuestPhysAddr)
		}
	}
	return gpa
}

func (b *Bridge) ioctl(req uintptr, arg unsafe.Pointer) error {
	return b.ioctlFD(b.dev, req, arg)
}

func (b *Bridge) ioctlFD(f *os.File, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func le64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
