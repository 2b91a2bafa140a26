package vmm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapAnon allocates a fixed host-virtual-address-backed anonymous mapping
// for guest RAM. KVM's SET_USER_MEMORY_REGION needs a stable host address,
// and vhost's SET_MEM_TABLE needs to express guest-physical-to-host
// translations against that same address, so the mapping must not move or
// be copied once registered.
func mmapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// memAddr returns the host userspace address backing mem, for handing to
// vhost-vsock's SET_MEM_TABLE (§4.8).
func memAddr(mem []byte) uint64 {
	if len(mem) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&mem[0])))
}
