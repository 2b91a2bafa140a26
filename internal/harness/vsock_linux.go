package harness

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
	"unsafe"
)

// afVSOCK is the address family for vsock (not in Go's syscall package).
const afVSOCK = 40

// vmADDRCIDAny binds a vsock listener to any CID reachable from this guest.
const vmADDRCIDAny = 0xFFFFFFFF

// sockaddrVM is the C struct sockaddr_vm for AF_VSOCK. Must match the
// kernel's struct layout exactly.
type sockaddrVM struct {
	family    uint16
	reserved1 uint16
	port      uint32
	cid       uint32
	flags     uint8
	zeroPad   [3]uint8
}

// listenVsock binds an AF_VSOCK listener on the given guest-local port,
// reachable from the host side via control.VsockConnector(cid, port).
func listenVsock(port uint32) (net.Listener, error) {
	fd, err := syscall.Socket(afVSOCK, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_VSOCK): %w", err)
	}

	addr := sockaddrVM{family: afVSOCK, port: port, cid: vmADDRCIDAny}
	_, _, errno := syscall.RawSyscall(
		syscall.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(&addr)),
		unsafe.Sizeof(addr),
	)
	if errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("bind(AF_VSOCK, port=%d): %w", port, errno)
	}

	if err := syscall.Listen(fd, 16); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("listen(AF_VSOCK, port=%d): %w", port, err)
	}

	return &vsockListener{fd: fd, port: port}, nil
}

// vsockListener implements net.Listener over a raw AF_VSOCK socket. Go's
// net package has no AF_VSOCK support, so accept and the resulting
// per-connection fd are handled with raw syscalls directly.
type vsockListener struct {
	fd   int
	port uint32
}

func (l *vsockListener) Accept() (net.Conn, error) {
	nfd, _, err := syscall.Accept(l.fd)
	if err != nil {
		return nil, fmt.Errorf("accept(AF_VSOCK): %w", err)
	}
	f := os.NewFile(uintptr(nfd), fmt.Sprintf("vsock:accept:%d", l.port))
	return &vsockConn{file: f, cid: 2, port: l.port}, nil
}

func (l *vsockListener) Close() error {
	return syscall.Close(l.fd)
}

func (l *vsockListener) Addr() net.Addr {
	return &vsockAddr{cid: vmADDRCIDAny, port: l.port}
}

// vsockConn wraps an os.File over a vsock fd to implement net.Conn. Go's
// net.FileConn doesn't support AF_VSOCK, so this provides a minimal wrapper.
type vsockConn struct {
	file *os.File
	cid  uint32
	port uint32
}

func (c *vsockConn) Read(b []byte) (int, error)  { return c.file.Read(b) }
func (c *vsockConn) Write(b []byte) (int, error) { return c.file.Write(b) }
func (c *vsockConn) Close() error                { return c.file.Close() }

func (c *vsockConn) LocalAddr() net.Addr {
	return &vsockAddr{cid: 3, port: c.port} // CID 3 = guest's own well-known CID
}

func (c *vsockConn) RemoteAddr() net.Addr {
	return &vsockAddr{cid: c.cid, port: c.port}
}

func (c *vsockConn) SetDeadline(t time.Time) error     { return c.file.SetDeadline(t) }
func (c *vsockConn) SetReadDeadline(t time.Time) error  { return c.file.SetReadDeadline(t) }
func (c *vsockConn) SetWriteDeadline(t time.Time) error { return c.file.SetWriteDeadline(t) }

// vsockAddr implements net.Addr for AF_VSOCK.
type vsockAddr struct {
	cid  uint32
	port uint32
}

func (a *vsockAddr) Network() string { return "vsock" }
func (a *vsockAddr) String() string  { return fmt.Sprintf("vsock:%d:%d", a.cid, a.port) }
