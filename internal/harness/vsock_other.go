//go:build !linux

package harness

import (
	"fmt"
	"net"
)

// listenVsock is not supported on non-Linux platforms. The harness only
// runs inside Linux guests.
func listenVsock(port uint32) (net.Listener, error) {
	return nil, fmt.Errorf("vsock not supported on this platform")
}
