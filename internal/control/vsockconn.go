package control

import (
	"github.com/mdlayher/vsock"
)

// VsockConnector returns a Connector that dials AF_VSOCK port port on the
// guest addressed by cid (§4.9: "AF_VSOCK on Linux/KVM"). *vsock.Conn
// already implements net.Conn, a superset of the Stream interface.
func VsockConnector(cid uint32, port uint32) Connector {
	return func() (Stream, error) {
		return vsock.Dial(cid, port, nil)
	}
}
