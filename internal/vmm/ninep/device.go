package ninep

import "github.com/vmsandbox/core/internal/vmm/virtio"

const (
	deviceID9p    = 9
	queueNumMax9p = 128
	vfMountTag    = 1 << 0
)

// Device wires a Server into a single-queue virtio-9p transport (§4.7
// "virtio-9p transport"): each queue chain carries one Tmessage in its
// readable buffer and one Rmessage in its writable buffer.
type Device struct {
	srv *Server
	t   *virtio.Transport
}

// NewDevice creates a virtio-9p device exposing srv at base.
func NewDevice(mem virtio.Mem, base uint64, srv *Server) *Device {
	d := &Device{srv: srv}
	d.t = virtio.NewTransport(base, d, mem, 1, queueNumMax9p)
	d.t.DeviceFeatures = [2]uint32{vfMountTag, 0}
	return d
}

func (d *Device) Transport() *virtio.Transport { return d.t }
func (d *Device) DeviceID() uint32             { return deviceID9p }
func (d *Device) NumQueues() int               { return 1 }

// ConfigRead serves the mount-tag length (u16) followed by the tag bytes,
// per the virtio-9p config layout.
func (d *Device) ConfigRead(offset uint32, data []byte) {
	tag := d.srv.MountTag()
	buf := make([]byte, 2+len(tag))
	buf[0] = byte(len(tag))
	buf[1] = byte(len(tag) >> 8)
	copy(buf[2:], tag)
	for i := range data {
		o := offset + uint32(i)
		if int(o) < len(buf) {
			data[i] = buf[o]
		}
	}
}

func (d *Device) ConfigWrite(uint32, []byte) {}

func (d *Device) Reset() { d.srv.Reset() }

func (d *Device) QueueNotify(idx int) {
	q := &d.t.Queues[0]
	for {
		chain, ok := virtio.WalkChain(d.t.Mem, q)
		if !ok {
			return
		}
		var req []byte
		for _, buf := range chain.Readable {
			req = append(req, buf...)
		}
		resp := d.srv.Handle(req)
		fillWritable9p(chain, resp)
		addrs := virtio.DescriptorAddrs(d.t.Mem, q, chain.HeadIdx)
		virtio.CommitChain(d.t.Mem, q, chain, addrs)
		d.t.RaiseQueueInterrupt()
	}
}

func fillWritable9p(chain *virtio.Chain, payload []byte) {
	for i := range chain.Writable {
		n := copy(chain.Writable[i], payload)
		payload = payload[n:]
		if len(payload) == 0 {
			return
		}
	}
}
