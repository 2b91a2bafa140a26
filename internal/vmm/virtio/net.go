package virtio

import (
	"sync"
)

const (
	netFeatureMAC    = 1 << 5
	netFeatureStatus = 1 << 16
	deviceIDNet      = 1
	netQueueNumMax   = 256
)

// netHeaderLen is the fixed virtio-net header every frame is prefixed with.
const netHeaderLen = 12

// NAT is the in-process user-mode network stack TX/RX rides on. The gvproxy
// backend (see internal/vmm/netbackend) implements this against a per-VM
// subprocess.
type NAT interface {
	// Send transmits one Ethernet frame (header already stripped) from the
	// guest to the NAT stack.
	Send(frame []byte) error
	// Recv returns the next frame destined for the guest, or ok=false if
	// none is currently available.
	Recv() (frame []byte, ok bool)
}

// Net is the virtio-net device model (C5).
type Net struct {
	mu       sync.Mutex
	mac      [6]byte
	nat      NAT
	t        *Transport
	pending  [][]byte // RX frames buffered when no driver buffers were available
}

// NewNet creates a virtio-net device with the given guest MAC and NAT
// backend, and wires it to a Transport at base.
func NewNet(mem Mem, base uint64, mac [6]byte, nat NAT) *Net {
	n := &Net{mac: mac, nat: nat}
	n.t = NewTransport(base, n, mem, 2, netQueueNumMax)
	n.t.DeviceFeatures = [2]uint32{netFeatureMAC | netFeatureStatus, 0}
	return n
}

// Transport returns the underlying virtio-mmio transport.
func (n *Net) Transport() *Transport { return n.t }

func (n *Net) DeviceID() uint32 { return deviceIDNet }
func (n *Net) NumQueues() int   { return 2 }

// ConfigRead serves the MAC at offsets 0-5 and a link-up byte at offset 6
// (§4.5 config-space invariant).
func (n *Net) ConfigRead(offset uint32, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range data {
		o := offset + uint32(i)
		switch {
		case o < 6:
			data[i] = n.mac[o]
		case o == 6:
			data[i] = 1 // link up
		default:
			data[i] = 0
		}
	}
}

// ConfigWrite silently drops writes to the read-only MAC/status fields.
func (n *Net) ConfigWrite(uint32, []byte) {}

func (n *Net) Reset() {
	n.mu.Lock()
	n.pending = nil
	n.mu.Unlock()
}

const (
	rxQueueIdx = 0
	txQueueIdx = 1
)

// QueueNotify drains all available chains on the notified queue: TX frames
// are forwarded to the NAT stack; an RX notify attempts to deliver any
// frames buffered from a previous notification first (§4.5 ordering: guest
// delivery order follows arrival order).
func (n *Net) QueueNotify(idx int) {
	switch idx {
	case txQueueIdx:
		n.drainTX()
	case rxQueueIdx:
		n.drainRX()
	}
}

func (n *Net) drainTX() {
	q := &n.t.Queues[txQueueIdx]
	for {
		chain, ok := WalkChain(n.t.Mem, q)
		if !ok {
			return
		}
		var frame []byte
		for i, buf := range chain.Readable {
			if i == 0 && len(buf) >= netHeaderLen {
				frame = append(frame, buf[netHeaderLen:]...)
			} else {
				frame = append(frame, buf...)
			}
		}
		if n.nat != nil {
			_ = n.nat.Send(frame)
		}
		CommitChain(n.t.Mem, q, chain, nil)
		n.t.RaiseQueueInterrupt()
	}
}

func (n *Net) drainRX() {
	q := &n.t.Queues[rxQueueIdx]

	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	deliver := func(frame []byte) bool {
		chain, ok := WalkChain(n.t.Mem, q)
		if !ok {
			return false
		}
		hdr := make([]byte, netHeaderLen)
		payload := append(hdr, frame...)
		fillWritable(chain, payload)
		addrs := DescriptorAddrs(n.t.Mem, q, chain.HeadIdx)
		CommitChain(n.t.Mem, q, chain, addrs)
		n.t.RaiseQueueInterrupt()
		return true
	}

	for _, f := range pending {
		if !deliver(f) {
			n.mu.Lock()
			n.pending = append(n.pending, f)
			n.pending = append(n.pending, drainRemaining(n.nat)...)
			n.mu.Unlock()
			return
		}
	}

	for {
		frame, ok := n.nat.Recv()
		if !ok {
			return
		}
		if !deliver(frame) {
			n.mu.Lock()
			n.pending = append(n.pending, frame)
			n.mu.Unlock()
			return
		}
	}
}

func drainRemaining(nat NAT) [][]byte {
	var out [][]byte
	for {
		f, ok := nat.Recv()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

// fillWritable splits payload across a chain's writable descriptor buffers
// in order, allowing fragmentation across multiple descriptors (§4.5).
func fillWritable(chain *Chain, payload []byte) {
	for i := range chain.Writable {
		n := copy(chain.Writable[i], payload)
		payload = payload[n:]
		if len(payload) == 0 {
			return
		}
	}
}
