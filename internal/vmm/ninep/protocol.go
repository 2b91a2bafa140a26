// Package ninep implements an in-VMM 9P2000.L server exposing a host
// directory to the guest over a virtio-9p transport (§4.7). It is the
// hardest subsystem in the monitor: bugs here manifest as silent guest
// filesystem corruption, so every path-resolution operation is routed
// through the root-containment check in fid.go.
package ninep

import "encoding/binary"

// Message types (9P2000.L numbering).
const (
	TLerror    = 6
	RLerror    = 7
	TStatfs    = 8
	RStatfs    = 9
	TLopen     = 12
	RLopen     = 13
	TLcreate   = 14
	RLcreate   = 15
	TReadlink  = 22
	RReadlink  = 23
	TGetattr   = 24
	RGetattr   = 25
	TXattrwalk = 30
	RXattrwalk = 31
	TReaddir   = 40
	RReaddir   = 41
	TMkdir     = 72
	RMkdir     = 73
	TVersion   = 100
	RVersion   = 101
	TAttach    = 104
	RAttach    = 105
	TFlush     = 108
	RFlush     = 109
	TWalk      = 110
	RWalk      = 111
	TRead      = 116
	RRead      = 117
	TWrite     = 118
	RWrite     = 119
	TClunk     = 120
	RClunk     = 121
)

// Linux errno values used in Rlerror payloads.
const (
	errEIO      = 5
	errEAGAIN   = 11
	errEACCES   = 13
	errEEXIST   = 17
	errEINVAL   = 22
	errEROFS    = 30
	errELOOP    = 40
	errEOPNOTSU = 95
)

const versionString = "9P2000.L"

// MaxMsize is the ceiling msize negotiated with a client (§4.7 Tversion).
const MaxMsize = 64 * 1024

// MaxSymlinks bounds symlink-follow recursion during Walk (§3, §8).
const MaxSymlinks = 20

// header is the 7-byte 9P message prefix: size(4) type(1) tag(2).
type header struct {
	Size uint32
	Type uint8
	Tag  uint16
}

func decodeHeader(msg []byte) (header, []byte, bool) {
	if len(msg) < 7 {
		return header{}, nil, false
	}
	h := header{
		Size: binary.LittleEndian.Uint32(msg[0:4]),
		Type: msg[4],
		Tag:  binary.LittleEndian.Uint16(msg[5:7]),
	}
	return h, msg[7:], true
}

func encodeMessage(msgType uint8, tag uint16, payload []byte) []byte {
	size := 7 + len(payload)
	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out[0:4], uint32(size))
	out[4] = msgType
	binary.LittleEndian.PutUint16(out[5:7], tag)
	copy(out[7:], payload)
	return out
}

// p9String encodes a 9P string: u16 length-prefixed UTF-8.
func p9String(s string) []byte {
	b := make([]byte, 2+len(s))
	binary.LittleEndian.PutUint16(b[0:2], uint16(len(s)))
	copy(b[2:], s)
	return b
}

func readP9String(b []byte) (string, []byte, bool) {
	if len(b) < 2 {
		return "", nil, false
	}
	n := int(binary.LittleEndian.Uint16(b[0:2]))
	if len(b) < 2+n {
		return "", nil, false
	}
	return string(b[2 : 2+n]), b[2+n:], true
}

// QID identifies a file uniquely within the export (§3 Data Model: 13-byte
// encoding).
type QID struct {
	Type    byte
	Version uint32
	Path    uint64
}

// QID type bits.
const (
	qtDir     = 0x80
	qtSymlink = 0x02
	qtFile    = 0x00
)

func (q QID) Encode() []byte {
	b := make([]byte, 13)
	b[0] = q.Type
	binary.LittleEndian.PutUint32(b[1:5], q.Version)
	binary.LittleEndian.PutUint64(b[5:13], q.Path)
	return b
}

// rlerror builds an Rlerror response carrying a Linux errno.
func rlerror(tag uint16, errno uint32) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, errno)
	return encodeMessage(RLerror, tag, payload)
}
