// Package control implements the host-side control channel (§4.9): a
// length-prefixed tagged-message protocol over a guest-agent stream, with a
// session-secret handshake and request/response, streaming, and telemetry
// operations.
package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Message types (§3 Data Model).
const (
	TypePing               = 0
	TypePong               = 1
	TypeExecRequest        = 2
	TypeExecResponse       = 3
	TypeExecOutputChunk    = 4
	TypeWriteFile          = 5
	TypeWriteFileResponse  = 6
	TypeMkdirP             = 7
	TypeMkdirPResponse     = 8
	TypeSubscribeTelemetry = 9
	TypeTelemetryData      = 10
)

// ProtocolVersion is the handshake version this channel speaks.
const ProtocolVersion = 1

// headerSize is the 5-byte frame prefix: u32 length little-endian, u8 type.
const headerSize = 5

// writeFrame writes one length-prefixed message: [u32 len LE][u8 type][payload].
func writeFrame(w io.Writer, msgType uint8, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = msgType
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// readFrame reads one length-prefixed message and returns its type and payload.
func readFrame(r io.Reader) (uint8, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	msgType := hdr[4]
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return msgType, payload, nil
}

func writeJSON(w io.Writer, msgType uint8, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	return writeFrame(w, msgType, payload)
}

func unmarshalInto(payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}

// ExecRequest is the guest-exec wire payload (§3 Data Model).
type ExecRequest struct {
	Program    string            `json:"program"`
	Args       []string          `json:"args"`
	Stdin      []byte            `json:"stdin,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	TimeoutSec int               `json:"timeout_seconds,omitempty"`
}

// ExecResponse is the guest-exec wire response.
type ExecResponse struct {
	Stdout         []byte `json:"stdout"`
	Stderr         []byte `json:"stderr"`
	ExitCode       int    `json:"exit_code"`
	WallDurationMS int64  `json:"wall_duration_ms"`
	Error          string `json:"error,omitempty"`
}

// ExecOutputChunk is one streamed chunk of exec output.
type ExecOutputChunk struct {
	Stream string `json:"stream"` // "stdout" or "stderr"
	Data   []byte `json:"data"`
	Seq    uint64 `json:"seq"`
}

// WriteFileRequest/Response implement the WriteFile operation; parent
// directories are always created on the guest side.
type WriteFileRequest struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type WriteFileResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type MkdirPRequest struct {
	Path string `json:"path"`
}

type MkdirPResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TelemetryOptions configures a SubscribeTelemetry session.
type TelemetryOptions struct {
	IntervalMS int `json:"interval_ms"`
}

// TelemetryBatch is one delivered telemetry payload, ordered by Seq (§5
// ordering guarantee: telemetry batches arrive in protocol order).
type TelemetryBatch struct {
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data"`
}
