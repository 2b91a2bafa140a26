package control

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Stream is the connector contract (§4.9): a fresh byte stream to the guest
// agent, with read-timeout configuration. AF_VSOCK on Linux/KVM and a
// VZVirtioSocketDevice-backed fd on macOS/VZ both satisfy this.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Connector opens a fresh Stream to the guest agent.
type Connector func() (Stream, error)

// GuestError wraps any control-channel failure the caller should treat as
// "the guest misbehaved or was unreachable" (§4.9 failure model).
type GuestError struct {
	Op  string
	Err error
}

func (e *GuestError) Error() string { return fmt.Sprintf("guest: %s: %v", e.Op, e.Err) }
func (e *GuestError) Unwrap() error { return e.Err }

func guestErr(op string, err error) error { return &GuestError{Op: op, Err: err} }

// Timeouts for channel operations (§4.9).
const (
	bootSettleDelay      = 4 * time.Second
	handshakeDeadline    = 30 * time.Second
	backoffStart         = 100 * time.Millisecond
	backoffCap           = 2 * time.Second
	defaultHandshakeTO   = 3 * time.Second
	telemetryHandshakeTO = 5 * time.Second
	defaultExecTimeout   = 1200 * time.Second
	writeFileTimeout     = 30 * time.Second
	mkdirPTimeout        = 10 * time.Second
)

// Channel is a host-side control channel to one VM's guest agent.
type Channel struct {
	connector     Connector
	sessionSecret [32]byte
	settled       bool
}

// New creates a channel that uses connector to open streams and secret to
// authenticate the Ping/Pong handshake.
func New(connector Connector, secret [32]byte) *Channel {
	return &Channel{connector: connector, sessionSecret: secret}
}

// connect performs the boot-settle sleep (once per channel lifetime), then
// retries connect plus the Ping/Pong handshake with exponential backoff
// (backoffStart, doubling up to backoffCap) until handshakeDeadline elapses.
func (c *Channel) connect(handshakeTimeout time.Duration) (Stream, error) {
	if !c.settled {
		time.Sleep(bootSettleDelay)
		c.settled = true
	}

	deadline := time.Now().Add(handshakeDeadline)
	backoff := backoffStart
	var lastErr error
	for time.Now().Before(deadline) {
		s, err := c.connector()
		if err != nil {
			lastErr = err
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
			continue
		}
		if err := c.handshake(s, handshakeTimeout); err != nil {
			s.Close()
			lastErr = err
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
			continue
		}
		return s, nil
	}
	return nil, guestErr("connect", fmt.Errorf("handshake deadline exceeded: %w", lastErr))
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffCap {
		return backoffCap
	}
	return next
}

// handshake exchanges Ping -> Pong: Ping payload is session_secret ||
// protocol_version_le; a valid Pong may echo the peer's version in its
// first 4 payload bytes.
func (c *Channel) handshake(s Stream, timeout time.Duration) error {
	s.SetReadDeadline(time.Now().Add(timeout))
	defer s.SetReadDeadline(time.Time{})

	payload := make([]byte, 36)
	copy(payload, c.sessionSecret[:])
	le32(payload[32:], ProtocolVersion)
	if err := writeFrame(s, TypePing, payload); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	msgType, _, err := readFrame(s)
	if err != nil {
		return fmt.Errorf("pong: %w", err)
	}
	if msgType != TypePong {
		return fmt.Errorf("expected pong, got type %d", msgType)
	}
	return nil
}

func le32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Exec sends an ExecRequest, discards ExecOutputChunks, and returns the
// first ExecResponse.
func (c *Channel) Exec(req ExecRequest) (*ExecResponse, error) {
	return c.execInternal(req, nil)
}

// ExecStreaming is like Exec but forwards every ExecOutputChunk to onChunk
// before returning the final response.
func (c *Channel) ExecStreaming(req ExecRequest, onChunk func(ExecOutputChunk)) (*ExecResponse, error) {
	return c.execInternal(req, onChunk)
}

func (c *Channel) execInternal(req ExecRequest, onChunk func(ExecOutputChunk)) (*ExecResponse, error) {
	timeout := defaultExecTimeout
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	s, err := c.connect(defaultHandshakeTO)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	s.SetReadDeadline(time.Now().Add(timeout))
	if err := writeJSON(s, TypeExecRequest, req); err != nil {
		return nil, guestErr("exec", err)
	}

	for {
		msgType, payload, err := readFrame(s)
		if err != nil {
			return nil, guestErr("exec", err)
		}
		switch msgType {
		case TypeExecOutputChunk:
			if onChunk != nil {
				var chunk ExecOutputChunk
				if err := unmarshalInto(payload, &chunk); err != nil {
					return nil, guestErr("exec", err)
				}
				onChunk(chunk)
			}
		case TypeExecResponse:
			var resp ExecResponse
			if err := unmarshalInto(payload, &resp); err != nil {
				return nil, guestErr("exec", err)
			}
			return &resp, nil
		default:
			return nil, guestErr("exec", fmt.Errorf("unexpected message type %d", msgType))
		}
	}
}

// WriteFile sends a WriteFile request; guest-side parent directories are
// always created.
func (c *Channel) WriteFile(path string, content []byte) (*WriteFileResponse, error) {
	s, err := c.connect(defaultHandshakeTO)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	s.SetReadDeadline(time.Now().Add(writeFileTimeout))
	if err := writeJSON(s, TypeWriteFile, WriteFileRequest{Path: path, Content: content}); err != nil {
		return nil, guestErr("write_file", err)
	}
	msgType, payload, err := readFrame(s)
	if err != nil {
		return nil, guestErr("write_file", err)
	}
	if msgType != TypeWriteFileResponse {
		return nil, guestErr("write_file", fmt.Errorf("unexpected message type %d", msgType))
	}
	var resp WriteFileResponse
	if err := unmarshalInto(payload, &resp); err != nil {
		return nil, guestErr("write_file", err)
	}
	return &resp, nil
}

// MkdirP sends a MkdirP request.
func (c *Channel) MkdirP(path string) (*MkdirPResponse, error) {
	s, err := c.connect(defaultHandshakeTO)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	s.SetReadDeadline(time.Now().Add(mkdirPTimeout))
	if err := writeJSON(s, TypeMkdirP, MkdirPRequest{Path: path}); err != nil {
		return nil, guestErr("mkdir_p", err)
	}
	msgType, payload, err := readFrame(s)
	if err != nil {
		return nil, guestErr("mkdir_p", err)
	}
	if msgType != TypeMkdirPResponse {
		return nil, guestErr("mkdir_p", fmt.Errorf("unexpected message type %d", msgType))
	}
	var resp MkdirPResponse
	if err := unmarshalInto(payload, &resp); err != nil {
		return nil, guestErr("mkdir_p", err)
	}
	return &resp, nil
}

// SubscribeTelemetry opens a persistent connection and delivers an
// indefinite stream of TelemetryData batches to onBatch until the stream
// ends or an error occurs.
func (c *Channel) SubscribeTelemetry(opts TelemetryOptions, onBatch func(TelemetryBatch)) error {
	s, err := c.connect(telemetryHandshakeTO)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := writeJSON(s, TypeSubscribeTelemetry, opts); err != nil {
		return guestErr("subscribe_telemetry", err)
	}

	readTimeout := time.Duration(maxInt(opts.IntervalMS, 1000)) * time.Millisecond * 5
	for {
		s.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, payload, err := readFrame(s)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return guestErr("subscribe_telemetry", err)
		}
		if msgType != TypeTelemetryData {
			return guestErr("subscribe_telemetry", fmt.Errorf("unexpected message type %d", msgType))
		}
		var batch TelemetryBatch
		if err := unmarshalInto(payload, &batch); err != nil {
			return guestErr("subscribe_telemetry", err)
		}
		onBatch(batch)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
