package control

import (
	"errors"
	"net"
	"testing"
)

// serveHandshake runs the guest side of one connection: read Ping, reply
// Pong, then read one ExecRequest and reply with an ExecResponse.
func serveHandshake(t *testing.T, conn net.Conn, secret [32]byte) {
	t.Helper()
	msgType, payload, err := readFrame(conn)
	if err != nil {
		t.Errorf("serve: read ping: %v", err)
		conn.Close()
		return
	}
	if msgType != TypePing || len(payload) < 32 || string(payload[:32]) != string(secret[:]) {
		t.Errorf("serve: bad ping")
		conn.Close()
		return
	}
	if err := writeFrame(conn, TypePong, nil); err != nil {
		t.Errorf("serve: write pong: %v", err)
		return
	}

	msgType, _, err = readFrame(conn)
	if err != nil {
		return // caller closed after Exec's own deadline; not an error here
	}
	if msgType != TypeExecRequest {
		t.Errorf("serve: expected exec request, got type %d", msgType)
		return
	}
	_ = writeJSON(conn, TypeExecResponse, ExecResponse{Stdout: []byte("ok"), ExitCode: 0})
}

// §8 scenario 5: handshake retry — connector fails the first two connects,
// succeeds on the third; Ping/Pong completes and the subsequent
// ExecRequest returns normally. Attempt counter = 3.
func TestChannelHandshakeRetry(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("0123456789abcdef0123456789abcde"))

	attempts := 0
	connector := func() (Stream, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		go serveHandshake(t, server, secret)
		return client, nil
	}

	ch := New(connector, secret)
	ch.settled = true // skip the 4s boot-settle sleep; retry/backoff is what's under test

	resp, err := ch.Exec(ExecRequest{Program: "true"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if string(resp.Stdout) != "ok" {
		t.Fatalf("Stdout = %q, want ok", resp.Stdout)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

// Control-channel framing round-trip (§8 "Control-channel framing").
func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	req := ExecRequest{Program: "echo", Args: []string{"hi"}, Env: map[string]string{"A": "B"}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := writeJSON(client, TypeExecRequest, req); err != nil {
			t.Errorf("write: %v", err)
		}
	}()

	msgType, payload, err := readFrame(server)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	<-done
	if msgType != TypeExecRequest {
		t.Fatalf("msgType = %d, want %d", msgType, TypeExecRequest)
	}
	var got ExecRequest
	if err := unmarshalInto(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Program != req.Program || got.Args[0] != req.Args[0] || got.Env["A"] != "B" {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, req)
	}
}
