// Package harness implements the guest-side control-channel agent that
// runs as PID 1 inside agentvm micro-VMs. It listens on AF_VSOCK, speaks
// the same length-prefixed tagged-message protocol as
// internal/control.Channel, and executes ExecRequest/WriteFile/MkdirP/
// SubscribeTelemetry operations on the host's behalf.
package harness

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// guestAgentPort is the vsock port the host control channel dials
// (internal/backend.guestAgentPort).
const guestAgentPort = 9000

// Run starts the harness. This is the main entry point called by the
// harness binary.
func Run() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("agentvm-harness starting")

	mountEssential()
	mountSharedDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	secret, err := sessionSecret()
	if err != nil {
		log.Fatalf("session secret: %v", err)
	}

	ln, err := listenVsock(guestAgentPort)
	if err != nil {
		log.Fatalf("listen vsock:%d: %v", guestAgentPort, err)
	}
	defer ln.Close()

	log.Printf("control channel listening on vsock port %d", guestAgentPort)
	Serve(ctx, ln, secret)

	log.Println("agentvm-harness shutting down")
}

// sessionSecret reads the 32-byte hex-encoded secret the host embedded in
// the kernel cmdline (vmm.BuildCmdline) as AGENTVM_SESSION_SECRET.
func sessionSecret() ([32]byte, error) {
	var secret [32]byte
	raw := os.Getenv("AGENTVM_SESSION_SECRET")
	if raw == "" {
		return secret, fmt.Errorf("AGENTVM_SESSION_SECRET not set")
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return secret, fmt.Errorf("AGENTVM_SESSION_SECRET must be 32 hex-encoded bytes")
	}
	copy(secret[:], decoded)
	return secret, nil
}
