// Package netbackend implements virtio.NAT against a per-VM gvisor-tap-vsock
// ("gvproxy") subprocess, reusing the monitor's own datagram socket for the
// data plane and gvproxy's HTTP API for port forwarding.
package netbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// Gvproxy manages a gvproxy child process and the unixgram data-plane socket
// a virtio.Net device drains frames from. One instance per VM.
type Gvproxy struct {
	cmd       *exec.Cmd
	netSocket string
	apiSocket string
	pidFile   string
	conn      *net.UnixConn
}

// Start spawns gvproxy for vmID, using sockDir for its unix sockets, and
// dials the data-plane socket so Send/Recv can be used immediately.
func Start(gvproxyBin, vmID, sockDir string) (*Gvproxy, error) {
	netSock := filepath.Join(sockDir, fmt.Sprintf("net-%s.sock", vmID))
	apiSock := filepath.Join(sockDir, fmt.Sprintf("api-%s.sock", vmID))
	pidFile := filepath.Join(sockDir, fmt.Sprintf("gvproxy-%s.pid", vmID))

	os.Remove(netSock)
	os.Remove(apiSock)

	cmd := exec.Command(gvproxyBin,
		"--listen-vfkit", "unixgram://"+netSock,
		"--listen", "unix://"+apiSock,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start gvproxy: %w", err)
	}
	os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o600)

	g := &Gvproxy{cmd: cmd, netSocket: netSock, apiSocket: apiSock, pidFile: pidFile}

	if err := g.waitForAPI(5 * time.Second); err != nil {
		g.Stop()
		return nil, fmt.Errorf("gvproxy API not ready: %w", err)
	}
	if err := g.dial(); err != nil {
		g.Stop()
		return nil, err
	}
	return g, nil
}

func (g *Gvproxy) dial() error {
	local := g.netSocket + ".client"
	os.Remove(local)
	laddr := &net.UnixAddr{Name: local, Net: "unixgram"}
	raddr := &net.UnixAddr{Name: g.netSocket, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		return fmt.Errorf("dial gvproxy data plane: %w", err)
	}
	g.conn = conn
	return nil
}

// Send implements virtio.NAT: one datagram carries one Ethernet frame.
func (g *Gvproxy) Send(frame []byte) error {
	_, err := g.conn.Write(frame)
	return err
}

// Recv implements virtio.NAT with a short non-blocking poll: callers drive
// this from the virtio-net RX notify path and must not block the vCPU
// thread waiting on the network.
func (g *Gvproxy) Recv() ([]byte, bool) {
	g.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	buf := make([]byte, 65536)
	n, err := g.conn.Read(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func (g *Gvproxy) waitForAPI(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", g.apiSocket, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", g.apiSocket)
}

// ExposePort creates a port-forwarding rule: hostPort on localhost maps to
// the guest's NAT address.
func (g *Gvproxy) ExposePort(hostPort, guestPort int) error {
	body := map[string]string{
		"local":  fmt.Sprintf("127.0.0.1:%d", hostPort),
		"remote": fmt.Sprintf("192.168.127.2:%d", guestPort),
	}
	return g.apiPost("/services/forwarder/expose", body)
}

// Stop kills the gvproxy process and removes its sockets.
func (g *Gvproxy) Stop() {
	if g.conn != nil {
		g.conn.Close()
		os.Remove(g.netSocket + ".client")
	}
	if g.cmd != nil && g.cmd.Process != nil {
		g.cmd.Process.Kill()
		g.cmd.Wait()
	}
	os.Remove(g.netSocket)
	os.Remove(g.apiSocket)
	os.Remove(g.pidFile)
}

func (g *Gvproxy) apiPost(path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.DialTimeout("unix", g.apiSocket, 5*time.Second)
			},
		},
		Timeout: 10 * time.Second,
	}
	resp, err := client.Post("http://gvproxy"+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("gvproxy API %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gvproxy API %s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	return nil
}
