// agentvm-harness is the guest PID 1 process that runs inside agentvm
// micro-VMs. It listens for the control-channel protocol over vsock and
// executes exec/write-file/mkdir/telemetry operations on the host's
// behalf.
//
// Build: GOOS=linux GOARCH=amd64 CGO_ENABLED=0 go build -o agentvm-harness ./cmd/agentvm-harness
package main

import "github.com/vmsandbox/core/internal/harness"

func main() {
	harness.Run()
}
