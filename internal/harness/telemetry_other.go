//go:build !linux

package harness

// processUsedCPUTicks and ethByteCounters read Linux-only /proc and /sys
// files. On other platforms telemetry sampling reports zero.
func processUsedCPUTicks(pid int) int64 { return 0 }
func ethByteCounters() (tx, rx int64)   { return 0, 0 }
