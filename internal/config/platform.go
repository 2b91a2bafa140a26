package config

import (
	"fmt"
	"runtime"
)

// Platform describes the detected host platform and which VMM backend it
// selects (§4.10: two implementations share one capability set).
type Platform struct {
	OS   string // "linux" or "darwin"
	Arch string

	// Backend is the VMM backend this platform uses: "kvm" (Linux, raw
	// /dev/kvm) or "vz" (macOS, Virtualization.framework).
	Backend string
}

// DetectPlatform detects the host platform and selects the VMM backend.
func DetectPlatform() (*Platform, error) {
	p := &Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}

	switch {
	case p.OS == "linux":
		p.Backend = "kvm"
	case p.OS == "darwin":
		p.Backend = "vz"
	default:
		return nil, fmt.Errorf("unsupported platform: %s/%s (requires Linux/KVM or macOS/Virtualization.framework)", p.OS, p.Arch)
	}

	return p, nil
}
