package harness

import (
	"log"
	"os"
	"strings"
	"syscall"
)

// parseCmdlineEnv reads /proc/cmdline and sets environment variables from
// KEY=VALUE tokens. Only sets vars that are not already in the environment.
// Some backends pass env vars via kernel cmdline rather than inheriting them
// from the parent process — this ensures AGENTVM_* vars are available
// regardless of boot method.
func parseCmdlineEnv() {
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return // /proc not mounted yet or not available
	}

	envPrefixes := []string{"AGENTVM_", "PATH=", "HOME=", "TERM="}

	for _, token := range strings.Fields(string(data)) {
		eqIdx := strings.IndexByte(token, '=')
		if eqIdx < 1 {
			continue
		}
		key := token[:eqIdx]
		value := token[eqIdx+1:]

		match := false
		for _, prefix := range envPrefixes {
			if strings.HasPrefix(token, prefix) {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}

		os.Setenv(key, value)
		log.Printf("cmdline env: %s=%s", key, value)
	}
}

// mountSharedDir mounts the 9P export at /mnt/agentvm when a mount tag was
// configured: "mount -t 9p -o trans=virtio,version=9p2000.L <tag>
// /mnt/agentvm". AGENTVM_9P_TAG unset means no shared directory was
// attached and this is a no-op.
func mountSharedDir() {
	tag := os.Getenv("AGENTVM_9P_TAG")
	if tag == "" {
		return
	}

	target := "/mnt/agentvm"
	_ = os.MkdirAll(target, 0755)
	opts := "trans=virtio,version=9p2000.L"
	err := syscall.Mount(tag, target, "9p", 0, opts)
	if err != nil {
		log.Fatalf("shared dir mount failed: %v (9p tag %q was configured but mount failed)", err, tag)
	}
	log.Printf("shared dir mounted at %s (tag %s)", target, tag)
}

// mountEssential sets up the guest filesystem: mount /proc, writable tmpfs
// on /tmp and /run, then remount / read-only so a release rootfs stays
// immutable across runs.
func mountEssential() {
	parseCmdlineEnv()

	writableMounts := []struct {
		source string
		target string
		fstype string
	}{
		{"proc", "/proc", "proc"},
		{"tmpfs", "/tmp", "tmpfs"},
		{"tmpfs", "/run", "tmpfs"},
		{"tmpfs", "/var", "tmpfs"},
	}

	for _, m := range writableMounts {
		_ = os.MkdirAll(m.target, 0755)
		err := syscall.Mount(m.source, m.target, m.fstype, 0, "")
		if err != nil && err != syscall.EBUSY {
			log.Printf("mount %s on %s: %v (non-fatal)", m.source, m.target, err)
		}
	}

	if _, err := os.Stat("/etc/resolv.conf"); os.IsNotExist(err) {
		if err := os.WriteFile("/etc/resolv.conf", []byte("nameserver 8.8.8.8\n"), 0644); err != nil {
			log.Printf("write /etc/resolv.conf: %v (non-fatal, DNS may not work)", err)
		}
	}

	if _, err := os.Stat("/etc/hosts"); os.IsNotExist(err) {
		hosts := "127.0.0.1\tlocalhost\n::1\tlocalhost\n"
		if err := os.WriteFile("/etc/hosts", []byte(hosts), 0644); err != nil {
			log.Printf("write /etc/hosts: %v (non-fatal)", err)
		}
	}

	// / is remounted read-only last: the writable mounts and /etc writes
	// above must land before the root filesystem stops accepting writes.
	err := syscall.Mount("", "/", "", syscall.MS_REMOUNT|syscall.MS_RDONLY, "")
	if err != nil {
		log.Printf("remount / read-only: %v (non-fatal, rootfs writes will not be blocked)", err)
	} else {
		log.Println("rootfs remounted read-only")
	}
}
