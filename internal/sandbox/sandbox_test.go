package sandbox

import (
	"context"
	"testing"

	"github.com/vmsandbox/core/internal/config"
)

func TestNewModeMockWhenNoKernelAvailable(t *testing.T) {
	cfg := &config.Config{DefaultMemoryMB: 512, DefaultVCPUs: 1}
	sb, err := New(context.Background(), nil, cfg, WithMode(ModeAuto))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sb.Mode() != ModeMock {
		t.Fatalf("Mode() = %q, want %q", sb.Mode(), ModeMock)
	}
	if !sb.Backend().IsRunning() {
		t.Fatal("expected mock backend to report running")
	}
}

func TestNewModeMockExplicit(t *testing.T) {
	cfg := &config.Config{DefaultMemoryMB: 512, DefaultVCPUs: 1}
	sb, err := New(context.Background(), nil, cfg, WithMode(ModeMock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sb.Mode() != ModeMock {
		t.Fatalf("Mode() = %q, want %q", sb.Mode(), ModeMock)
	}
}

func TestNewModeLocalWithoutKernelFails(t *testing.T) {
	cfg := &config.Config{DefaultMemoryMB: 512, DefaultVCPUs: 1}
	_, err := New(context.Background(), nil, cfg, WithMode(ModeLocal))
	if err == nil {
		t.Fatal("expected error when ModeLocal requested without a kernel path")
	}
}

func TestNewArtifactsRefRequiresCache(t *testing.T) {
	cfg := &config.Config{DefaultMemoryMB: 512, DefaultVCPUs: 1}
	_, err := New(context.Background(), nil, cfg, WithArtifactsRef("example.com/kernel:latest"))
	if err == nil {
		t.Fatal("expected error when artifacts ref is given without an image cache")
	}
}
