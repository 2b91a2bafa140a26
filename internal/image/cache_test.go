package image

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDigestToDirName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"sha256:abc123def456", "sha256_abc123def456"},
		{"sha512:xyz789", "sha512_xyz789"},
		{"nocolon", "nocolon"},
		{"multi:colon:digest", "multi_colon:digest"}, // only first colon replaced
	}

	for _, tt := range tests {
		got := digestToDirName(tt.input)
		if got != tt.want {
			t.Errorf("digestToDirName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindKernelCandidates(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "boot"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "boot", "vmlinuz"), []byte("kernel"), 0644); err != nil {
		t.Fatal(err)
	}

	rel, err := findKernel(root)
	if err != nil {
		t.Fatalf("findKernel: %v", err)
	}
	if rel != "boot/vmlinuz" {
		t.Fatalf("rel = %q, want boot/vmlinuz", rel)
	}
}

func TestFindKernelMissing(t *testing.T) {
	root := t.TempDir()
	if _, err := findKernel(root); err == nil {
		t.Fatal("expected error when no kernel candidate exists")
	}
}

func TestCachedPairRequiresBothFiles(t *testing.T) {
	c := NewCache(t.TempDir(), "amd64")
	digest := "sha256:deadbeef"
	dir := filepath.Join(c.cacheDir, digestToDirName(digest))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.cachedPair(digest); ok {
		t.Fatal("expected cache miss with no artifacts present")
	}

	os.WriteFile(filepath.Join(dir, "vmlinuz"), []byte("k"), 0644)
	if _, ok := c.cachedPair(digest); ok {
		t.Fatal("expected cache miss with only kernel present")
	}

	os.WriteFile(filepath.Join(dir, "initramfs.cpio"), []byte("i"), 0644)
	pair, ok := c.cachedPair(digest)
	if !ok {
		t.Fatal("expected cache hit once both artifacts are present")
	}
	if pair.Digest != digest {
		t.Errorf("pair.Digest = %q, want %q", pair.Digest, digest)
	}
}

func TestRebuildIndexFromRefFiles(t *testing.T) {
	c := NewCache(t.TempDir(), "amd64")
	digest := "sha256:cafef00d"
	dir := filepath.Join(c.cacheDir, digestToDirName(digest))
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, ".image-ref"), []byte("example.com/img:latest"), 0644)

	c.rebuildIndex()

	got, ok := c.refIndex["example.com/img:latest"]
	if !ok || got != digest {
		t.Fatalf("refIndex[...] = %q, %v; want %q, true", got, ok, digest)
	}
}
