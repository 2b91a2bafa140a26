package image

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ArtifactPair is a boot-ready kernel+initramfs pair produced from an OCI
// image, the output Sandbox's "pre-built artifacts ref" option consumes.
type ArtifactPair struct {
	KernelPath    string
	InitramfsPath string
	Digest        string
}

// kernelCandidates are searched, in order, inside an unpacked image's
// filesystem for a bootable kernel image.
var kernelCandidates = []string{
	"boot/vmlinuz",
	"vmlinuz",
	"boot/vmlinux",
	"vmlinux",
}

// Cache provides digest-keyed caching of OCI-derived boot artifact pairs.
// Cache layout: {cacheDir}/sha256_{digest}/{vmlinuz,initramfs.cpio}.
//
// A local ref→digest index avoids hitting the registry on every boot.
type Cache struct {
	mu        sync.Mutex
	cacheDir  string
	guestArch string
	refIndex  map[string]string
}

// NewCache creates a new image cache rooted at cacheDir for the given guest
// CPU architecture (e.g. "amd64").
func NewCache(cacheDir, guestArch string) *Cache {
	return &Cache{
		cacheDir:  cacheDir,
		guestArch: guestArch,
		refIndex:  make(map[string]string),
	}
}

// ProgressFunc reports pull/unpack progress. stage is one of "resolving",
// "unpacking", "ready".
type ProgressFunc func(stage, detail string)

// GetOrPull returns the boot artifact pair for imageRef, pulling and
// unpacking it only on a cache miss.
func (c *Cache) GetOrPull(ctx context.Context, imageRef string, progress ProgressFunc) (*ArtifactPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.refIndex[imageRef]; ok {
		if pair, ok := c.cachedPair(d); ok {
			log.Printf("image: local cache hit for %s (%s)", imageRef, d)
			return pair, nil
		}
		delete(c.refIndex, imageRef)
	}

	if len(c.refIndex) == 0 {
		c.rebuildIndex()
		if d, ok := c.refIndex[imageRef]; ok {
			if pair, ok := c.cachedPair(d); ok {
				log.Printf("image: disk cache hit for %s (%s)", imageRef, d)
				return pair, nil
			}
		}
	}

	log.Printf("image: resolving %s (network)", imageRef)
	if progress != nil {
		progress("resolving", imageRef)
	}
	result, err := Pull(ctx, imageRef, c.guestArch)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", imageRef, err)
	}

	digest := result.Digest
	cachedDir := filepath.Join(c.cacheDir, digestToDirName(digest))
	c.refIndex[imageRef] = digest

	if pair, ok := c.cachedPair(digest); ok {
		log.Printf("image: cache hit for %s (%s)", imageRef, digest)
		c.writeRefFile(cachedDir, imageRef)
		return pair, nil
	}

	log.Printf("image: unpacking %s (%s)", imageRef, digest)
	if progress != nil {
		progress("unpacking", imageRef)
	}
	tmpDir := cachedDir + ".tmp"
	os.RemoveAll(tmpDir)
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := Unpack(result.Image, tmpDir); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", imageRef, err)
	}

	kernelRel, err := findKernel(tmpDir)
	if err != nil {
		return nil, fmt.Errorf("locate kernel in %s: %w", imageRef, err)
	}

	initramfs, err := BuildInitramfs(tmpDir, kernelRel)
	if err != nil {
		return nil, fmt.Errorf("build initramfs for %s: %w", imageRef, err)
	}

	if err := os.MkdirAll(cachedDir+".staging", 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	staging := cachedDir + ".staging"
	defer os.RemoveAll(staging)

	kernelDst := filepath.Join(staging, "vmlinuz")
	if err := copyFile(filepath.Join(tmpDir, kernelRel), kernelDst); err != nil {
		return nil, fmt.Errorf("stage kernel: %w", err)
	}
	initramfsDst := filepath.Join(staging, "initramfs.cpio")
	if err := os.WriteFile(initramfsDst, initramfs, 0644); err != nil {
		return nil, fmt.Errorf("write initramfs: %w", err)
	}

	if err := os.Rename(staging, cachedDir); err != nil {
		return nil, fmt.Errorf("rename cache dir: %w", err)
	}

	c.writeRefFile(cachedDir, imageRef)
	log.Printf("image: cached %s at %s", imageRef, cachedDir)
	if progress != nil {
		progress("ready", imageRef)
	}

	return &ArtifactPair{
		KernelPath:    filepath.Join(cachedDir, "vmlinuz"),
		InitramfsPath: filepath.Join(cachedDir, "initramfs.cpio"),
		Digest:        digest,
	}, nil
}

func (c *Cache) cachedPair(digest string) (*ArtifactPair, bool) {
	dir := filepath.Join(c.cacheDir, digestToDirName(digest))
	kernel := filepath.Join(dir, "vmlinuz")
	initramfs := filepath.Join(dir, "initramfs.cpio")
	if _, err := os.Stat(kernel); err != nil {
		return nil, false
	}
	if _, err := os.Stat(initramfs); err != nil {
		return nil, false
	}
	return &ArtifactPair{KernelPath: kernel, InitramfsPath: initramfs, Digest: digest}, true
}

func (c *Cache) writeRefFile(cachedDir, imageRef string) {
	os.WriteFile(filepath.Join(cachedDir, ".image-ref"), []byte(imageRef), 0644)
}

func (c *Cache) rebuildIndex() {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") || strings.HasSuffix(e.Name(), ".staging") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.cacheDir, e.Name(), ".image-ref"))
		if err != nil {
			continue
		}
		ref := strings.TrimSpace(string(data))
		digest := strings.Replace(e.Name(), "_", ":", 1)
		c.refIndex[ref] = digest
	}
	if len(c.refIndex) > 0 {
		log.Printf("image: rebuilt index from disk (%d entries)", len(c.refIndex))
	}
}

func findKernel(rootDir string) (string, error) {
	for _, candidate := range kernelCandidates {
		if _, err := os.Stat(filepath.Join(rootDir, candidate)); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no kernel image found at any of %v", kernelCandidates)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0755)
}

func digestToDirName(digest string) string {
	return strings.Replace(digest, ":", "_", 1)
}
