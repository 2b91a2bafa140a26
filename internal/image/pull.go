// Package image fetches OCI-packaged kernel+initramfs artifact pairs: it
// pulls an image, unpacks its layers, locates a kernel image inside the
// unpacked tree, and packs the remainder into a cpio initramfs for the
// monitor to boot (§"OCI image fetch/unpack", out of scope for the VM core
// proper but given a concrete producer here).
package image

import (
	"context"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// PullResult contains the pulled image and its digest.
type PullResult struct {
	Image  v1.Image
	Digest string // e.g. "sha256:abc123..."
}

// Pull resolves an image reference and pulls the linux/arch variant.
func Pull(ctx context.Context, imageRef, arch string) (*PullResult, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("parse image ref %q: %w", imageRef, err)
	}

	platform := &v1.Platform{OS: "linux", Architecture: arch}
	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", imageRef, err)
	}

	var img v1.Image

	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, fmt.Errorf("get image index: %w", err)
		}
		indexManifest, err := idx.IndexManifest()
		if err != nil {
			return nil, fmt.Errorf("get index manifest: %w", err)
		}
		for _, m := range indexManifest.Manifests {
			if m.Platform != nil && m.Platform.OS == "linux" && m.Platform.Architecture == arch {
				img, err = idx.Image(m.Digest)
				if err != nil {
					return nil, fmt.Errorf("get %s image: %w", arch, err)
				}
				break
			}
		}
		if img == nil {
			return nil, fmt.Errorf("no linux/%s variant found in %s", arch, imageRef)
		}
	default:
		img, err = desc.Image()
		if err != nil {
			return nil, fmt.Errorf("get image: %w", err)
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, fmt.Errorf("get image config: %w", err)
		}
		if cfg.OS != "linux" || cfg.Architecture != arch {
			return nil, fmt.Errorf("image %s is %s/%s, need linux/%s", imageRef, cfg.OS, cfg.Architecture, arch)
		}
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("get digest: %w", err)
	}

	return &PullResult{Image: img, Digest: digest.String()}, nil
}
