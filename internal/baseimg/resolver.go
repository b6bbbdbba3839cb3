package baseimg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/0xa1bed0/kiln/internal/image"
	"github.com/0xa1bed0/kiln/internal/layer"
	"github.com/0xa1bed0/kiln/internal/logs"
)

// Base is a resolved base image: its runtime config plus its layer
// chain, which becomes the prefix of the built image's chain. The
// resolver has already materialized the flattened tree into the stage
// rootfs by the time it returns.
type Base struct {
	Config image.Config
	Layers []image.LayerSource
}

// Resolver materializes a FROM reference into a stage rootfs. Remote
// registry pulling is an external collaborator implementing this same
// interface.
type Resolver interface {
	Resolve(ctx context.Context, ref string, rootfs string) (Base, error)
}

// Scratch resolves only the empty image.
type Scratch struct{}

func (Scratch) Resolve(_ context.Context, ref string, _ string) (Base, error) {
	if ref != "scratch" {
		return Base{}, fmt.Errorf("baseimg: no source configured for base image %q", ref)
	}
	return Base{}, nil
}

// Layout resolves references against a local OCI image layout directory,
// falling back to scratch for the empty image.
type Layout struct {
	Dir string
}

func (l Layout) Resolve(ctx context.Context, ref string, rootfs string) (Base, error) {
	if ref == "scratch" {
		return Base{}, nil
	}

	manifestDesc, err := l.findManifest(ref)
	if err != nil {
		return Base{}, err
	}

	var manifest ocispec.Manifest
	if err := l.readBlobJSON(manifestDesc.Digest, &manifest); err != nil {
		return Base{}, err
	}
	var cfg image.ConfigFile
	if err := l.readBlobJSON(manifest.Config.Digest, &cfg); err != nil {
		return Base{}, err
	}
	if len(cfg.RootFS.DiffIDs) != len(manifest.Layers) {
		return Base{}, fmt.Errorf("baseimg: %s: %d diff ids for %d layers", ref, len(cfg.RootFS.DiffIDs), len(manifest.Layers))
	}

	base := Base{Config: cfg.Config}
	for i, desc := range manifest.Layers {
		if err := ctx.Err(); err != nil {
			return Base{}, err
		}
		switch desc.MediaType {
		case ocispec.MediaTypeImageLayerGzip, "application/vnd.docker.image.rootfs.diff.tar.gzip":
		default:
			return Base{}, fmt.Errorf("baseimg: %s: unsupported layer media type %s", ref, desc.MediaType)
		}

		path := l.blobPath(desc.Digest)
		f, err := os.Open(path)
		if err != nil {
			return Base{}, fmt.Errorf("baseimg: open layer blob: %w", err)
		}
		err = layer.Apply(rootfs, f)
		f.Close()
		if err != nil {
			return Base{}, fmt.Errorf("baseimg: flatten %s: %w", ref, err)
		}

		base.Layers = append(base.Layers, image.LayerSource{
			Layer: layer.Layer{
				Digest: desc.Digest,
				DiffID: cfg.RootFS.DiffIDs[i],
				Size:   desc.Size,
			},
			Path: path,
		})
	}

	logs.Debugf("baseimg: resolved %s from layout %s (%d layers)", ref, l.Dir, len(base.Layers))
	return base, nil
}

// findManifest picks the index entry whose ref.name annotation matches,
// or the only entry when the index holds a single image.
func (l Layout) findManifest(ref string) (ocispec.Descriptor, error) {
	raw, err := os.ReadFile(filepath.Join(l.Dir, "index.json"))
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("baseimg: read layout index: %w", err)
	}
	var index ocispec.Index
	if err := json.Unmarshal(raw, &index); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("baseimg: parse layout index: %w", err)
	}

	for _, desc := range index.Manifests {
		if desc.Annotations[ocispec.AnnotationRefName] == ref {
			return desc, nil
		}
	}
	if len(index.Manifests) == 1 {
		return index.Manifests[0], nil
	}
	return ocispec.Descriptor{}, fmt.Errorf("baseimg: image %q not found in layout %s", ref, l.Dir)
}

func (l Layout) blobPath(d digest.Digest) string {
	return filepath.Join(l.Dir, "blobs", d.Algorithm().String(), d.Encoded())
}

func (l Layout) readBlobJSON(d digest.Digest, v any) error {
	raw, err := os.ReadFile(l.blobPath(d))
	if err != nil {
		return fmt.Errorf("baseimg: read blob %s: %w", d, err)
	}
	if got := digest.FromBytes(raw); got != d {
		return fmt.Errorf("baseimg: blob %s content digests to %s", d, got)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("baseimg: parse blob %s: %w", d, err)
	}
	return nil
}
