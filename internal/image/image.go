package image

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/0xa1bed0/kiln/internal/layer"
)

// LayerSource is one committed layer plus the location of its serialized
// blob, so exporters can stream it without re-deriving anything.
type LayerSource struct {
	layer.Layer
	// Path is a local file holding the compressed blob.
	Path string
}

// Image accumulates the build's result: an ordered layer chain (base
// image layers first) and the folded runtime config. It is finalized
// once, then handed to an exporter.
type Image struct {
	Architecture string
	OS           string
	Config       Config
	Layers       []LayerSource
	History      []ocispec.History

	// Reproducible zeroes created timestamps in the config document.
	Reproducible bool
}

func New() *Image {
	return &Image{
		Architecture: runtime.GOARCH,
		OS:           "linux",
	}
}

// InheritConfig replaces the runtime config with a deep copy of the base
// image's, the starting state a FROM establishes.
func (im *Image) InheritConfig(base Config) {
	im.Config = base.clone()
}

// AppendLayer commits one filesystem layer with its history entry.
func (im *Image) AppendLayer(src LayerSource, createdBy string) {
	im.Layers = append(im.Layers, src)
	im.History = append(im.History, ocispec.History{
		Created:   im.historyTime(),
		CreatedBy: createdBy,
	})
}

// AppendEmptyHistory records a metadata-only instruction in the image
// history without a layer.
func (im *Image) AppendEmptyHistory(createdBy string) {
	im.History = append(im.History, ocispec.History{
		Created:    im.historyTime(),
		CreatedBy:  createdBy,
		EmptyLayer: true,
	})
}

func (im *Image) historyTime() *time.Time {
	if im.Reproducible {
		t := time.Unix(0, 0).UTC()
		return &t
	}
	t := time.Now().UTC()
	return &t
}

// Finalized is the serialized form of the image: raw config + manifest
// documents and their descriptors, content-addressed and ready for an
// exporter.
type Finalized struct {
	Config       []byte
	ConfigDesc   ocispec.Descriptor
	Manifest     []byte
	ManifestDesc ocispec.Descriptor
	Layers       []LayerSource
}

// Digest is the image digest: the digest of the manifest document.
func (f Finalized) Digest() digest.Digest {
	return f.ManifestDesc.Digest
}

// Finalize freezes the accumulated state into config and manifest
// documents.
func (im *Image) Finalize() (Finalized, error) {
	diffIDs := make([]digest.Digest, len(im.Layers))
	for i, l := range im.Layers {
		diffIDs[i] = l.DiffID
	}

	cf := ConfigFile{
		Architecture: im.Architecture,
		OS:           im.OS,
		Config:       im.Config,
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
		History: im.History,
	}
	cf.Created = im.historyTime()

	rawConfig, err := json.Marshal(cf)
	if err != nil {
		return Finalized{}, fmt.Errorf("image: marshal config: %w", err)
	}
	configDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    digest.FromBytes(rawConfig),
		Size:      int64(len(rawConfig)),
	}

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
	}
	for _, l := range im.Layers {
		manifest.Layers = append(manifest.Layers, l.Descriptor())
	}

	rawManifest, err := json.Marshal(manifest)
	if err != nil {
		return Finalized{}, fmt.Errorf("image: marshal manifest: %w", err)
	}
	manifestDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromBytes(rawManifest),
		Size:      int64(len(rawManifest)),
	}

	return Finalized{
		Config:       rawConfig,
		ConfigDesc:   configDesc,
		Manifest:     rawManifest,
		ManifestDesc: manifestDesc,
		Layers:       append([]LayerSource(nil), im.Layers...),
	}, nil
}
