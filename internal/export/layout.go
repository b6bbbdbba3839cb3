package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/0xa1bed0/kiln/internal/image"
)

// OCILayout writes the image into an OCI image layout directory. An
// existing layout is extended: blobs are content-addressed so rewrites
// are no-ops, and the index entry for ref replaces any previous one.
func OCILayout(dir string, fin image.Finalized, ref string) error {
	wrap := func(layer digest.Digest, err error) error {
		return &ExportError{Op: "oci-layout", Ref: ref, Layer: layer, Err: err}
	}

	if err := os.MkdirAll(filepath.Join(dir, "blobs", digest.Canonical.String()), 0o755); err != nil {
		return wrap("", err)
	}

	for _, src := range fin.Layers {
		if err := copyBlob(dir, src.Digest, src.Path); err != nil {
			return wrap(src.Digest, err)
		}
	}
	if err := writeBlob(dir, fin.ConfigDesc.Digest, fin.Config); err != nil {
		return wrap("", err)
	}
	if err := writeBlob(dir, fin.ManifestDesc.Digest, fin.Manifest); err != nil {
		return wrap("", err)
	}

	layout, err := json.Marshal(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
	if err != nil {
		return wrap("", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, ocispec.ImageLayoutFile), layout); err != nil {
		return wrap("", err)
	}

	if err := updateIndex(dir, fin.ManifestDesc, ref); err != nil {
		return wrap("", err)
	}
	return nil
}

// updateIndex rewrites index.json with the new manifest entry, dropping
// any older entry carrying the same ref name.
func updateIndex(dir string, desc ocispec.Descriptor, ref string) error {
	indexPath := filepath.Join(dir, "index.json")

	var index ocispec.Index
	raw, err := os.ReadFile(indexPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &index); err != nil {
			return fmt.Errorf("read index.json: %w", err)
		}
	case os.IsNotExist(err):
		index = ocispec.Index{
			Versioned: specs.Versioned{SchemaVersion: 2},
			MediaType: ocispec.MediaTypeImageIndex,
		}
	default:
		return err
	}

	entry := desc
	if ref != "" {
		entry.Annotations = map[string]string{ocispec.AnnotationRefName: ref}
	}

	kept := index.Manifests[:0]
	for _, m := range index.Manifests {
		if m.Digest == entry.Digest {
			continue
		}
		if ref != "" && m.Annotations[ocispec.AnnotationRefName] == ref {
			continue
		}
		kept = append(kept, m)
	}
	index.Manifests = append(kept, entry)

	out, err := json.Marshal(index)
	if err != nil {
		return err
	}
	return writeFileAtomic(indexPath, out)
}

func blobPath(dir string, d digest.Digest) string {
	return filepath.Join(dir, "blobs", d.Algorithm().String(), d.Encoded())
}

func writeBlob(dir string, d digest.Digest, content []byte) error {
	dest := blobPath(dir, d)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	return writeFileAtomic(dest, content)
}

func copyBlob(dir string, d digest.Digest, src string) error {
	dest := blobPath(dir, d)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".blob-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func writeFileAtomic(dest string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
