package export

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/0xa1bed0/kiln/internal/baseimg"
	"github.com/0xa1bed0/kiln/internal/image"
	"github.com/0xa1bed0/kiln/internal/layer"
)

// makeImage assembles a one-layer finalized image whose blob lives on
// disk, the shape the builder hands to exporters.
func makeImage(t *testing.T, files map[string]string) image.Finalized {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, content := range files {
		hdr := &tar.Header{Typeflag: tar.TypeReg, Name: name, Size: int64(len(content)), Mode: 0o644}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	if _, err := gz.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	blobPath := filepath.Join(t.TempDir(), "layer.tar.gz")
	if err := os.WriteFile(blobPath, gzBuf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	im := image.New()
	im.Config.Env = []string{"PATH=/usr/bin"}
	im.AppendLayer(image.LayerSource{
		Layer: layer.Layer{
			Digest: digest.FromBytes(gzBuf.Bytes()),
			DiffID: digest.FromBytes(tarBuf.Bytes()),
			Size:   int64(gzBuf.Len()),
		},
		Path: blobPath,
	}, "COPY . /")

	fin, err := im.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	return fin
}

func TestOCILayoutRoundTrip(t *testing.T) {
	t.Parallel()

	fin := makeImage(t, map[string]string{"app/run.sh": "#!/bin/sh\n"})
	dir := t.TempDir()
	const ref = "registry.test/app:v1"

	if err := OCILayout(dir, fin, ref); err != nil {
		t.Fatalf("OCILayout failed: %v", err)
	}

	rootfs := t.TempDir()
	base, err := baseimg.Layout{Dir: dir}.Resolve(context.Background(), ref, rootfs)
	if err != nil {
		t.Fatalf("resolve written layout: %v", err)
	}
	if got, err := os.ReadFile(filepath.Join(rootfs, "app", "run.sh")); err != nil || string(got) != "#!/bin/sh\n" {
		t.Fatalf("layer content lost: %q, %v", got, err)
	}
	if len(base.Layers) != 1 || base.Layers[0].Digest != fin.Layers[0].Digest {
		t.Fatalf("unexpected layer chain %+v", base.Layers)
	}
	if base.Config.Env[0] != "PATH=/usr/bin" {
		t.Fatalf("config lost: %+v", base.Config)
	}
}

func TestOCILayoutIndexReplacesSameRef(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := makeImage(t, map[string]string{"a": "1"})
	second := makeImage(t, map[string]string{"a": "2"})

	if err := OCILayout(dir, first, "app:latest"); err != nil {
		t.Fatalf("first export: %v", err)
	}
	if err := OCILayout(dir, second, "app:latest"); err != nil {
		t.Fatalf("second export: %v", err)
	}
	if err := OCILayout(dir, first, "app:old"); err != nil {
		t.Fatalf("third export: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	var index ocispec.Index
	if err := json.Unmarshal(raw, &index); err != nil {
		t.Fatal(err)
	}
	if len(index.Manifests) != 2 {
		t.Fatalf("expected 2 index entries, got %d", len(index.Manifests))
	}
	byRef := map[string]digest.Digest{}
	for _, m := range index.Manifests {
		byRef[m.Annotations[ocispec.AnnotationRefName]] = m.Digest
	}
	if byRef["app:latest"] != second.Digest() {
		t.Errorf("app:latest not replaced: %s", byRef["app:latest"])
	}
	if byRef["app:old"] != first.Digest() {
		t.Errorf("app:old missing: %v", byRef)
	}
}

func TestTarball(t *testing.T) {
	t.Parallel()

	fin := makeImage(t, map[string]string{"etc/issue": "kiln"})
	path := filepath.Join(t.TempDir(), "image.tar")

	if err := Tarball(path, fin, []string{"example.com/app:v2", "plainrepo"}); err != nil {
		t.Fatalf("Tarball failed: %v", err)
	}

	entries := readTar(t, path)

	var manifests []tarballManifest
	if err := json.Unmarshal(entries["manifest.json"], &manifests); err != nil {
		t.Fatalf("manifest.json: %v", err)
	}
	if len(manifests) != 1 {
		t.Fatalf("expected 1 manifest entry, got %d", len(manifests))
	}
	m := manifests[0]

	wantConfig := fin.ConfigDesc.Digest.Encoded() + ".json"
	if m.Config != wantConfig {
		t.Errorf("config name %q, want %q", m.Config, wantConfig)
	}
	if !bytes.Equal(entries[wantConfig], fin.Config) {
		t.Error("config bytes diverge")
	}
	wantLayer := fin.Layers[0].Digest.Encoded() + ".tar.gz"
	if len(m.Layers) != 1 || m.Layers[0] != wantLayer {
		t.Errorf("layer names %v, want [%s]", m.Layers, wantLayer)
	}
	if _, ok := entries[wantLayer]; !ok {
		t.Error("layer blob missing from archive")
	}
	want := []string{"example.com/app:v2", "plainrepo:latest"}
	if len(m.RepoTags) != 2 || m.RepoTags[0] != want[0] || m.RepoTags[1] != want[1] {
		t.Errorf("repo tags %v, want %v", m.RepoTags, want)
	}
}

func TestTarballRejectsBadTag(t *testing.T) {
	t.Parallel()

	fin := makeImage(t, map[string]string{"f": "x"})
	err := Tarball(filepath.Join(t.TempDir(), "out.tar"), fin, []string{"UPPER CASE BAD"})
	if err == nil {
		t.Fatal("expected error")
	}
	var exportErr *ExportError
	if !errors.As(err, &exportErr) {
		t.Fatalf("expected ExportError, got %T", err)
	}
	if exportErr.Op != "tarball" {
		t.Errorf("op %q", exportErr.Op)
	}
}

func TestExportErrorCarriesLayerDetail(t *testing.T) {
	t.Parallel()

	fin := makeImage(t, map[string]string{"f": "x"})
	// Break the blob so the layer copy fails.
	if err := os.Remove(fin.Layers[0].Path); err != nil {
		t.Fatal(err)
	}

	err := OCILayout(t.TempDir(), fin, "app:broken")
	var exportErr *ExportError
	if !errors.As(err, &exportErr) {
		t.Fatalf("expected ExportError, got %v", err)
	}
	if exportErr.Layer != fin.Layers[0].Digest {
		t.Errorf("layer detail missing: %+v", exportErr)
	}
	if !strings.Contains(exportErr.Error(), "oci-layout") {
		t.Errorf("error misses op: %s", exportErr)
	}
}

func TestDigestFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "digest")
	d := digest.FromString("image")
	if err := DigestFile(path, d); err != nil {
		t.Fatalf("DigestFile failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != d.String()+"\n" {
		t.Errorf("digest file content %q", got)
	}
}

func readTar(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	out := map[string][]byte{}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		raw, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		out[hdr.Name] = raw
	}
}
