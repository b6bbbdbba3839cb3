package export

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/distribution/reference"

	"github.com/0xa1bed0/kiln/internal/image"
)

// tarballManifest is the docker save manifest.json schema.
type tarballManifest struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Tarball writes the image as a docker-loadable archive at path. Tags
// must be parseable image references; they become the archive's
// RepoTags in familiar form.
func Tarball(path string, fin image.Finalized, tags []string) error {
	wrap := func(err error) error {
		return &ExportError{Op: "tarball", Ref: path, Err: err}
	}

	repoTags := make([]string, 0, len(tags))
	for _, tag := range tags {
		named, err := reference.ParseNormalizedNamed(tag)
		if err != nil {
			return wrap(fmt.Errorf("bad tag %q: %w", tag, err))
		}
		repoTags = append(repoTags, reference.FamiliarString(reference.TagNameOnly(named)))
	}

	f, err := os.Create(path)
	if err != nil {
		return wrap(err)
	}
	tw := tar.NewWriter(f)

	configName := fin.ConfigDesc.Digest.Encoded() + ".json"
	if err := writeTarEntry(tw, configName, fin.Config); err != nil {
		f.Close()
		return wrap(err)
	}

	layerNames := make([]string, len(fin.Layers))
	for i, src := range fin.Layers {
		layerNames[i] = src.Digest.Encoded() + ".tar.gz"
		if err := writeTarFile(tw, layerNames[i], src.Path); err != nil {
			f.Close()
			return &ExportError{Op: "tarball", Ref: path, Layer: src.Digest, Err: err}
		}
	}

	manifest, err := json.Marshal([]tarballManifest{{
		Config:   configName,
		RepoTags: repoTags,
		Layers:   layerNames,
	}})
	if err != nil {
		f.Close()
		return wrap(err)
	}
	if err := writeTarEntry(tw, "manifest.json", manifest); err != nil {
		f.Close()
		return wrap(err)
	}

	if err := tw.Close(); err != nil {
		f.Close()
		return wrap(err)
	}
	if err := f.Close(); err != nil {
		return wrap(err)
	}
	return nil
}

func writeTarEntry(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

func writeTarFile(tw *tar.Writer, name, src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(tw, in)
	return err
}
