package layer

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/moby/go-archive"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/0xa1bed0/kiln/internal/snapshot"
)

// Layer identifies one committed change set. Digest addresses the
// compressed blob as stored, DiffID the uncompressed tar stream as it
// appears in the image config's rootfs section.
type Layer struct {
	Digest digest.Digest
	DiffID digest.Digest
	Size   int64
}

func (l Layer) Descriptor() ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayerGzip,
		Digest:    l.Digest,
		Size:      l.Size,
	}
}

// Options controls layer serialization.
type Options struct {
	// Reproducible zeroes all timestamps in the tar stream so identical
	// change sets serialize to identical bytes regardless of build time.
	Reproducible bool
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Write serializes a diff of the tree under rootfs as a gzipped tar to w.
// Added and modified entries are read from disk; deleted paths become
// whiteout markers in the archive. Entries are emitted in path order so
// the stream is deterministic for a given change set.
func Write(w io.Writer, rootfs string, snap *snapshot.Snapshot, diff snapshot.LayerDiff, opts Options) (Layer, error) {
	type entry struct {
		path    string
		deleted bool
	}
	entries := make([]entry, 0, len(diff.Added)+len(diff.Modified)+len(diff.Deleted))
	for _, p := range diff.Added {
		entries = append(entries, entry{path: p})
	}
	for _, p := range diff.Modified {
		entries = append(entries, entry{path: p})
	}
	for _, p := range diff.Deleted {
		entries = append(entries, entry{path: p, deleted: true})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	counted := &countingWriter{w: w}
	blobDigester := digest.Canonical.Digester()
	gz := gzip.NewWriter(io.MultiWriter(counted, blobDigester.Hash()))
	diffDigester := digest.Canonical.Digester()
	tw := tar.NewWriter(io.MultiWriter(gz, diffDigester.Hash()))

	for _, e := range entries {
		if e.deleted {
			if err := writeWhiteout(tw, e.path, opts); err != nil {
				return Layer{}, fmt.Errorf("layer: whiteout %s: %w", e.path, err)
			}
			continue
		}
		rec, ok := snap.Records[e.path]
		if !ok {
			return Layer{}, fmt.Errorf("layer: diff path %s missing from snapshot", e.path)
		}
		if err := writeEntry(tw, rootfs, rec, opts); err != nil {
			return Layer{}, fmt.Errorf("layer: add %s: %w", e.path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return Layer{}, fmt.Errorf("layer: close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return Layer{}, fmt.Errorf("layer: close gzip: %w", err)
	}

	return Layer{
		Digest: blobDigester.Digest(),
		DiffID: diffDigester.Digest(),
		Size:   counted.n,
	}, nil
}

func writeWhiteout(tw *tar.Writer, p string, opts Options) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     path.Join(path.Dir(p), archive.WhiteoutPrefix+path.Base(p)),
		Size:     0,
		Mode:     0,
		Format:   tar.FormatPAX,
	}
	if !opts.Reproducible {
		hdr.ModTime = time.Now()
	}
	normalizeTimes(hdr, opts)
	return tw.WriteHeader(hdr)
}

func writeEntry(tw *tar.Writer, rootfs string, rec snapshot.FileRecord, opts Options) error {
	abs := filepath.Join(rootfs, filepath.FromSlash(rec.Path))
	info, err := os.Lstat(abs)
	if err != nil {
		return err
	}

	link := rec.Linkname
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = rec.Path
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uid = rec.UID
	hdr.Gid = rec.GID
	hdr.Uname = ""
	hdr.Gname = ""
	hdr.Format = tar.FormatPAX

	if rec.HardlinkTo != "" {
		hdr.Typeflag = tar.TypeLink
		hdr.Linkname = rec.HardlinkTo
		hdr.Size = 0
	}
	normalizeTimes(hdr, opts)

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if hdr.Typeflag != tar.TypeReg || hdr.Size == 0 {
		return nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.CopyN(tw, f, hdr.Size); err != nil {
		return err
	}
	return nil
}

func normalizeTimes(hdr *tar.Header, opts Options) {
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}
	if opts.Reproducible {
		hdr.ModTime = time.Unix(0, 0).UTC()
	}
}
