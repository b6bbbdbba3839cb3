package layer

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/moby/go-archive"

	"github.com/0xa1bed0/kiln/internal/utils"
)

// Apply extracts a gzipped layer tar onto rootfs, honoring whiteout
// markers: `.wh.<name>` removes <name> from the tree and the opaque
// marker clears a directory before its new content lands. Entry paths
// are containment-checked against rootfs.
func Apply(rootfs string, r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("layer: open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("layer: read tar: %w", err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if err := applyEntry(rootfs, hdr, tr); err != nil {
			return fmt.Errorf("layer: apply %s: %w", hdr.Name, err)
		}
	}
	return nil
}

func applyEntry(rootfs string, hdr *tar.Header, content io.Reader) error {
	name := filepath.ToSlash(filepath.Clean(hdr.Name))
	base := filepath.Base(name)
	dir := filepath.Dir(name)

	if base == archive.WhiteoutOpaqueDir {
		abs, err := containedPath(rootfs, dir)
		if err != nil {
			return err
		}
		return clearDir(abs)
	}
	if strings.HasPrefix(base, archive.WhiteoutPrefix) {
		target := filepath.Join(dir, strings.TrimPrefix(base, archive.WhiteoutPrefix))
		abs, err := containedPath(rootfs, target)
		if err != nil {
			return err
		}
		return os.RemoveAll(abs)
	}

	abs, err := containedPath(rootfs, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(abs, hdr.FileInfo().Mode().Perm()); err != nil {
			return err
		}
	case tar.TypeReg:
		if err := writeFile(abs, hdr, content); err != nil {
			return err
		}
	case tar.TypeSymlink:
		if err := replace(abs, func() error { return os.Symlink(hdr.Linkname, abs) }); err != nil {
			return err
		}
		return chownLink(abs, hdr)
	case tar.TypeLink:
		linkTarget, err := containedPath(rootfs, hdr.Linkname)
		if err != nil {
			return err
		}
		return replace(abs, func() error { return os.Link(linkTarget, abs) })
	default:
		// Devices, fifos and sockets need privileges we may not have;
		// they are skipped rather than failing the whole extraction.
		return nil
	}

	return restoreMeta(abs, hdr)
}

func containedPath(rootfs, rel string) (string, error) {
	abs := filepath.Join(rootfs, filepath.FromSlash(rel))
	if !utils.IsWithin(rootfs, abs) {
		return "", fmt.Errorf("entry path %q escapes the rootfs", rel)
	}
	return abs, nil
}

func writeFile(abs string, hdr *tar.Header, content io.Reader) error {
	if info, err := os.Lstat(abs); err == nil && info.IsDir() {
		if err := os.RemoveAll(abs); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// replace runs create after removing whatever occupies its path.
func replace(abs string, create func() error) error {
	if err := create(); err == nil {
		return nil
	}
	if err := os.RemoveAll(abs); err != nil {
		return err
	}
	return create()
}

func clearDir(abs string) error {
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(abs, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func restoreMeta(abs string, hdr *tar.Header) error {
	// Ownership restore needs privileges; without them the extracted
	// tree is still usable, so EPERM is ignored.
	if err := os.Chown(abs, hdr.Uid, hdr.Gid); err != nil && !os.IsPermission(err) {
		return err
	}
	if err := os.Chmod(abs, hdr.FileInfo().Mode().Perm()); err != nil {
		return err
	}
	if !hdr.ModTime.IsZero() {
		mt := hdr.ModTime
		if err := os.Chtimes(abs, time.Time{}, mt); err != nil {
			return err
		}
	}
	return nil
}

func chownLink(abs string, hdr *tar.Header) error {
	if err := os.Lchown(abs, hdr.Uid, hdr.Gid); err != nil && !os.IsPermission(err) {
		return err
	}
	return nil
}
