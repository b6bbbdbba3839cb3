package builder

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// copyTree replicates the contents of src into dst, preserving modes,
// symlink targets and, where permitted, ownership. dst must already
// exist. Used to seed a stage rootfs from a committed earlier stage.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(link, target); err != nil {
				return err
			}
			copyOwner(info, target, true)
			return nil
		case info.Mode().IsRegular():
			if err := copyRegular(p, target, info.Mode().Perm()); err != nil {
				return err
			}
		default:
			// Devices and fifos do not appear in image layers, skip.
			return nil
		}
		copyOwner(info, target, false)
		return os.Chtimes(target, info.ModTime(), info.ModTime())
	})
}

func copyRegular(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}

// copyOwner carries uid/gid over when running as root and stays quiet
// otherwise, mirroring how unprivileged extraction behaves.
func copyOwner(info fs.FileInfo, target string, symlink bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	if symlink {
		_ = os.Lchown(target, int(st.Uid), int(st.Gid))
		return
	}
	_ = os.Chown(target, int(st.Uid), int(st.Gid))
}
