package executor

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/go-archive"

	"github.com/0xa1bed0/kiln/internal/buildctx"
	"github.com/0xa1bed0/kiln/internal/dockerfile"
	"github.com/0xa1bed0/kiln/internal/utils"
)

// ownership is the resolved --chown target, or unset.
type ownership struct {
	uid, gid int
	set      bool
}

func (o ownership) apply(p string) error {
	if !o.set {
		return nil
	}
	if err := os.Lchown(p, o.uid, o.gid); err != nil && !os.IsPermission(err) {
		return err
	}
	return nil
}

func (e *Executor) copyFiles(ctx context.Context, v dockerfile.Copy, st *State, extract bool) error {
	srcCtx, err := e.sourceContext(v.From)
	if err != nil {
		return err
	}

	var sources []string
	for _, pattern := range v.Sources {
		rels, err := srcCtx.Resolve(st.Expand(pattern))
		if err != nil {
			return err
		}
		sources = append(sources, rels...)
	}

	own, err := resolveChown(st.Rootfs, st.Expand(v.Chown))
	if err != nil {
		return err
	}
	var mode fs.FileMode
	haveMode := false
	if v.Chmod != "" {
		parsed, err := strconv.ParseUint(v.Chmod, 8, 32)
		if err != nil {
			return fmt.Errorf("executor: bad --chmod value %q: %w", v.Chmod, err)
		}
		mode, haveMode = fs.FileMode(parsed), true
	}

	dest := st.Expand(v.Dest)
	destIsDir := strings.HasSuffix(dest, "/") || len(sources) > 1
	if !path.IsAbs(dest) {
		wd := st.Config.WorkingDir
		if wd == "" {
			wd = "/"
		}
		dest = path.Join(wd, dest)
	}
	destAbs := filepath.Join(st.Rootfs, dest)
	if !utils.IsWithin(st.Rootfs, destAbs) {
		return &buildctx.PathEscapeError{Path: v.Dest}
	}
	if info, err := os.Stat(destAbs); err == nil && info.IsDir() {
		destIsDir = true
	}

	for _, rel := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		srcAbs, err := srcCtx.Abs(rel)
		if err != nil {
			return err
		}
		info, err := os.Lstat(srcAbs)
		if err != nil {
			return fmt.Errorf("executor: source %s: %w", rel, err)
		}

		switch {
		case info.IsDir():
			if err := e.copyTree(srcCtx, rel, destAbs, own, mode, haveMode); err != nil {
				return err
			}
		case extract && info.Mode().IsRegular() && archive.IsArchivePath(srcAbs):
			if err := os.MkdirAll(destAbs, 0o755); err != nil {
				return fmt.Errorf("executor: extract %s: %w", rel, err)
			}
			f, err := os.Open(srcAbs)
			if err != nil {
				return fmt.Errorf("executor: extract %s: %w", rel, err)
			}
			err = archive.Untar(f, destAbs, nil)
			f.Close()
			if err != nil {
				return fmt.Errorf("executor: extract %s: %w", rel, err)
			}
		default:
			target := destAbs
			if destIsDir {
				target = filepath.Join(destAbs, path.Base(rel))
			}
			if err := copyEntry(srcAbs, target, info, own, mode, haveMode); err != nil {
				return fmt.Errorf("executor: copy %s: %w", rel, err)
			}
		}
	}
	return nil
}

// copyTree copies the contents of a directory source into destAbs,
// mirroring docker's semantics: the directory itself is not recreated,
// its children land directly under the destination.
func (e *Executor) copyTree(srcCtx *buildctx.Context, rel, destAbs string, own ownership, mode fs.FileMode, haveMode bool) error {
	return srcCtx.Walk(rel, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		inside := strings.TrimPrefix(strings.TrimPrefix(p, rel), "/")
		target := filepath.Join(destAbs, filepath.FromSlash(inside))

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return err
			}
			return own.apply(target)
		}
		abs, err := srcCtx.Abs(p)
		if err != nil {
			return err
		}
		return copyEntry(abs, target, info, own, mode, haveMode)
	})
}

func copyEntry(srcAbs, target string, info fs.FileInfo, own ownership, mode fs.FileMode, haveMode bool) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		linkTarget, err := os.Readlink(srcAbs)
		if err != nil {
			return err
		}
		_ = os.Remove(target)
		if err := os.Symlink(linkTarget, target); err != nil {
			return err
		}
		return own.apply(target)
	}

	src, err := os.Open(srcAbs)
	if err != nil {
		return err
	}
	defer src.Close()

	perm := info.Mode().Perm()
	if haveMode {
		perm = mode
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	if haveMode {
		// O_CREATE honors umask; force the exact requested bits.
		if err := os.Chmod(target, mode); err != nil {
			return err
		}
	}
	return own.apply(target)
}
