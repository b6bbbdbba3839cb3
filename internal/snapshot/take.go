package snapshot

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/0xa1bed0/kiln/internal/fsops"
)

// Taker walks rootfs trees into Snapshots. The zero value uses ModeFull,
// one hashing worker per CPU and the real filesystem.
type Taker struct {
	Mode    Mode
	Workers int
	// Walker overrides directory traversal; tests inject failures here.
	Walker fsops.DirWalker
}

type inodeKey struct {
	dev uint64
	ino uint64
}

type hashJob struct {
	idx int
	abs string
}

// Take records the state of every entry under root. prior, when non-nil,
// lets unchanged files skip rehashing (mtime+size in ModeFull, mtime in
// ModeTime). Unreadable paths become Warnings and the walk continues.
func (t *Taker) Take(ctx context.Context, root string) (*Snapshot, error) {
	return t.TakeAgainst(ctx, root, nil)
}

func (t *Taker) TakeAgainst(ctx context.Context, root string, prior *Snapshot) (*Snapshot, error) {
	mode := t.Mode
	if mode == "" {
		mode = ModeFull
	}
	workers := t.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	snap := &Snapshot{
		Root:    root,
		Records: map[string]FileRecord{},
		TakenAt: time.Now(),
	}

	var (
		records []FileRecord
		jobs    []hashJob
		inodes  = map[inodeKey]string{}
	)

	walker := t.Walker
	if walker == nil {
		walker = fsops.DefaultOps().Walker
	}
	err := walker.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if err != nil {
			snap.Warnings = append(snap.Warnings, Warning{Path: rel, Err: err})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			snap.Warnings = append(snap.Warnings, Warning{Path: rel, Err: err})
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rec := FileRecord{
			Path:    rel,
			Mode:    info.Mode(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		if ok {
			rec.UID = int(st.Uid)
			rec.GID = int(st.Gid)
		}

		switch {
		case rec.Mode.IsRegular():
			if ok && st.Nlink > 1 {
				key := inodeKey{dev: uint64(st.Dev), ino: st.Ino}
				if first, seen := inodes[key]; seen {
					rec.HardlinkTo = first
					break
				}
				inodes[key] = rel
			}
			if prev, hit := t.priorDigest(prior, rec, mode); hit {
				rec.Digest = prev
				break
			}
			jobs = append(jobs, hashJob{idx: len(records), abs: p})
		case rec.Mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				snap.Warnings = append(snap.Warnings, Warning{Path: rel, Err: err})
				return nil
			}
			rec.Linkname = target
		}
		// Directories and special files (devices, fifos, sockets) are
		// recorded by metadata alone.

		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: walk %s: %w", root, err)
	}

	var warnMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, job := range jobs {
		g.Go(func() error {
			if cerr := gctx.Err(); cerr != nil {
				return cerr
			}
			dgst, err := hashFile(job.abs)
			if err != nil {
				warnMu.Lock()
				snap.Warnings = append(snap.Warnings, Warning{Path: records[job.idx].Path, Err: err})
				warnMu.Unlock()
				return nil
			}
			records[job.idx].Digest = dgst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot: hash %s: %w", root, err)
	}

	for _, rec := range records {
		if _, dup := snap.Records[rec.Path]; dup {
			return nil, fmt.Errorf("snapshot: duplicate path %s", rec.Path)
		}
		snap.Records[rec.Path] = rec
	}
	return snap, nil
}

// priorDigest returns the prior snapshot's digest for rec's path when the
// cheap metadata comparison says content cannot have changed.
func (t *Taker) priorDigest(prior *Snapshot, rec FileRecord, mode Mode) (digest.Digest, bool) {
	if prior == nil {
		return "", false
	}
	prev, ok := prior.Records[rec.Path]
	if !ok || !prev.Mode.IsRegular() || prev.Digest == "" {
		return "", false
	}
	if !prev.ModTime.Equal(rec.ModTime) {
		return "", false
	}
	if mode == ModeFull && prev.Size != rec.Size {
		return "", false
	}
	return prev.Digest, true
}

func hashFile(abs string) (digest.Digest, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.FromReader(f)
}
