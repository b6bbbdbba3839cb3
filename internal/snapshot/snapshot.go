package snapshot

import (
	"fmt"
	"io/fs"
	"time"

	"github.com/opencontainers/go-digest"
)

// Mode selects how file changes are detected between snapshots.
type Mode string

const (
	// ModeFull hashes file content; mtime+size only short-circuit the
	// hash when a prior snapshot is available.
	ModeFull Mode = "full"
	// ModeTime trusts mtime+size alone and reuses the prior digest for
	// files whose mtime did not move.
	ModeTime Mode = "time"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeTime:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("snapshot: unknown snapshot mode %q", s)
	}
}

// FileRecord is the state of one filesystem entry at snapshot time.
// Digest is set for regular files only; symlinks carry Linkname, and a
// hard link to an already-recorded file carries HardlinkTo instead of
// its own digest.
type FileRecord struct {
	Path       string
	Mode       fs.FileMode
	UID        int
	GID        int
	Size       int64
	ModTime    time.Time
	Digest     digest.Digest
	Linkname   string
	HardlinkTo string
}

// changedFrom reports whether the record differs from a prior record of
// the same path in a way that must appear in a layer.
func (r FileRecord) changedFrom(prev FileRecord) bool {
	if r.Mode != prev.Mode || r.UID != prev.UID || r.GID != prev.GID {
		return true
	}
	if r.Linkname != prev.Linkname || r.HardlinkTo != prev.HardlinkTo {
		return true
	}
	if r.Mode.IsRegular() && (r.Digest != prev.Digest || r.Size != prev.Size) {
		return true
	}
	return false
}

// Warning records a path the walker could not fully read. The walk
// continues past it, but any diff built from the snapshot is no longer
// safe to cache.
type Warning struct {
	Path string
	Err  error
}

func (w Warning) String() string {
	return fmt.Sprintf("snapshot: skipped %s: %v", w.Path, w.Err)
}

// Snapshot is the complete recorded state of a rootfs tree. Records are
// keyed by slash-separated path relative to the root; a path appears at
// most once.
type Snapshot struct {
	Root     string
	Records  map[string]FileRecord
	Warnings []Warning
	TakenAt  time.Time
}

// Cacheable reports whether a diff of this snapshot may be stored in the
// layer cache. Any walk warning means parts of the tree are unobserved.
func (s *Snapshot) Cacheable() bool {
	return len(s.Warnings) == 0
}

// LayerDiff is the change set between two snapshots. The three sets are
// disjoint and each is sorted by path.
type LayerDiff struct {
	Added    []string
	Modified []string
	Deleted  []string
	// Cacheable is false when either input snapshot carried warnings.
	Cacheable bool
}

func (d LayerDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

func (d LayerDiff) String() string {
	return fmt.Sprintf("%d added, %d modified, %d deleted", len(d.Added), len(d.Modified), len(d.Deleted))
}
