package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/kiln/internal/layer"
	"github.com/0xa1bed0/kiln/internal/logs"
	"github.com/0xa1bed0/kiln/internal/state"
	"github.com/0xa1bed0/kiln/internal/utils"
)

// CorruptionError reports a stored blob whose content no longer matches
// its indexed digest. It is handled inside the store (entry purged, the
// lookup reports a miss) and never escapes to callers.
type CorruptionError struct {
	Key  digest.Digest
	Want digest.Digest
	Got  digest.Digest
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("cache: blob for key %s is corrupt: indexed %s, found %s", e.Key, e.Want, e.Got)
}

// Options configures an on-disk layer store.
type Options struct {
	// Dir is the cache root; blobs and the sqlite index live under it.
	Dir string
	// Capacity is the byte budget for stored blobs. Zero disables
	// eviction.
	Capacity int64
}

// Store is the shared, content-addressed layer cache: a blob directory
// plus a sqlite index with last_used ordering. Safe for concurrent use
// from multiple builds and processes; mutation goes through an atomic
// rename and a lock file.
type Store struct {
	dir      string
	capacity int64
	db       *state.DB
	idx      *state.LayerIndex
	lock     FSMutex

	mu   sync.Mutex
	pins map[digest.Digest]int
}

const lockTryLimit = 200

// Open opens (or initializes) the cache rooted at opts.Dir.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("cache: dir is required")
	}
	for _, sub := range []string{"blobs", "tmp", "pins"} {
		if err := os.MkdirAll(filepath.Join(opts.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("cache: init %s: %w", opts.Dir, err)
		}
	}

	db, err := state.Open(ctx, state.Config{Path: filepath.Join(opts.Dir, "index.db")})
	if err != nil {
		return nil, err
	}
	idx, err := state.NewLayerIndex(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		dir:      opts.Dir,
		capacity: opts.Capacity,
		db:       db,
		idx:      idx,
		lock:     NewFSMutex(filepath.Join(opts.Dir, "cache.lock")),
		pins:     map[digest.Digest]int{},
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// BlobPath returns where the blob with the given content digest lives.
func (s *Store) BlobPath(d digest.Digest) string {
	return filepath.Join(s.dir, "blobs", d.Encoded()+".tar.gz")
}

// Lookup returns the stored layer for key and the path of its blob.
// The blob is re-digested before being handed out; a mismatch purges the
// entry and reports a plain miss. A hit comes back pinned on behalf of
// the caller, so no concurrent eviction can delete the blob before it
// is read; release with Unpin.
func (s *Store) Lookup(ctx context.Context, key digest.Digest) (layer.Layer, string, bool, error) {
	entry, found, err := s.idx.Get(ctx, key)
	if err != nil {
		return layer.Layer{}, "", false, err
	}
	if !found {
		return layer.Layer{}, "", false, nil
	}
	s.Pin(key)

	path := s.BlobPath(entry.Digest)
	got, err := digestFile(path)
	if err != nil {
		logs.Warnf("cache: blob for %s unreadable, treating as miss: %v", key, err)
		s.Unpin(key)
		s.purge(ctx, entry)
		return layer.Layer{}, "", false, nil
	}
	if got != entry.Digest {
		cerr := &CorruptionError{Key: key, Want: entry.Digest, Got: got}
		logs.Warnf("%v", cerr)
		s.Unpin(key)
		s.purge(ctx, entry)
		return layer.Layer{}, "", false, nil
	}

	l := layer.Layer{Digest: entry.Digest, DiffID: entry.DiffID, Size: entry.Size}
	return l, path, true, nil
}

// Store writes the blob read from src under key. The write lands in a
// temp file and is renamed into place, so a crash never leaves a partial
// blob visible. If the key is already present the src is discarded and
// the existing entry wins. On success the entry is pinned on behalf of
// the caller; release with Unpin.
func (s *Store) Store(ctx context.Context, key digest.Digest, l layer.Layer, src io.Reader) error {
	if err := s.lock.Lock(lockTryLimit); err != nil {
		return err
	}
	defer s.lock.Unlock()

	if _, found, err := s.idx.Get(ctx, key); err != nil {
		return err
	} else if found {
		// First writer wins; an identical racing store is a no-op.
		s.Pin(key)
		return nil
	}

	dest := s.BlobPath(l.Digest)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		if err := s.writeBlob(dest, l.Digest, src); err != nil {
			return err
		}
	}

	err := s.idx.Upsert(ctx, state.LayerEntry{
		Key:    key,
		Digest: l.Digest,
		DiffID: l.DiffID,
		Size:   l.Size,
	})
	if err != nil {
		return err
	}

	// Pin before evicting so the entry just written cannot fall out of
	// its own store call, nor out of a racing build's.
	s.Pin(key)
	return s.evict(ctx)
}

func (s *Store) writeBlob(dest string, want digest.Digest, src io.Reader) error {
	tmp := filepath.Join(s.dir, "tmp", "blob-"+utils.RandomHex(8))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cache: write blob: %w", err)
	}
	defer os.Remove(tmp)

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(io.MultiWriter(f, digester.Hash()), src); err != nil {
		f.Close()
		return fmt.Errorf("cache: write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cache: write blob: %w", err)
	}
	if got := digester.Digest(); got != want {
		return fmt.Errorf("cache: blob content digests to %s, caller claimed %s", got, want)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("cache: commit blob: %w", err)
	}
	return nil
}

// A crashed build leaves its pin files behind; anything older than this
// is treated as abandoned. Pins are held for a build's whole duration,
// so the window is far wider than the lock's.
const pinStaleAfter = 2 * time.Hour

func (s *Store) pinPath(key digest.Digest) string {
	return filepath.Join(s.dir, "pins", key.Encoded()+".pin")
}

// Pin marks a key as referenced by an in-flight build; pinned entries
// survive eviction until the matching Unpin. The pin is also stamped
// into a pin file so eviction in other processes honors it.
func (s *Store) Pin(key digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[key]++
	if s.pins[key] > 1 {
		return
	}
	f, err := os.OpenFile(s.pinPath(key), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		logs.Warnf("cache: stamp pin for %s: %v", key, err)
		return
	}
	_, _ = fmt.Fprintf(f, "%d\n%d\n", os.Getpid(), time.Now().Unix())
	_ = f.Close()
}

func (s *Store) Unpin(key digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins[key] == 0 {
		return
	}
	if s.pins[key] == 1 {
		delete(s.pins, key)
		// Best effort across processes: overlapping builds pinning the
		// same key share one file, and the last unpin drops it.
		_ = os.Remove(s.pinPath(key))
		return
	}
	s.pins[key]--
}

func (s *Store) pinned(key digest.Digest) bool {
	s.mu.Lock()
	n := s.pins[key]
	s.mu.Unlock()
	if n > 0 {
		return true
	}

	info, err := os.Stat(s.pinPath(key))
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) > pinStaleAfter {
		_ = os.Remove(s.pinPath(key))
		return false
	}
	return true
}

// evict drops least-recently-used entries until total size fits the
// capacity. Pinned entries are skipped; if only pinned entries remain
// the cache is allowed to run over budget.
func (s *Store) evict(ctx context.Context) error {
	if s.capacity <= 0 {
		return nil
	}
	total, err := s.idx.TotalSize(ctx)
	if err != nil {
		return err
	}
	if total <= s.capacity {
		return nil
	}

	entries, err := s.idx.LeastRecentlyUsed(ctx, 256)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if total <= s.capacity {
			break
		}
		if s.pinned(e.Key) {
			continue
		}
		s.purge(ctx, e)
		total -= e.Size
		logs.Debugf("cache: evicted %s (%d bytes)", e.Key, e.Size)
	}
	return nil
}

// purge drops one entry: index row first, then the blob, unless another
// key still references the same blob digest.
func (s *Store) purge(ctx context.Context, e state.LayerEntry) {
	if err := s.idx.Delete(ctx, e.Key); err != nil {
		logs.Warnf("cache: drop index row %s: %v", e.Key, err)
		return
	}
	refs, err := s.idx.DigestRefs(ctx, e.Digest)
	if err != nil {
		logs.Warnf("cache: count refs for %s: %v", e.Digest, err)
		return
	}
	if refs > 0 {
		return
	}
	_ = os.Remove(s.BlobPath(e.Digest))
}

// Stats reports entry count and total blob bytes.
func (s *Store) Stats(ctx context.Context) (count, bytes int64, err error) {
	if count, err = s.idx.Count(ctx); err != nil {
		return 0, 0, err
	}
	if bytes, err = s.idx.TotalSize(ctx); err != nil {
		return 0, 0, err
	}
	return count, bytes, nil
}

// Prune removes every cached layer and blob.
func (s *Store) Prune(ctx context.Context) (removed int64, err error) {
	if err := s.lock.Lock(lockTryLimit); err != nil {
		return 0, err
	}
	defer s.lock.Unlock()

	removed, err = s.idx.Clear(ctx)
	if err != nil {
		return 0, err
	}

	blobDir := filepath.Join(s.dir, "blobs")
	entries, err := os.ReadDir(blobDir)
	if err != nil {
		return removed, fmt.Errorf("cache: prune blobs: %w", err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(blobDir, e.Name())); err != nil {
			return removed, fmt.Errorf("cache: prune blobs: %w", err)
		}
	}
	return removed, nil
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.FromReader(f)
}
