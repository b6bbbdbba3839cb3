package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/kiln/internal/version"
)

// LayerEntry is one cached layer record: cache key -> stored blob.
type LayerEntry struct {
	Key       digest.Digest
	Digest    digest.Digest
	DiffID    digest.Digest
	Size      int64
	CreatedAt time.Time
	LastUsed  time.Time
}

// LayerIndex is the sqlite-backed index over the blob directory. The
// blobs themselves live on disk; the index holds the key mapping plus
// last_used ordering for eviction.
type LayerIndex struct {
	db *DB
}

// NewLayerIndex creates the index, ensures the schema exists, and
// verifies the on-disk format version is one this binary understands.
func NewLayerIndex(ctx context.Context, database *DB) (*LayerIndex, error) {
	if database == nil {
		return nil, fmt.Errorf("layer_index: database is required")
	}
	s := &LayerIndex{db: database}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if err := s.checkFormatVersion(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LayerIndex) ensureSchema(ctx context.Context) error {
	const createTables = `
CREATE TABLE IF NOT EXISTS layers (
	key        TEXT PRIMARY KEY,
	digest     TEXT NOT NULL,
	diff_id    TEXT NOT NULL,
	size       INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	last_used  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS layers_last_used ON layers (last_used);
CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`
	if _, err := s.db.Raw().ExecContext(ctx, createTables); err != nil {
		return fmt.Errorf("layer_index: ensure schema: %w", err)
	}
	return nil
}

func (s *LayerIndex) checkFormatVersion(ctx context.Context) error {
	const q = `SELECT v FROM meta WHERE k = 'format_version'`
	var stored string
	err := s.db.Raw().QueryRowContext(ctx, q).Scan(&stored)
	if err == sql.ErrNoRows {
		const stmt = `INSERT INTO meta (k, v) VALUES ('format_version', ?)`
		if _, err := s.db.Raw().ExecContext(ctx, stmt, version.CacheFormatVersion); err != nil {
			return fmt.Errorf("layer_index: stamp format version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("layer_index: read format version: %w", err)
	}

	v, err := semver.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("layer_index: stored format version %q: %w", stored, err)
	}
	constraint, err := semver.NewConstraint(version.CacheFormatConstraint)
	if err != nil {
		return fmt.Errorf("layer_index: format constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("layer_index: cache format %s is not supported by this binary (want %s); clear the cache directory", stored, version.CacheFormatConstraint)
	}
	return nil
}

// Get returns the entry for the given key and touches its last_used
// stamp. found == false means "no row".
func (s *LayerIndex) Get(ctx context.Context, key digest.Digest) (entry LayerEntry, found bool, err error) {
	const q = `
SELECT key, digest, diff_id, size, created_at, last_used
FROM layers
WHERE key = ?
`
	row := s.db.Raw().QueryRowContext(ctx, q, key.String())

	var k, dgst, diffID string
	var createdAtUnix, lastUsedUnix int64
	if err = row.Scan(&k, &dgst, &diffID, &entry.Size, &createdAtUnix, &lastUsedUnix); err != nil {
		if err == sql.ErrNoRows {
			return LayerEntry{}, false, nil
		}
		return LayerEntry{}, false, fmt.Errorf("layer_index: get: %w", err)
	}

	entry.Key = digest.Digest(k)
	entry.Digest = digest.Digest(dgst)
	entry.DiffID = digest.Digest(diffID)
	entry.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	entry.LastUsed = time.Unix(lastUsedUnix, 0).UTC()

	_ = s.Touch(ctx, key)

	return entry, true, nil
}

// Upsert records the blob for a key. A racing identical store keeps the
// first writer's row and only bumps last_used.
func (s *LayerIndex) Upsert(ctx context.Context, entry LayerEntry) error {
	const stmt = `
INSERT INTO layers (key, digest, diff_id, size, created_at, last_used)
VALUES (?, ?, ?, ?, strftime('%s','now'), strftime('%s','now'))
ON CONFLICT(key) DO UPDATE SET
	last_used = strftime('%s','now');
`
	if _, err := s.db.Raw().ExecContext(ctx, stmt,
		entry.Key.String(), entry.Digest.String(), entry.DiffID.String(), entry.Size); err != nil {
		return fmt.Errorf("layer_index: upsert: %w", err)
	}
	return nil
}

// Touch updates last_used for a given key if it exists.
// No-op if the row doesn't exist.
func (s *LayerIndex) Touch(ctx context.Context, key digest.Digest) error {
	const stmt = `
UPDATE layers
SET last_used = strftime('%s','now')
WHERE key = ?;
`
	if _, err := s.db.Raw().ExecContext(ctx, stmt, key.String()); err != nil {
		return fmt.Errorf("layer_index: touch: %w", err)
	}
	return nil
}

// Delete removes the entry for the given key, if any.
func (s *LayerIndex) Delete(ctx context.Context, key digest.Digest) error {
	const stmt = `DELETE FROM layers WHERE key = ?`
	if _, err := s.db.Raw().ExecContext(ctx, stmt, key.String()); err != nil {
		return fmt.Errorf("layer_index: delete: %w", err)
	}
	return nil
}

// DigestRefs counts how many keys still reference the given blob
// digest. Blob removal is only safe at zero.
func (s *LayerIndex) DigestRefs(ctx context.Context, d digest.Digest) (int64, error) {
	const q = `SELECT COUNT(*) FROM layers WHERE digest = ?`
	var n int64
	if err := s.db.Raw().QueryRowContext(ctx, q, d.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("layer_index: digest refs: %w", err)
	}
	return n, nil
}

// TotalSize sums the size of all indexed blobs.
func (s *LayerIndex) TotalSize(ctx context.Context) (int64, error) {
	const q = `SELECT COALESCE(SUM(size), 0) FROM layers`
	var total int64
	if err := s.db.Raw().QueryRowContext(ctx, q).Scan(&total); err != nil {
		return 0, fmt.Errorf("layer_index: total size: %w", err)
	}
	return total, nil
}

// Count returns the number of indexed layers.
func (s *LayerIndex) Count(ctx context.Context) (int64, error) {
	const q = `SELECT COUNT(*) FROM layers`
	var n int64
	if err := s.db.Raw().QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("layer_index: count: %w", err)
	}
	return n, nil
}

// LeastRecentlyUsed returns up to limit entries ordered oldest first.
func (s *LayerIndex) LeastRecentlyUsed(ctx context.Context, limit int) ([]LayerEntry, error) {
	const q = `
SELECT key, digest, diff_id, size, created_at, last_used
FROM layers
ORDER BY last_used ASC, key ASC
LIMIT ?
`
	rows, err := s.db.Raw().QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("layer_index: lru scan: %w", err)
	}
	defer rows.Close()

	var entries []LayerEntry
	for rows.Next() {
		var e LayerEntry
		var k, dgst, diffID string
		var createdAtUnix, lastUsedUnix int64
		if err := rows.Scan(&k, &dgst, &diffID, &e.Size, &createdAtUnix, &lastUsedUnix); err != nil {
			return nil, fmt.Errorf("layer_index: lru scan: %w", err)
		}
		e.Key = digest.Digest(k)
		e.Digest = digest.Digest(dgst)
		e.DiffID = digest.Digest(diffID)
		e.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		e.LastUsed = time.Unix(lastUsedUnix, 0).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("layer_index: lru scan: %w", err)
	}
	return entries, nil
}

// Clear drops every layer row. Used by cache prune; blob removal is the
// caller's job.
func (s *LayerIndex) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.Raw().ExecContext(ctx, `DELETE FROM layers`)
	if err != nil {
		return 0, fmt.Errorf("layer_index: clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
