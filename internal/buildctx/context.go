package buildctx

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"

	"github.com/0xa1bed0/kiln/internal/utils"
)

// PathEscapeError reports a COPY/ADD source that resolves outside the
// build context root.
type PathEscapeError struct {
	Path string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("buildctx: path %q escapes the build context", e.Path)
}

// Context is the directory tree COPY/ADD sources are resolved against.
// A .dockerignore file at its root masks paths from resolution.
type Context struct {
	root    string
	matcher *patternmatcher.PatternMatcher
}

// Open roots a build context at dir. The directory must exist; symlinks
// in dir itself are resolved once so later containment checks compare
// real paths.
func Open(dir string) (*Context, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("buildctx: open %s: %w", dir, err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("buildctx: open %s: %w", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("buildctx: open %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("buildctx: context %s is not a directory", dir)
	}

	c := &Context{root: root}

	f, err := os.Open(filepath.Join(root, ".dockerignore"))
	switch {
	case err == nil:
		defer f.Close()
		patterns, err := ignorefile.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("buildctx: read .dockerignore: %w", err)
		}
		pm, err := patternmatcher.New(patterns)
		if err != nil {
			return nil, fmt.Errorf("buildctx: parse .dockerignore: %w", err)
		}
		c.matcher = pm
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("buildctx: read .dockerignore: %w", err)
	}

	return c, nil
}

func (c *Context) Root() string {
	return c.root
}

// Excluded reports whether the context-relative path is masked by the
// context's .dockerignore.
func (c *Context) Excluded(rel string) bool {
	if c.matcher == nil {
		return false
	}
	ok, err := c.matcher.MatchesOrParentMatches(filepath.ToSlash(rel))
	if err != nil {
		return false
	}
	return ok
}

// Abs resolves a context-relative path to an absolute path under the
// context root. A path that leaves the root, either lexically or through
// a symlinked parent, is rejected with PathEscapeError. A leading slash
// is treated as context-root relative.
func (c *Context) Abs(rel string) (string, error) {
	joined := filepath.Join(c.root, rel)
	if !utils.IsWithin(c.root, joined) {
		return "", &PathEscapeError{Path: rel}
	}
	if joined == c.root {
		// "." and "/" resolve to the root itself, which Open already
		// symlink-resolved; its parent is outside the context.
		return joined, nil
	}

	// The final element may be a not-yet-existing file or a symlink we
	// want to reference, not follow. Resolving the parent is enough to
	// catch symlinked escape hatches.
	resolvedDir, err := filepath.EvalSymlinks(filepath.Dir(joined))
	if err != nil {
		if os.IsNotExist(err) {
			return joined, nil
		}
		return "", fmt.Errorf("buildctx: resolve %s: %w", rel, err)
	}
	if !utils.IsWithin(c.root, resolvedDir) {
		return "", &PathEscapeError{Path: rel}
	}
	return joined, nil
}

// Resolve expands a COPY/ADD source pattern against the context root and
// returns the matching context-relative paths in sorted order, with
// ignored entries filtered out. A pattern matching nothing is an error.
func (c *Context) Resolve(pattern string) ([]string, error) {
	abs, err := c.Abs(pattern)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(abs)
	if err != nil {
		return nil, fmt.Errorf("buildctx: bad source pattern %q: %w", pattern, err)
	}

	var rels []string
	for _, m := range matches {
		rel, err := filepath.Rel(c.root, m)
		if err != nil {
			return nil, fmt.Errorf("buildctx: resolve %s: %w", m, err)
		}
		if c.Excluded(rel) {
			continue
		}
		rels = append(rels, filepath.ToSlash(rel))
	}
	sort.Strings(rels)

	if len(rels) == 0 {
		return nil, fmt.Errorf("buildctx: source %q matched nothing in the build context", pattern)
	}
	return rels, nil
}

// Walk visits every entry under the context-relative path rel, calling fn
// with context-relative paths. Subtrees masked by .dockerignore are
// skipped entirely.
func (c *Context) Walk(rel string, fn fs.WalkDirFunc) error {
	abs, err := c.Abs(rel)
	if err != nil {
		return err
	}
	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		r, rerr := filepath.Rel(c.root, p)
		if rerr != nil {
			return rerr
		}
		if r != "." && c.Excluded(r) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(filepath.ToSlash(r), d, nil)
	})
}
