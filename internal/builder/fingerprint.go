package builder

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/kiln/internal/buildctx"
	"github.com/0xa1bed0/kiln/internal/dockerfile"
)

// sourceFingerprint hashes the inputs an instruction pulls in from
// outside its own text. Without it a COPY whose context file changed
// between builds would still hit the cache and replay the stale layer.
// Instructions without external inputs fingerprint to nothing.
func (r *stageRun) sourceFingerprint(instr dockerfile.Instruction) ([]string, error) {
	var from string
	var sources []string
	switch v := instr.(type) {
	case dockerfile.Copy:
		from, sources = v.From, v.Sources
	case dockerfile.Add:
		sources = v.Sources
	default:
		return nil, nil
	}

	bc := r.b.bc
	if from != "" {
		root, ok := r.b.stageRootfs(r.st.Expand(from))
		if !ok {
			return nil, fmt.Errorf("builder: %s: unknown copy source stage %q", r.label, from)
		}
		var err error
		bc, err = buildctx.Open(root)
		if err != nil {
			return nil, err
		}
	}

	var lines []string
	for _, src := range sources {
		rels, err := bc.Resolve(r.st.Expand(src))
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			abs, err := bc.Abs(rel)
			if err != nil {
				return nil, err
			}
			d, err := fingerprintPath(abs)
			if err != nil {
				return nil, err
			}
			lines = append(lines, rel+"="+d.String())
		}
	}
	sort.Strings(lines)
	return lines, nil
}

// configFingerprint captures the accumulated config state a filesystem
// instruction executes under. ENV, WORKDIR and USER never produce a
// layer, so they leave the parent digest unchanged; a RUN whose effect
// depends on them must still miss the cache when they change.
func (r *stageRun) configFingerprint() []string {
	cfg := r.st.Config
	lines := make([]string, 0, len(cfg.Env)+2)
	for _, kv := range cfg.Env {
		lines = append(lines, "env:"+kv)
	}
	if cfg.WorkingDir != "" {
		lines = append(lines, "workdir:"+cfg.WorkingDir)
	}
	if cfg.User != "" {
		lines = append(lines, "user:"+cfg.User)
	}
	return lines
}

// fingerprintPath digests one resolved source: file content for a
// regular file, the link target for a symlink, and for a directory the
// sorted walk of its entries' names, modes and content digests.
func fingerprintPath(abs string) (digest.Digest, error) {
	info, err := os.Lstat(abs)
	if err != nil {
		return "", err
	}
	switch {
	case info.Mode().IsRegular():
		return fingerprintFile(abs)
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(abs)
		if err != nil {
			return "", err
		}
		return digest.FromString("link:" + target), nil
	case info.IsDir():
		return fingerprintDir(abs)
	default:
		return digest.FromString("special:" + info.Mode().String()), nil
	}
}

func fingerprintFile(abs string) (digest.Digest, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.FromReader(f)
}

func fingerprintDir(root string) (digest.Digest, error) {
	d := digest.Canonical.Digester()
	h := d.Hash()
	err := fs.WalkDir(os.DirFS(root), ".", func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == "." {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s|%s", p, info.Mode())
		if info.Mode().IsRegular() {
			fd, err := fingerprintFile(filepath.Join(root, p))
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "|%s", fd)
		}
		fmt.Fprintln(h)
		return nil
	})
	if err != nil {
		return "", err
	}
	return d.Digest(), nil
}
