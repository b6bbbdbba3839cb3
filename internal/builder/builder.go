package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/0xa1bed0/kiln/internal/baseimg"
	"github.com/0xa1bed0/kiln/internal/buildctx"
	"github.com/0xa1bed0/kiln/internal/cache"
	"github.com/0xa1bed0/kiln/internal/dockerfile"
	"github.com/0xa1bed0/kiln/internal/executor"
	"github.com/0xa1bed0/kiln/internal/image"
	"github.com/0xa1bed0/kiln/internal/logs"
	"github.com/0xa1bed0/kiln/internal/snapshot"
)

// InstrState tracks one instruction through the build state machine.
type InstrState int

const (
	StatePending InstrState = iota
	StateExecuting
	StateSnapshotting
	StateCached
	StateCommitted
	StateFailed
)

func (s InstrState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	case StateSnapshotting:
		return "snapshotting"
	case StateCached:
		return "cached"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures one build.
type Options struct {
	ContextDir     string
	DockerfilePath string
	BuildArgs      map[string]string
	Target         string

	// Resolver materializes FROM references that are not prior stages.
	Resolver baseimg.Resolver
	// Runner executes RUN commands; defaults to the chroot runner.
	Runner executor.Runner
	// Cache is the shared layer store; nil disables caching.
	Cache *cache.Store
	// TmpDir hosts stage rootfs trees and uncommitted layer blobs.
	TmpDir string

	RunTimeout     time.Duration
	SnapshotMode   snapshot.Mode
	SingleSnapshot bool
	Reproducible   bool
	// Workers bounds how many independent stages run concurrently.
	Workers int

	// Progress receives the ordered build log lines incrementally.
	Progress io.Writer
}

// Result is a finished build: the finalized image plus the collected
// log stream.
type Result struct {
	Image image.Finalized
	Logs  []string
}

type stageResult struct {
	rootfs string
	config image.Config
	layers []image.LayerSource
}

// Builder drives one Dockerfile build end to end.
type Builder struct {
	id   string
	opts Options
	df   dockerfile.Dockerfile
	bc   *buildctx.Context
	prog *progress
	tmp  string

	mu     sync.Mutex
	stages map[int]*stageResult
	pinned []digest.Digest
}

// New parses the Dockerfile, opens the build context, and prepares a
// builder. Call Cleanup after the result has been exported.
func New(opts Options) (*Builder, error) {
	if opts.Resolver == nil {
		opts.Resolver = baseimg.Scratch{}
	}
	if opts.Runner == nil {
		opts.Runner = executor.ChrootRunner{}
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}

	bc, err := buildctx.Open(opts.ContextDir)
	if err != nil {
		return nil, err
	}

	dfPath := opts.DockerfilePath
	if dfPath == "" {
		dfPath = filepath.Join(opts.ContextDir, "Dockerfile")
	}
	instrs, err := dockerfile.ParseFile(dfPath)
	if err != nil {
		return nil, err
	}
	df, err := dockerfile.SplitStages(instrs)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	tmp := filepath.Join(opts.TmpDir, "kiln-build-"+id)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("builder: create tmp dir: %w", err)
	}

	return &Builder{
		id:     id,
		opts:   opts,
		df:     df,
		bc:     bc,
		prog:   newProgress(opts.Progress),
		tmp:    tmp,
		stages: map[int]*stageResult{},
	}, nil
}

// Logs returns the progress lines collected so far. On failure this is
// the stream handed back alongside the terminal error.
func (b *Builder) Logs() []string {
	return b.prog.collected()
}

// Cleanup discards the build's temp blobs and releases cache pins. Call
// it once the result is exported (or the build failed).
func (b *Builder) Cleanup() {
	b.mu.Lock()
	pinned := b.pinned
	b.pinned = nil
	b.mu.Unlock()

	if b.opts.Cache != nil {
		for _, key := range pinned {
			b.opts.Cache.Unpin(key)
		}
	}
	if err := os.RemoveAll(b.tmp); err != nil {
		logs.Warnf("builder: remove tmp dir: %v", err)
	}
}

// notePin records a pin the store handed back (Lookup hits and Store
// both return holding one) so Cleanup releases it.
func (b *Builder) notePin(key digest.Digest) {
	b.mu.Lock()
	b.pinned = append(b.pinned, key)
	b.mu.Unlock()
}

// Build runs every stage the target needs, independent stages
// concurrently, and finalizes the target stage's image. Stage rootfs
// trees are removed on every exit path; on failure the uncommitted temp
// blobs are discarded too.
func (b *Builder) Build(ctx context.Context) (_ *Result, err error) {
	target, needed, err := b.df.TargetPlan(b.opts.Target)
	if err != nil {
		return nil, err
	}

	defer b.prog.closeTail()
	defer b.removeStageRoots()
	defer func() {
		if err != nil {
			b.Cleanup()
		}
	}()

	b.prog.logf("build %s started (%d stages)", b.id, len(needed))

	images := make(map[int]*image.Image, len(needed))
	var imagesMu sync.Mutex

	remaining := map[int]bool{}
	for idx := range needed {
		remaining[idx] = true
	}

	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var wave []int
		for idx := range remaining {
			ready := true
			for _, dep := range b.df.StageDeps(idx) {
				if remaining[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, idx)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("builder: no runnable stage among %v", remaining)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.opts.Workers)
		for _, idx := range wave {
			g.Go(func() error {
				im, res, err := b.runStage(gctx, b.df.Stages[idx])
				if err != nil {
					return err
				}
				b.mu.Lock()
				b.stages[idx] = res
				b.mu.Unlock()
				imagesMu.Lock()
				images[idx] = im
				imagesMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, idx := range wave {
			delete(remaining, idx)
		}
	}

	fin, err := images[target].Finalize()
	if err != nil {
		return nil, err
	}
	b.prog.logf("build %s finished: %s", b.id, fin.Digest())

	return &Result{Image: fin, Logs: b.prog.collected()}, nil
}

func (b *Builder) removeStageRoots() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for idx, res := range b.stages {
		if res.rootfs == "" {
			continue
		}
		if err := os.RemoveAll(res.rootfs); err != nil {
			logs.Warnf("builder: remove stage %d rootfs: %v", idx, err)
		}
		res.rootfs = ""
	}
}

// stageRootfs maps a COPY --from reference to a committed stage's tree.
func (b *Builder) stageRootfs(ref string) (string, bool) {
	idx := b.df.ResolveStage(ref)
	if idx < 0 {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.stages[idx]
	if !ok || res.rootfs == "" {
		return "", false
	}
	return res.rootfs, true
}

// effectiveArgs merges global ARG defaults with the externally supplied
// build args, supplied values winning.
func (b *Builder) effectiveArgs() map[string]string {
	merged := map[string]string{}
	for _, arg := range b.df.GlobalArgs {
		if arg.HasDefault {
			merged[arg.Name] = arg.Default
		}
	}
	for k, v := range b.opts.BuildArgs {
		merged[k] = v
	}
	return merged
}
