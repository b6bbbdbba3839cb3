package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/kiln/internal/cache"
	"github.com/0xa1bed0/kiln/internal/dockerfile"
	"github.com/0xa1bed0/kiln/internal/executor"
	"github.com/0xa1bed0/kiln/internal/image"
	"github.com/0xa1bed0/kiln/internal/layer"
	"github.com/0xa1bed0/kiln/internal/logs"
	"github.com/0xa1bed0/kiln/internal/snapshot"
	"github.com/0xa1bed0/kiln/internal/utils"
)

// stageRun is the per-stage loop state.
type stageRun struct {
	b      *Builder
	stage  dockerfile.Stage
	im     *image.Image
	ex     *executor.Executor
	st     *executor.State
	taker  snapshot.Taker
	cur    *snapshot.Snapshot
	parent digest.Digest
	label  string
}

func (b *Builder) runStage(ctx context.Context, stage dockerfile.Stage) (*image.Image, *stageResult, error) {
	rootfs := filepath.Join(b.tmp, "rootfs-"+stage.Name+"-"+utils.RandomHex(4))
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return nil, nil, fmt.Errorf("builder: stage %s rootfs: %w", stage.Name, err)
	}
	// Rootfs trees normally outlive the stage so later COPY --from can
	// read them; Build removes them all when the image is assembled.
	// On stage failure nothing will read this one, drop it now.
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(rootfs)
		}
	}()

	im := image.New()
	im.Reproducible = b.opts.Reproducible

	args := b.effectiveArgs()
	st := &executor.State{
		Rootfs:    rootfs,
		Config:    &im.Config,
		Args:      map[string]string{},
		BuildArgs: args,
	}

	r := &stageRun{
		b:     b,
		stage: stage,
		im:    im,
		st:    st,
		label: fmt.Sprintf("stage %s", stage.Name),
		taker: snapshot.Taker{Mode: b.opts.SnapshotMode},
	}
	r.ex = &executor.Executor{
		Context:   b.bc,
		Runner:    b.opts.Runner,
		Timeout:   b.opts.RunTimeout,
		Output:    b.prog,
		StageRoot: b.stageRootfs,
	}

	if err := r.resolveBase(ctx, args); err != nil {
		return nil, nil, err
	}

	baseline, err := r.taker.Take(ctx, rootfs)
	if err != nil {
		return nil, nil, err
	}
	r.cur = baseline

	for i, instr := range stage.Instructions {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if err := r.step(ctx, i, instr); err != nil {
			b.prog.logf("[%s %d/%d] %s: %s: %v", r.label, i+1, len(stage.Instructions), instr.Kind(), StateFailed, err)
			return nil, nil, err
		}
	}

	if b.opts.SingleSnapshot {
		if err := r.commitSingleSnapshot(ctx, baseline); err != nil {
			return nil, nil, err
		}
	}

	committed = true
	res := &stageResult{
		rootfs: rootfs,
		config: im.Config,
		layers: append([]image.LayerSource(nil), im.Layers...),
	}
	return im, res, nil
}

// resolveBase materializes the FROM reference: a prior stage's tree is
// copied, anything else goes through the resolver.
func (r *stageRun) resolveBase(ctx context.Context, args map[string]string) error {
	ref := dockerfile.Expand(r.stage.From.Image, func(name string) (string, bool) {
		v, ok := args[name]
		return v, ok
	})

	if depIdx := r.b.df.ResolveStage(ref); depIdx >= 0 {
		r.b.mu.Lock()
		dep, ok := r.b.stages[depIdx]
		r.b.mu.Unlock()
		if !ok {
			return fmt.Errorf("builder: %s: base stage %q not committed", r.label, ref)
		}
		if err := copyTree(dep.rootfs, r.st.Rootfs); err != nil {
			return fmt.Errorf("builder: %s: copy base stage: %w", r.label, err)
		}
		r.im.InheritConfig(dep.config)
		r.im.Layers = append(r.im.Layers, dep.layers...)
	} else {
		base, err := r.b.opts.Resolver.Resolve(ctx, ref, r.st.Rootfs)
		if err != nil {
			return err
		}
		r.im.InheritConfig(base.Config)
		r.im.Layers = append(r.im.Layers, base.Layers...)
	}

	if n := len(r.im.Layers); n > 0 {
		r.parent = r.im.Layers[n-1].Digest
	}
	r.b.prog.logf("[%s] FROM %s (%d base layers)", r.label, ref, len(r.im.Layers))
	return nil
}

// step drives one instruction through the state machine.
func (r *stageRun) step(ctx context.Context, i int, instr dockerfile.Instruction) error {
	pos := fmt.Sprintf("[%s %d/%d]", r.label, i+1, len(r.stage.Instructions))

	if !instr.MutatesFilesystem() {
		if _, err := r.ex.Execute(ctx, instr, r.st); err != nil {
			return err
		}
		r.im.AppendEmptyHistory(instr.Canonical())
		r.b.prog.logf("%s %s: %s", pos, instr.Canonical(), StateCommitted)
		return nil
	}

	canonical := instr.Canonical()
	useCache := r.b.opts.Cache != nil && !r.b.opts.SingleSnapshot
	var key digest.Digest
	if useCache {
		inputs, err := r.sourceFingerprint(instr)
		if err != nil {
			return err
		}
		inputs = append(inputs, r.configFingerprint()...)
		key = cache.Key(r.parent, canonical, dockerfile.UsedVars(canonical), r.st.Args, inputs...)
		l, blobPath, found, err := r.b.opts.Cache.Lookup(ctx, key)
		if err != nil {
			return err
		}
		if found {
			return r.replayCached(ctx, pos, canonical, key, l, blobPath)
		}
		r.b.prog.logf("%s %s: cache miss", pos, canonical)
	}

	r.b.prog.logf("%s %s: %s", pos, canonical, StateExecuting)
	mutated, err := r.ex.Execute(ctx, instr, r.st)
	if err != nil {
		return err
	}
	if !mutated || r.b.opts.SingleSnapshot {
		return nil
	}

	r.b.prog.logf("%s %s: %s", pos, canonical, StateSnapshotting)
	next, err := r.taker.TakeAgainst(ctx, r.st.Rootfs, r.cur)
	if err != nil {
		return err
	}
	diff := snapshot.Diff(r.cur, next)
	r.cur = next

	if diff.Empty() {
		r.im.AppendEmptyHistory(canonical)
		r.b.prog.logf("%s %s: %s (no filesystem changes)", pos, canonical, StateCommitted)
		return nil
	}

	src, err := r.commitLayer(ctx, canonical, key, diff, useCache)
	if err != nil {
		return err
	}
	r.im.AppendLayer(src, canonical)
	r.parent = src.Digest
	r.b.prog.logf("%s %s: %s (%s)", pos, canonical, StateCommitted, diff)
	return nil
}

// replayCached applies a stored layer instead of executing. The rootfs
// still has to advance so later instructions see the right tree.
func (r *stageRun) replayCached(ctx context.Context, pos, canonical string, key digest.Digest, l layer.Layer, blobPath string) error {
	r.b.notePin(key)

	f, err := os.Open(blobPath)
	if err != nil {
		return fmt.Errorf("builder: open cached blob: %w", err)
	}
	err = layer.Apply(r.st.Rootfs, f)
	f.Close()
	if err != nil {
		return err
	}

	next, err := r.taker.TakeAgainst(ctx, r.st.Rootfs, r.cur)
	if err != nil {
		return err
	}
	r.cur = next

	r.im.AppendLayer(image.LayerSource{Layer: l, Path: blobPath}, canonical)
	r.parent = l.Digest
	r.b.prog.logf("%s %s: cache hit (%s)", pos, canonical, StateCached)
	return nil
}

// commitLayer serializes the diff into a blob, stores it in the cache
// when allowed, and returns the layer with its blob location.
func (r *stageRun) commitLayer(ctx context.Context, canonical string, key digest.Digest, diff snapshot.LayerDiff, useCache bool) (image.LayerSource, error) {
	tmpBlob := filepath.Join(r.b.tmp, "layer-"+utils.RandomHex(8)+".tar.gz")
	f, err := os.OpenFile(tmpBlob, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return image.LayerSource{}, fmt.Errorf("builder: layer blob: %w", err)
	}
	l, err := layer.Write(f, r.st.Rootfs, r.cur, diff, layer.Options{Reproducible: r.b.opts.Reproducible})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpBlob)
		return image.LayerSource{}, err
	}

	if !useCache || !diff.Cacheable {
		return image.LayerSource{Layer: l, Path: tmpBlob}, nil
	}

	blob, err := os.Open(tmpBlob)
	if err != nil {
		return image.LayerSource{}, fmt.Errorf("builder: reopen layer blob: %w", err)
	}
	storeErr := r.b.opts.Cache.Store(ctx, key, l, blob)
	blob.Close()
	if storeErr != nil {
		// A cache write problem never fails the build.
		logs.Warnf("builder: cache store: %v", storeErr)
		return image.LayerSource{Layer: l, Path: tmpBlob}, nil
	}
	r.b.notePin(key)
	return image.LayerSource{Layer: l, Path: r.b.opts.Cache.BlobPath(l.Digest)}, nil
}

// commitSingleSnapshot folds the whole stage's filesystem effect into
// one layer.
func (r *stageRun) commitSingleSnapshot(ctx context.Context, baseline *snapshot.Snapshot) error {
	final, err := r.taker.TakeAgainst(ctx, r.st.Rootfs, baseline)
	if err != nil {
		return err
	}
	diff := snapshot.Diff(baseline, final)
	if diff.Empty() {
		return nil
	}
	r.cur = final

	src, err := r.commitLayer(ctx, "", "", diff, false)
	if err != nil {
		return err
	}
	r.im.AppendLayer(src, fmt.Sprintf("merged filesystem of %s", r.label))
	r.parent = src.Digest
	r.b.prog.logf("[%s] single snapshot %s (%s)", r.label, StateCommitted, diff)
	return nil
}
