package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/0xa1bed0/kiln/internal/buildctx"
	"github.com/0xa1bed0/kiln/internal/dockerfile"
	"github.com/0xa1bed0/kiln/internal/image"
	"github.com/0xa1bed0/kiln/internal/logs"
)

// Default PATH inside the rootfs when the base image sets none.
const defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// State is the mutable per-stage build state the executor operates on:
// the stage rootfs and the accumulated image config, plus the ARG values
// in scope for this stage only.
type State struct {
	Rootfs string
	Config *image.Config
	// Args are the ARG values declared in this stage (or globally) with
	// their resolved values. They never leak into later stages.
	Args map[string]string
	// BuildArgs are the externally supplied --build-arg values, consulted
	// when an ARG is declared.
	BuildArgs map[string]string
}

// Expand substitutes variables with ENV taking precedence over ARG.
// A reference to a variable in neither scope expands empty with a
// warning, matching docker's undeclared-arg behavior.
func (st *State) Expand(s string) string {
	env := st.Config.EnvMap()
	return dockerfile.Expand(s, func(name string) (string, bool) {
		if v, ok := env[name]; ok {
			return v, true
		}
		if v, ok := st.Args[name]; ok {
			return v, true
		}
		logs.Warnf("executor: undefined variable $%s expands to empty", name)
		return "", false
	})
}

// Executor applies one instruction at a time to a stage. RUN goes
// through Runner, COPY/ADD through the build context or a committed
// prior stage, everything else folds into the image config.
type Executor struct {
	Context *buildctx.Context
	Runner  Runner
	Timeout time.Duration
	// Output receives RUN stdout/stderr.
	Output io.Writer
	// StageRoot maps a COPY --from reference to the rootfs of a
	// committed prior stage.
	StageRoot func(ref string) (string, bool)
}

// Execute applies instr to st and reports whether the stage filesystem
// was mutated. Only RUN, COPY and ADD mutate; every other instruction
// changes config state alone and must never trigger a snapshot.
func (e *Executor) Execute(ctx context.Context, instr dockerfile.Instruction, st *State) (mutated bool, err error) {
	switch v := instr.(type) {
	case dockerfile.Run:
		return true, e.run(ctx, v, st)
	case dockerfile.Copy:
		return true, e.copyFiles(ctx, v, st, false)
	case dockerfile.Add:
		cp := dockerfile.Copy{Sources: v.Sources, Dest: v.Dest, Chown: v.Chown, Chmod: v.Chmod}
		return true, e.copyFiles(ctx, cp, st, true)
	case dockerfile.Env:
		for _, kv := range v.Pairs {
			st.Config.SetEnv(kv.Key, st.Expand(kv.Value))
		}
	case dockerfile.Arg:
		val, supplied := st.BuildArgs[v.Name]
		if !supplied && v.HasDefault {
			val = st.Expand(v.Default)
		}
		st.Args[v.Name] = val
	case dockerfile.Workdir:
		st.Config.WorkingDir = absWorkdir(st.Config.WorkingDir, st.Expand(v.Path))
	case dockerfile.User:
		st.Config.User = st.Expand(v.User)
	case dockerfile.Expose:
		for _, p := range v.Ports {
			st.Config.ExposePort(st.Expand(p))
		}
	case dockerfile.Volume:
		for _, p := range v.Paths {
			st.Config.AddVolume(st.Expand(p))
		}
	case dockerfile.Label:
		for _, kv := range v.Pairs {
			st.Config.SetLabel(kv.Key, st.Expand(kv.Value))
		}
	case dockerfile.Entrypoint:
		st.Config.Entrypoint = append([]string(nil), v.Argv...)
	case dockerfile.Cmd:
		st.Config.Cmd = append([]string(nil), v.Argv...)
	case dockerfile.StopSignal:
		st.Config.StopSignal = st.Expand(v.Signal)
	case dockerfile.Healthcheck:
		if v.None {
			st.Config.Healthcheck = &image.HealthConfig{Test: []string{"NONE"}}
			break
		}
		test := []string{"CMD"}
		if v.TestShell {
			test = []string{"CMD-SHELL"}
		}
		st.Config.Healthcheck = &image.HealthConfig{
			Test:        append(test, v.Test...),
			Interval:    v.Interval,
			Timeout:     v.Timeout,
			StartPeriod: v.StartPeriod,
			Retries:     v.Retries,
		}
	case dockerfile.From:
		return false, fmt.Errorf("executor: FROM is handled by the stage loop")
	default:
		return false, fmt.Errorf("executor: unhandled instruction %s", instr.Kind())
	}
	return false, nil
}

func (e *Executor) run(ctx context.Context, v dockerfile.Run, st *State) error {
	argv := append([]string(nil), v.Argv...)
	if v.Shell {
		argv = []string{"/bin/sh", "-c", v.Argv[0]}
	}

	env := append([]string(nil), st.Config.Env...)
	if _, ok := st.Config.EnvMap()["PATH"]; !ok {
		env = append(env, defaultPath)
	}
	for name, val := range st.Args {
		if _, shadowed := st.Config.EnvMap()[name]; !shadowed {
			env = append(env, name+"="+val)
		}
	}

	workdir := st.Config.WorkingDir
	if workdir == "" {
		workdir = "/"
	}
	if err := os.MkdirAll(filepath.Join(st.Rootfs, workdir), 0o755); err != nil {
		return &ExecutionError{Cmd: v.Canonical(), Cause: err}
	}

	out := e.Output
	if out == nil {
		out = io.Discard
	}
	return e.Runner.Run(ctx, RunSpec{
		Rootfs:  st.Rootfs,
		Argv:    argv,
		Env:     env,
		Workdir: workdir,
		Timeout: e.Timeout,
		Stdout:  out,
		Stderr:  out,
	})
}

func (e *Executor) sourceContext(from string) (*buildctx.Context, error) {
	if from == "" {
		return e.Context, nil
	}
	if e.StageRoot == nil {
		return nil, fmt.Errorf("executor: COPY --from=%s without stage sources", from)
	}
	dir, ok := e.StageRoot(from)
	if !ok {
		return nil, fmt.Errorf("executor: COPY --from=%s: stage not available", from)
	}
	return buildctx.Open(dir)
}

// absWorkdir resolves a WORKDIR operand against the current one the way
// docker does: relative paths stack, absolute paths replace.
func absWorkdir(current, next string) string {
	if path.IsAbs(next) {
		return path.Clean(next)
	}
	if current == "" {
		current = "/"
	}
	return path.Join(current, next)
}
