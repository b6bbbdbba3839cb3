package executor

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// RunSpec is one command to execute inside a stage rootfs.
type RunSpec struct {
	Rootfs  string
	Argv    []string
	Env     []string
	Workdir string
	Timeout time.Duration
	Stdout  io.Writer
	Stderr  io.Writer
}

// Runner spawns RUN commands. The chroot implementation is the real
// one; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) error
}

// ChrootRunner executes the command chrooted into the stage rootfs, in
// its own process group so a timeout or cancellation can kill the whole
// tree.
type ChrootRunner struct{}

func (ChrootRunner) Run(ctx context.Context, spec RunSpec) error {
	cmdline := strings.Join(spec.Argv, " ")

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Workdir
	if cmd.Dir == "" {
		cmd.Dir = "/"
	}
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot:  spec.Rootfs,
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		// Negative pid signals the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if spec.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{
			ExecutionError: ExecutionError{Cmd: cmdline, Cause: context.DeadlineExceeded},
			Limit:          spec.Timeout,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExecutionError{Cmd: cmdline, ExitCode: exitErr.ExitCode()}
	}
	return &ExecutionError{Cmd: cmdline, Cause: err}
}
