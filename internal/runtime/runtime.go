// Package runtime is the process harness for the kiln binary: a
// signal-aware root context, panic-safe background goroutines, and an
// orderly shutdown path that still runs cleanup hooks.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/0xa1bed0/kiln/internal/logs"
)

type Runtime struct {
	runID string

	ctx        context.Context
	cancelFunc context.CancelFunc
	stopSignal context.CancelFunc

	mu              sync.Mutex
	wg              sync.WaitGroup
	shutdownTimeout time.Duration
	firstFailErr    error
}

type runtimeKey struct{}

// New builds the host runtime. SIGINT/SIGTERM cancel the root context,
// which aborts in-flight builds and kills their RUN process groups.
func New() *Runtime {
	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(baseCtx)

	rt := &Runtime{
		runID:           strconv.FormatInt(time.Now().Unix(), 10),
		cancelFunc:      cancel,
		stopSignal:      stop,
		shutdownTimeout: 5 * time.Second,
	}
	// Context carries the runtime pointer so cobra handlers can reach it
	// without globals. Read it once at the command boundary, never deeper.
	rt.ctx = context.WithValue(ctx, runtimeKey{}, rt)
	return rt
}

func FromContext(ctx context.Context) *Runtime {
	rt, _ := ctx.Value(runtimeKey{}).(*Runtime)
	return rt
}

func FromContextOrPanic(ctx context.Context) *Runtime {
	rt := FromContext(ctx)
	if rt == nil {
		panic(errors.New("runtime not found in this context"))
	}
	return rt
}

func (rt *Runtime) Ctx() context.Context { return rt.ctx }

func (rt *Runtime) RunID() string { return rt.runID }

func (rt *Runtime) CancelCtx() { rt.cancelFunc() }

// GoNamed runs fn in a goroutine with panic recovery. A panic is
// recorded as the first failure and cancels the root context.
func (rt *Runtime) GoNamed(name string, fn func()) {
	if name == "" {
		name = "anonymous"
	}
	rt.wg.Go(func() {
		logs.Debugf("%s goroutine start", name)
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic: %v\n%s", r, debug.Stack())
				rt.mu.Lock()
				if rt.firstFailErr == nil {
					rt.firstFailErr = err
					rt.cancelFunc()
				}
				rt.mu.Unlock()
			}
		}()
		fn()
		logs.Debugf("%s goroutine finish", name)
	})
}

// Wait blocks until all GoNamed goroutines finish and returns the first
// recorded failure.
func (rt *Runtime) Wait() error {
	rt.wg.Wait()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.firstFailErr
}

// OnShutdown registers fn to run once the root context is cancelled,
// with a bounded cleanup context.
func (rt *Runtime) OnShutdown(fn func(ctx context.Context)) {
	rt.GoNamed("OnShutdown", func() {
		<-rt.ctx.Done()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), rt.shutdownTimeout)
		defer cancel()
		fn(cleanupCtx)
	})
}

// Finalize handles both panic and normal exit. Call it in a defer at
// the top of main.
func (rt *Runtime) Finalize(appName, helpHint string, execErr *error) {
	defer rt.stopSignal()

	if r := recover(); r != nil {
		fmt.Fprintf(os.Stderr, "%s panic: %v\n%s\n", appName, r, debug.Stack())
		if helpHint != "" {
			fmt.Fprintln(os.Stderr, helpHint)
		}
		rt.CancelCtx()
		_ = rt.Wait()
		logs.Close()
		os.Exit(1)
	}

	rt.CancelCtx()
	waitErr := rt.Wait()

	if execErr != nil && *execErr != nil {
		logs.Errorf("%s error: %v", appName, *execErr)
		if helpHint != "" {
			fmt.Fprintln(os.Stderr, helpHint)
		}
	} else if waitErr != nil {
		logs.Errorf("%s fail reason: %v", appName, waitErr)
	}

	logs.Close()
}
