package runtime

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestFromContext(t *testing.T) {
	t.Parallel()

	rt := New()
	defer rt.Finalize("test", "", nil)

	if got := FromContext(rt.Ctx()); got != rt {
		t.Fatal("runtime not reachable from its own context")
	}
	if got := FromContext(context.Background()); got != nil {
		t.Fatal("foreign context must not yield a runtime")
	}
}

func TestGoNamedRecordsPanicAndCancels(t *testing.T) {
	t.Parallel()

	rt := New()
	rt.GoNamed("boom", func() { panic("kaput") })

	err := rt.Wait()
	if err == nil || !strings.Contains(err.Error(), "kaput") {
		t.Fatalf("panic not recorded: %v", err)
	}

	select {
	case <-rt.Ctx().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after panic")
	}
}

func TestOnShutdownRunsAfterCancel(t *testing.T) {
	t.Parallel()

	rt := New()
	var ran atomic.Bool
	rt.OnShutdown(func(ctx context.Context) {
		if ctx.Err() != nil {
			t.Error("cleanup context already expired")
		}
		ran.Store(true)
	})

	rt.CancelCtx()
	if err := rt.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !ran.Load() {
		t.Fatal("shutdown hook never ran")
	}
}
