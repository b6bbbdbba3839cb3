package snapshot

import (
	"context"
	"io/fs"
	"path/filepath"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/0xa1bed0/kiln/internal/fsops/mocks"
)

// A walker that reports an error entry mid-traversal, the way WalkDir
// does when a subtree vanishes or loses read permission under it.
func TestWalkerErrorBecomesWarning(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "ok.txt", "fine")

	ctrl := gomock.NewController(t)
	walker := mocks.NewMockDirWalker(ctrl)
	walker.EXPECT().WalkDir(root, gomock.Any()).DoAndReturn(
		func(r string, fn fs.WalkDirFunc) error {
			if err := fn(filepath.Join(r, "ghost"), nil, fs.ErrPermission); err != nil {
				return err
			}
			return filepath.WalkDir(r, fn)
		})

	tk := Taker{Walker: walker}
	snap, err := tk.Take(context.Background(), root)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}

	if len(snap.Warnings) != 1 || snap.Warnings[0].Path != "ghost" {
		t.Fatalf("unexpected warnings %+v", snap.Warnings)
	}
	if snap.Cacheable() {
		t.Error("snapshot with warnings must not be cacheable")
	}
	if _, ok := snap.Records["ok.txt"]; !ok {
		t.Error("walk did not continue past the failed entry")
	}
}

// The walker aborting wholesale is a hard failure, not a warning.
func TestWalkerFailureIsFatal(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	walker := mocks.NewMockDirWalker(ctrl)
	walker.EXPECT().WalkDir(gomock.Any(), gomock.Any()).Return(fs.ErrInvalid)

	tk := Taker{Walker: walker}
	if _, err := tk.Take(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected error")
	}
}
