package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func take(t *testing.T, root string) *Snapshot {
	t.Helper()
	var tk Taker
	snap, err := tk.Take(context.Background(), root)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	return snap
}

func TestDoubleSnapshotEmptyDiff(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "bin/app", "binary")
	writeFile(t, root, "etc/conf", "setting=1")
	if err := os.Symlink("app", filepath.Join(root, "bin/app-link")); err != nil {
		t.Fatal(err)
	}

	a := take(t, root)
	b := take(t, root)

	d := Diff(a, b)
	if !d.Empty() {
		t.Fatalf("diff of unchanged tree not empty: %s", d)
	}
	if !d.Cacheable {
		t.Fatal("diff of clean snapshots should be cacheable")
	}
}

func TestDiffSets(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "keep.txt", "same")
	writeFile(t, root, "change.txt", "before")
	writeFile(t, root, "remove.txt", "bye")

	a := take(t, root)

	writeFile(t, root, "change.txt", "after!")
	writeFile(t, root, "new.txt", "hello")
	if err := os.Remove(filepath.Join(root, "remove.txt")); err != nil {
		t.Fatal(err)
	}

	b := take(t, root)
	d := Diff(a, b)

	if len(d.Added) != 1 || d.Added[0] != "new.txt" {
		t.Fatalf("Added = %v", d.Added)
	}
	if len(d.Modified) != 1 || d.Modified[0] != "change.txt" {
		t.Fatalf("Modified = %v", d.Modified)
	}
	if len(d.Deleted) != 1 || d.Deleted[0] != "remove.txt" {
		t.Fatalf("Deleted = %v", d.Deleted)
	}
	for _, del := range d.Deleted {
		for _, p := range append(d.Added, d.Modified...) {
			if p == del {
				t.Fatalf("path %s in Deleted and Added/Modified", del)
			}
		}
	}
}

func TestModeChangeIsModified(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "script.sh", "#!/bin/sh")

	a := take(t, root)
	if err := os.Chmod(filepath.Join(root, "script.sh"), 0o755); err != nil {
		t.Fatal(err)
	}
	b := take(t, root)

	d := Diff(a, b)
	if len(d.Modified) != 1 || d.Modified[0] != "script.sh" {
		t.Fatalf("Modified = %v, want [script.sh]", d.Modified)
	}
}

func TestHardlinkRecordedOnce(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "a.txt", "shared")
	if err := os.Link(filepath.Join(root, "a.txt"), filepath.Join(root, "b.txt")); err != nil {
		t.Fatal(err)
	}

	snap := take(t, root)

	a, b := snap.Records["a.txt"], snap.Records["b.txt"]
	withContent, link := a, b
	if a.HardlinkTo != "" {
		withContent, link = b, a
	}
	if withContent.Digest == "" || withContent.HardlinkTo != "" {
		t.Fatalf("content record wrong: %+v", withContent)
	}
	if link.Digest != "" || link.HardlinkTo != withContent.Path {
		t.Fatalf("link record wrong: %+v", link)
	}
}

func TestUnreadableSubtreeWarnsAndDegradesCacheability(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("permission bits do not bind root")
	}

	root := t.TempDir()
	writeFile(t, root, "ok.txt", "fine")
	writeFile(t, root, "locked/hidden.txt", "secret")
	if err := os.Chmod(filepath.Join(root, "locked"), 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(root, "locked"), 0o755) })

	snap := take(t, root)
	if len(snap.Warnings) == 0 {
		t.Fatal("expected a walk warning for unreadable dir")
	}
	if snap.Cacheable() {
		t.Fatal("snapshot with warnings must not be cacheable")
	}
	if _, ok := snap.Records["ok.txt"]; !ok {
		t.Fatal("walk should continue past unreadable subtree")
	}

	d := Diff(snap, take(t, root))
	if d.Cacheable {
		t.Fatal("diff built from a warned snapshot must not be cacheable")
	}
}

func TestTimeModeReusesDigestOnEqualMtime(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "data.bin", "v1")

	full := Taker{Mode: ModeFull}
	a, err := full.Take(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	// Rewrite content but pin mtime back, so only a content hash could
	// tell the difference.
	p := filepath.Join(root, "data.bin")
	old := a.Records["data.bin"].ModTime
	if err := os.WriteFile(p, []byte("v2 with different length"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, old, old); err != nil {
		t.Fatal(err)
	}

	timed := Taker{Mode: ModeTime}
	b, err := timed.TakeAgainst(context.Background(), root, a)
	if err != nil {
		t.Fatal(err)
	}
	if b.Records["data.bin"].Digest != a.Records["data.bin"].Digest {
		t.Fatal("time mode should trust equal mtime and reuse the digest")
	}

	c, err := full.TakeAgainst(context.Background(), root, a)
	if err != nil {
		t.Fatal(err)
	}
	if c.Records["data.bin"].Digest == a.Records["data.bin"].Digest {
		t.Fatal("full mode must rehash when size changed")
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	if _, err := ParseMode("full"); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseMode("time"); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseMode("fast"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var tk Taker
	if _, err := tk.Take(ctx, t.TempDir()); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
