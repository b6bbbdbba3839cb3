package guardrails

import (
	"path/filepath"
	"testing"
)

func TestForbiddenContextDir(t *testing.T) {
	tmp := t.TempDir()

	cases := []struct {
		name      string
		path      string
		forbidden bool
	}{
		{"tempdir allowed", tmp, false},
		{"root forbidden", "/", true},
		{"proc forbidden", "/proc", true},
		{"under proc forbidden", "/proc/self", true},
		{"etc forbidden", "/etc", true},
		{"missing path forbidden", filepath.Join(tmp, "does-not-exist"), true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ForbiddenContextDir(c.path); got != c.forbidden {
				t.Fatalf("ForbiddenContextDir(%q) = %v, want %v", c.path, got, c.forbidden)
			}
		})
	}
}

func TestIsUnderPrefix(t *testing.T) {
	tmp := t.TempDir()

	if !isUnderPrefix(tmp, tmp) {
		t.Fatal("a path should be under itself")
	}
	if isUnderPrefix(filepath.Join(tmp, "a"), tmp) {
		t.Fatal("a parent is not under its child")
	}
}
