package image

import (
	"encoding/json"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/kiln/internal/layer"
)

func TestSetEnvReplacesByKey(t *testing.T) {
	t.Parallel()

	var c Config
	c.SetEnv("PATH", "/bin")
	c.SetEnv("HOME", "/root")
	c.SetEnv("PATH", "/usr/bin:/bin")

	if len(c.Env) != 2 {
		t.Fatalf("Env = %v", c.Env)
	}
	if c.EnvMap()["PATH"] != "/usr/bin:/bin" {
		t.Fatalf("EnvMap = %v", c.EnvMap())
	}
}

func TestInheritConfigDoesNotAlias(t *testing.T) {
	t.Parallel()

	base := Config{Env: []string{"A=1"}, Labels: map[string]string{"from": "base"}}
	im := New()
	im.InheritConfig(base)

	im.Config.SetEnv("A", "2")
	im.Config.SetLabel("from", "child")

	if base.Env[0] != "A=1" || base.Labels["from"] != "base" {
		t.Fatalf("base config mutated through child: %v %v", base.Env, base.Labels)
	}
}

func TestFinalize(t *testing.T) {
	t.Parallel()

	im := New()
	im.Reproducible = true
	im.Config.SetEnv("PATH", "/bin")
	im.AppendLayer(LayerSource{Layer: layer.Layer{
		Digest: digest.FromString("blob"),
		DiffID: digest.FromString("tar"),
		Size:   42,
	}}, "RUN make")
	im.AppendEmptyHistory("ENV PATH=/bin")

	fin, err := im.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if fin.ConfigDesc.Digest != digest.FromBytes(fin.Config) {
		t.Fatal("config descriptor digest mismatch")
	}
	if fin.Digest() != digest.FromBytes(fin.Manifest) {
		t.Fatal("image digest is not the manifest digest")
	}

	var cf ConfigFile
	if err := json.Unmarshal(fin.Config, &cf); err != nil {
		t.Fatal(err)
	}
	if len(cf.RootFS.DiffIDs) != 1 || cf.RootFS.DiffIDs[0] != digest.FromString("tar") {
		t.Fatalf("rootfs diffids = %v", cf.RootFS.DiffIDs)
	}
	if len(cf.History) != 2 || !cf.History[1].EmptyLayer {
		t.Fatalf("history = %+v", cf.History)
	}
	if cf.Created == nil || cf.Created.Unix() != 0 {
		t.Fatalf("reproducible created = %v", cf.Created)
	}

	// Reproducible finalization is deterministic.
	again, err := im.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if again.Digest() != fin.Digest() {
		t.Fatal("reproducible image digest is not stable")
	}
}
