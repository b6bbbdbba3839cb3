package registry

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	dockerregistry "github.com/docker/docker/api/types/registry"
)

func readAuths(t *testing.T, path string) map[string]dockerregistry.AuthConfig {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var file struct {
		Auths map[string]dockerregistry.AuthConfig `json:"auths"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		t.Fatal(err)
	}
	return file.Auths
}

func TestHost(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"registry.example.com/team/app:v1": "registry.example.com",
		"localhost:5000/app":               "localhost:5000",
		"ubuntu":                           "docker.io",
	}
	for ref, want := range cases {
		got, err := Host(ref)
		if err != nil {
			t.Errorf("Host(%q): %v", ref, err)
			continue
		}
		if got != want {
			t.Errorf("Host(%q) = %q, want %q", ref, got, want)
		}
	}
	if _, err := Host("NOT A REF"); err == nil {
		t.Error("expected error for invalid reference")
	}
}

func TestWriteAuthFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "auth", "config.json")
	err := WriteAuthFile(path, Credential{
		Registry: "registry.example.com",
		Username: "bob",
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("WriteAuthFile failed: %v", err)
	}

	auths := readAuths(t, path)
	entry, ok := auths["registry.example.com"]
	if !ok {
		t.Fatalf("entry missing: %v", auths)
	}
	if entry.Username != "bob" || entry.Password != "hunter2" {
		t.Errorf("credentials mangled: %+v", entry)
	}
	want := base64.StdEncoding.EncodeToString([]byte("bob:hunter2"))
	if entry.Auth != want {
		t.Errorf("auth token %q, want %q", entry.Auth, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("credential file mode %v, want 0600", info.Mode().Perm())
	}
}

func TestWriteAuthFileMergesAndResolvesRefs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := WriteAuthFile(path, Credential{Registry: "a.example.com", Username: "u1", Password: "p1"}); err != nil {
		t.Fatal(err)
	}
	// The second write uses a full image ref; only its domain matters.
	if err := WriteAuthFile(path, Credential{Registry: "b.example.com/team/app:v3", Username: "u2", Password: "p2"}); err != nil {
		t.Fatal(err)
	}

	auths := readAuths(t, path)
	if len(auths) != 2 {
		t.Fatalf("expected merged entries, got %v", auths)
	}
	if auths["a.example.com"].Username != "u1" {
		t.Error("earlier login lost")
	}
	if auths["b.example.com"].Username != "u2" {
		t.Errorf("ref domain not resolved: %v", auths)
	}
}
