// Package registry manages the client-side credential surface a push or
// pull collaborator reads: a docker config.json-style auth file.
package registry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"
	dockerregistry "github.com/docker/docker/api/types/registry"
)

// Credential identifies one registry account. Registry may be a bare
// host[:port] or any image reference, in which case its domain is used.
type Credential struct {
	Registry string
	Username string
	Password string
}

type authFile struct {
	Auths map[string]dockerregistry.AuthConfig `json:"auths"`
}

// Host extracts the registry host from an image reference.
func Host(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("registry: bad reference %q: %w", ref, err)
	}
	return reference.Domain(named), nil
}

// WriteAuthFile writes a docker config.json-style credential file at
// path, merging into an existing file so other registries' logins
// survive. A push or pull collaborator picks it up via DOCKER_CONFIG.
func WriteAuthFile(path string, creds ...Credential) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("registry: auth dir: %w", err)
	}

	file := authFile{Auths: map[string]dockerregistry.AuthConfig{}}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("registry: existing %s: %w", path, err)
		}
		if file.Auths == nil {
			file.Auths = map[string]dockerregistry.AuthConfig{}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("registry: read %s: %w", path, err)
	}

	for _, cred := range creds {
		host := cred.Registry
		if strings.ContainsAny(host, "/@") {
			h, err := Host(host)
			if err != nil {
				return err
			}
			host = h
		}
		file.Auths[host] = dockerregistry.AuthConfig{
			Username:      cred.Username,
			Password:      cred.Password,
			Auth:          base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Password)),
			ServerAddress: host,
		}
	}

	raw, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("registry: encode auth file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("registry: write %s: %w", path, err)
	}
	return nil
}
