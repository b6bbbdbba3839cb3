// Package export serializes a finalized image to its distribution
// surfaces: an OCI layout directory, a docker-loadable archive, or a
// registry push through the Pusher boundary.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/kiln/internal/image"
)

// ExportError wraps a failure while materializing an image. Layer is
// set when the failure is scoped to one blob, so a caller retrying a
// partial push knows what is still missing. The built image itself
// stays valid locally.
type ExportError struct {
	Op    string
	Ref   string
	Layer digest.Digest
	Err   error
}

func (e *ExportError) Error() string {
	msg := "export: " + e.Op
	if e.Ref != "" {
		msg += " " + e.Ref
	}
	if e.Layer != "" {
		msg += ": layer " + e.Layer.String()
	}
	return msg + ": " + e.Err.Error()
}

func (e *ExportError) Unwrap() error { return e.Err }

// Pusher uploads a finalized image to a registry. The upload protocol
// lives outside this module; implementations report per-layer failures
// as ExportError so interrupted pushes can resume.
type Pusher interface {
	Push(ctx context.Context, ref string, img image.Finalized) error
}

// DigestFile records the built image digest at path, one line,
// overwriting any previous run's value.
func DigestFile(path string, d digest.Digest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export: digest file: %w", err)
	}
	if err := os.WriteFile(path, []byte(d.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("export: digest file: %w", err)
	}
	return nil
}
