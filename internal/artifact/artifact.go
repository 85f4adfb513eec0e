// Package artifact publishes finished job outputs. Results always live in the
// job's result directory; a Store may additionally mirror them elsewhere and
// serve them back when the local copy is gone.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kiranshivaraju/reconhub/internal/config"
)

// ErrNotFound is returned by Open when the store holds no such object.
var ErrNotFound = errors.New("artifact not found")

// Store mirrors job outputs.
type Store interface {
	Name() string
	// Publish copies files (relative to dir) under the job's prefix.
	Publish(ctx context.Context, jobID, dir string, files []string) error
	// Open returns a published file.
	Open(ctx context.Context, jobID, name string) (io.ReadCloser, error)
}

// Local keeps results on disk only.
type Local struct{}

func (Local) Name() string { return "local" }

func (Local) Publish(context.Context, string, string, []string) error { return nil }

func (Local) Open(context.Context, string, string) (io.ReadCloser, error) {
	return nil, ErrNotFound
}

// New constructs the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.ArtifactsConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return Local{}, nil
	case "s3":
		return NewS3(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Backend)
	}
}
