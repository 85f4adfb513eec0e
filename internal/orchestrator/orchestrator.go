// Package orchestrator runs engine containers on a container platform.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/reconhub/internal/config"
)

var (
	ErrImageNotFound = errors.New("engine image not found")
	ErrAlreadyExists = errors.New("container already exists")
)

// Mount binds a host directory into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes one engine run.
type Spec struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	Mounts  []Mount
	GPU     bool
	Labels  map[string]string
}

// Process is a started container.
type Process interface {
	ID() string

	// Logs streams combined stdout and stderr until the container exits.
	Logs(ctx context.Context) (io.ReadCloser, error)

	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Stop asks the container to exit, killing it after grace.
	// Stopping an exited container returns nil.
	Stop(ctx context.Context, grace time.Duration) error

	// Remove deletes the container and its platform resources.
	Remove(ctx context.Context) error
}

// Orchestrator starts engine containers.
type Orchestrator interface {
	Name() string

	// Run creates and starts a container. It returns once the container is
	// started; use the Process to follow it.
	Run(ctx context.Context, spec Spec) (Process, error)

	// Ready checks that the platform is reachable.
	Ready(ctx context.Context) error

	// Close releases client resources. Running containers are not stopped.
	Close() error
}

// New constructs the orchestrator selected by cfg.Backend.
func New(cfg config.RuntimeConfig, logger *slog.Logger) (Orchestrator, error) {
	switch cfg.Backend {
	case "docker":
		return NewDocker(cfg, logger)
	case "kubernetes":
		return NewKubernetes(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown runtime %q: must be one of docker, kubernetes", cfg.Backend)
	}
}
