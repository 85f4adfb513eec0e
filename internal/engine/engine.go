// Package engine runs reconstruction engines for jobs and reports their
// progress and results through the job store.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/reconhub/internal/catalog"
	"github.com/kiranshivaraju/reconhub/pkg/models"
)

var (
	ErrGPURequired = errors.New("method requires a GPU but none is available")
	ErrLaunch      = errors.New("engine launch failed")
	ErrToolFailure = errors.New("engine failed")
	ErrTimeout     = errors.New("engine timed out")
	ErrCancelled   = errors.New("job cancelled")
	ErrShutdown    = errors.New("service shutting down")
	ErrUnsupported = errors.New("method not supported")
)

// Handle follows a started job.
type Handle interface {
	// Done is closed once the job has a terminal record and the container
	// has been cleaned up.
	Done() <-chan struct{}
	// Cancel stops the job. The cause decides the recorded failure kind:
	// ErrTimeout, ErrShutdown, otherwise cancelled.
	Cancel(cause error)
}

// Adapter starts engine runs for the methods it supports.
type Adapter interface {
	SupportsMethod(method models.Method) bool
	// Start launches the engine for a queued job and returns without waiting
	// for it. On success the job is running; on error nothing was started.
	Start(ctx context.Context, job *models.Job) (Handle, error)
}

// GPUChecker reports GPU availability.
type GPUChecker interface {
	Available(ctx context.Context) bool
}

// FailureKind maps an adapter error to the job's error kind.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrGPURequired):
		return models.FailureGPURequired
	case errors.Is(err, ErrTimeout):
		return models.FailureTimeout
	case errors.Is(err, ErrCancelled):
		return models.FailureCancelled
	case errors.Is(err, ErrShutdown):
		return models.FailureInterrupted
	case errors.Is(err, ErrToolFailure):
		return models.FailureTool
	case errors.Is(err, ErrLaunch):
		return models.FailureLaunch
	default:
		return models.FailureInternal
	}
}

// Registry maps each method to its adapter.
type Registry struct {
	adapters map[models.Method]Adapter
}

// NewRegistry checks that every catalog method is served by exactly one of
// the given adapters.
func NewRegistry(cat *catalog.Catalog, adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[models.Method]Adapter)}
	for _, m := range cat.Methods() {
		for _, a := range adapters {
			if !a.SupportsMethod(m.ID) {
				continue
			}
			if _, dup := r.adapters[m.ID]; dup {
				return nil, fmt.Errorf("method %q has more than one adapter", m.ID)
			}
			r.adapters[m.ID] = a
		}
		if _, ok := r.adapters[m.ID]; !ok {
			return nil, fmt.Errorf("method %q has no adapter", m.ID)
		}
	}
	return r, nil
}

// Lookup returns the adapter for method.
func (r *Registry) Lookup(method models.Method) (Adapter, error) {
	a, ok := r.adapters[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, method)
	}
	return a, nil
}
