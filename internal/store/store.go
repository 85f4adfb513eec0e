package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/reconhub/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrTerminal          = errors.New("job already finished")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidUpdate     = errors.New("invalid job update")
)

// Mutator edits a copy of a job inside an atomic update. Returning an error
// aborts the update without writing. Backends with optimistic concurrency may
// call a mutator more than once, so it must only depend on the job it is given.
type Mutator func(job *models.Job) error

// Store is the data access interface for jobs. All job mutation goes through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, mutate Mutator) (*models.Job, error)
	ListJobs(ctx context.Context) ([]*models.Job, error)
}

// applyUpdate runs mutate against a copy of cur and checks the result against
// the job lifecycle rules shared by every backend.
func applyUpdate(cur *models.Job, mutate Mutator, now time.Time) (*models.Job, error) {
	if cur.Status.Terminal() {
		return nil, ErrTerminal
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	if next.ID != cur.ID || next.Method != cur.Method || next.Input != cur.Input || next.Instance != cur.Instance ||
		!next.CreatedAt.Equal(cur.CreatedAt) || !bytes.Equal(next.Parameters, cur.Parameters) {
		return nil, fmt.Errorf("%w: immutable field changed", ErrInvalidUpdate)
	}
	if !next.Status.Valid() || !cur.Status.CanTransitionTo(next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}
	if next.OutputRef != "" && next.Status != models.JobStatusCompleted {
		return nil, fmt.Errorf("%w: output_ref is only set on completed jobs", ErrInvalidUpdate)
	}
	if next.Error != "" && next.Status != models.JobStatusFailed {
		return nil, fmt.Errorf("%w: error is only set on failed jobs", ErrInvalidUpdate)
	}

	// Progress never goes backwards.
	if next.Progress < cur.Progress {
		next.Progress = cur.Progress
	}
	if next.Progress > 100 {
		next.Progress = 100
	}

	next.UpdatedAt = now
	return next, nil
}

func validateNew(job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidUpdate)
	}
	if job.Status != models.JobStatusQueued {
		return fmt.Errorf("%w: new jobs must be queued, got %q", ErrInvalidUpdate, job.Status)
	}
	return nil
}
