package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/reconhub/pkg/models"
)

// DefaultPollInterval is how often Poll asks for the job status.
const DefaultPollInterval = 3 * time.Second

// JobFailedError is returned by Poll when the job ends in failed.
type JobFailedError struct {
	Job *models.Job
}

func (e *JobFailedError) Error() string {
	if e.Job.Error == "" {
		return "job " + e.Job.ID + " failed"
	}
	return "job " + e.Job.ID + " failed: " + e.Job.Error
}

// StatusGetter is the part of Client the poller uses.
type StatusGetter interface {
	Status(ctx context.Context, jobID string) (*models.Job, error)
}

// Poller waits for a job to reach a terminal status.
type Poller struct {
	Client   StatusGetter
	Interval time.Duration
	// OnTick, when set, is called with every status successfully fetched,
	// including the terminal one.
	OnTick func(job *models.Job)
	Logger *slog.Logger
}

// Poll fetches the status of jobID every Interval until the job is completed
// or failed. Network errors and 5xx responses are retried on the next tick;
// any other error ends polling. A failed job is returned together with a
// *JobFailedError.
func (p *Poller) Poll(ctx context.Context, jobID string) (*models.Job, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := p.Client.Status(ctx, jobID)
		switch {
		case err == nil:
			if p.OnTick != nil {
				p.OnTick(job)
			}
			switch job.Status {
			case models.JobStatusCompleted:
				return job, nil
			case models.JobStatusFailed:
				return job, &JobFailedError{Job: job}
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case !retryable(err):
			return nil, err
		default:
			logger.Debug("status poll failed, retrying", "job_id", jobID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	// Transport failures carry no status.
	return true
}
