// Package events announces job lifecycle transitions to other systems.
package events

import (
	"context"
	"time"

	"github.com/kiranshivaraju/reconhub/pkg/models"
)

// Event types, also used as AMQP routing keys.
const (
	TypeCompleted = "job.completed"
	TypeFailed    = "job.failed"
)

// Event is the message body published for a terminal job.
type Event struct {
	Type      string           `json:"type"`
	JobID     string           `json:"job_id"`
	Method    models.Method    `json:"method"`
	Status    models.JobStatus `json:"status"`
	OutputRef string           `json:"output_ref,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
	Metrics   *models.Metrics  `json:"metrics,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// FromJob builds the event for a terminal job.
func FromJob(job *models.Job) Event {
	ev := Event{
		Type:      TypeFailed,
		JobID:     job.ID,
		Method:    job.Method,
		Status:    job.Status,
		OutputRef: job.OutputRef,
		Error:     job.Error,
		ErrorKind: job.ErrorKind,
		Metrics:   job.Metrics,
		Timestamp: time.Now().UTC(),
	}
	if job.CompletedAt != nil {
		ev.Timestamp = *job.CompletedAt
	}
	if job.Status == models.JobStatusCompleted {
		ev.Type = TypeCompleted
	}
	return ev
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
