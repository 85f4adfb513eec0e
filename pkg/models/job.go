package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a reconstruction job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

var validTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusRunning, JobStatusFailed},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed},
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Staying in the same non-terminal state is allowed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Failure kinds recorded on failed jobs.
const (
	FailureLaunch      = "launch_error"
	FailureGPURequired = "gpu_required"
	FailureTool        = "tool_failure"
	FailureTimeout     = "timeout"
	FailureCancelled   = "cancelled"
	FailureInterrupted = "interrupted"
	FailureInternal    = "internal_error"
)

// InputRef points at the images a job reconstructs from: either an upload or
// a built-in dataset at a resolution tier.
type InputRef struct {
	UploadID   string `json:"upload_id,omitempty"`
	Dataset    string `json:"dataset,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// IsUpload reports whether the input refers to an uploaded image set.
func (r InputRef) IsUpload() bool {
	return r.UploadID != ""
}

// Metrics are informational values parsed from an engine's summary artifact.
type Metrics struct {
	Points                int64   `json:"points,omitempty"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds,omitempty"`
	MemoryUsedBytes       int64   `json:"memory_used_bytes,omitempty"`
}

// Job is one reconstruction attempt. Clients submit it via POST /reconstruct
// and poll GET /status/{job_id} until status is completed or failed.
type Job struct {
	ID          string          `json:"job_id"`
	Method      Method          `json:"method"`
	Input       InputRef        `json:"input"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	Stage       string          `json:"stage,omitempty"`
	OutputRef   string          `json:"output_ref,omitempty"`
	OutputFiles []string        `json:"output_files,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Metrics     *Metrics        `json:"metrics,omitempty"`
	Instance    string          `json:"instance,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	if j.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), j.Parameters...)
	}
	if j.OutputFiles != nil {
		c.OutputFiles = append([]string(nil), j.OutputFiles...)
	}
	if j.Metrics != nil {
		m := *j.Metrics
		c.Metrics = &m
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// MarkRunning moves a queued job to running.
func (j *Job) MarkRunning(now time.Time) {
	j.Status = JobStatusRunning
	j.StartedAt = &now
}

// MarkCompleted records a successful run.
func (j *Job) MarkCompleted(now time.Time, outputRef string, files []string, metrics *Metrics) {
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.OutputRef = outputRef
	j.OutputFiles = files
	j.Metrics = metrics
	j.CompletedAt = &now
}

// MarkFailed records a failure with its kind and human readable reason.
func (j *Job) MarkFailed(now time.Time, kind, reason string) {
	j.Status = JobStatusFailed
	j.ErrorKind = kind
	j.Error = reason
	j.CompletedAt = &now
}
