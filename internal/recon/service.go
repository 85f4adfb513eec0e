// Package recon is the reconstruction service: it validates submissions,
// creates jobs, dispatches them to engine adapters under a concurrency limit
// and serves job status and results.
package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reconhub/internal/artifact"
	"github.com/kiranshivaraju/reconhub/internal/catalog"
	"github.com/kiranshivaraju/reconhub/internal/dataset"
	"github.com/kiranshivaraju/reconhub/internal/engine"
	"github.com/kiranshivaraju/reconhub/internal/events"
	"github.com/kiranshivaraju/reconhub/internal/store"
	"github.com/kiranshivaraju/reconhub/internal/upload"
	"github.com/kiranshivaraju/reconhub/internal/workspace"
	"github.com/kiranshivaraju/reconhub/pkg/models"
	"golang.org/x/sync/semaphore"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotReady        = errors.New("job result not ready")
	ErrFileNotFound    = errors.New("file not found")
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrClosed          = errors.New("service is shutting down")
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

const eventTimeout = 10 * time.Second

var errStillOwned = errors.New("job is still owned by a live instance")

// GPU reports GPU availability and devices.
type GPU interface {
	Available(ctx context.Context) bool
	Status(ctx context.Context) models.GPUStatus
}

// SubmitRequest is a validated-on-submit description of a new job.
type SubmitRequest struct {
	JobID      string
	Method     models.Method
	UploadID   string
	Dataset    string
	Resolution string
	Parameters json.RawMessage
}

// Deps are the collaborators of the service.
type Deps struct {
	Store     store.Store
	Catalog   *catalog.Catalog
	Registry  *engine.Registry
	Datasets  *dataset.Catalog
	Uploads   *upload.Store
	Artifacts artifact.Store
	Events    events.Publisher
	GPU       GPU
	Layout    workspace.Layout
	Logger    *slog.Logger
}

// Options are the service limits.
type Options struct {
	MaxConcurrent int
	MinImages     int
	// Instance is recorded on every job this service dispatches.
	Instance string
	// StaleAfter is how long a job owned by another instance may go without
	// an update before Recover treats that instance as gone. Zero leaves
	// other instances' jobs alone.
	StaleAfter time.Duration
}

// Service implements the job lifecycle behind the HTTP API.
type Service struct {
	store     store.Store
	catalog   *catalog.Catalog
	registry  *engine.Registry
	datasets  *dataset.Catalog
	uploads   *upload.Store
	artifacts artifact.Store
	events    events.Publisher
	gpu       GPU
	layout    workspace.Layout
	opts      Options
	logger    *slog.Logger

	slots *semaphore.Weighted
	wg    sync.WaitGroup

	mu     sync.Mutex
	active map[string]*dispatch
	closed bool
}

func New(deps Deps, opts Options) *Service {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.MinImages < 1 {
		opts.MinImages = 1
	}
	if deps.Artifacts == nil {
		deps.Artifacts = artifact.Local{}
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		store:     deps.Store,
		catalog:   deps.Catalog,
		registry:  deps.Registry,
		datasets:  deps.Datasets,
		uploads:   deps.Uploads,
		artifacts: deps.Artifacts,
		events:    deps.Events,
		gpu:       deps.GPU,
		layout:    deps.Layout,
		opts:      opts,
		logger:    deps.Logger,
		slots:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		active:    make(map[string]*dispatch),
	}
}

// Submit validates req, records a queued job and hands it to the dispatcher.
// It does not wait for the engine to start.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	method, ok := s.catalog.Lookup(req.Method)
	if !ok {
		return nil, fmt.Errorf("%w: unknown method %q", ErrValidation, req.Method)
	}
	if method.GPURequired && !s.gpu.Available(ctx) {
		return nil, fmt.Errorf("%w: %s", engine.ErrGPURequired, method.Name)
	}

	// Older clients send the upload id as job_id and nothing else.
	if req.UploadID == "" && req.Dataset == "" && req.JobID != "" {
		req.UploadID = req.JobID
	}
	input, err := s.resolveInput(req)
	if err != nil {
		return nil, err
	}

	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	} else if !jobIDPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: invalid job_id %q", ErrValidation, id)
	}

	params := req.Parameters
	if len(params) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(params, &obj); err != nil || obj == nil {
			return nil, fmt.Errorf("%w: parameters must be a JSON object", ErrValidation)
		}
	} else {
		params = nil
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:         id,
		Method:     method.ID,
		Input:      input,
		Parameters: params,
		Status:     models.JobStatusQueued,
		Stage:      "Queued",
		Instance:   s.opts.Instance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if !s.dispatch(job) {
		s.fail(job.ID, models.FailureInterrupted, "interrupted: service shut down before the job started")
		return nil, ErrClosed
	}
	s.logger.Info("job submitted", "job_id", job.ID, "method", job.Method, "upload_id", input.UploadID, "dataset", input.Dataset)
	return job.Clone(), nil
}

func (s *Service) resolveInput(req SubmitRequest) (models.InputRef, error) {
	switch {
	case req.UploadID != "" && req.Dataset != "":
		return models.InputRef{}, fmt.Errorf("%w: give either upload_id or dataset_name, not both", ErrValidation)

	case req.UploadID != "":
		up, err := s.uploads.Get(req.UploadID)
		switch {
		case errors.Is(err, upload.ErrNotFound), errors.Is(err, upload.ErrInvalidID):
			return models.InputRef{}, fmt.Errorf("%w: unknown upload %q", ErrValidation, req.UploadID)
		case err != nil:
			return models.InputRef{}, err
		}
		if up.FileCount < s.opts.MinImages {
			return models.InputRef{}, fmt.Errorf("%w: upload %q has %d images, at least %d are required",
				ErrValidation, req.UploadID, up.FileCount, s.opts.MinImages)
		}
		return models.InputRef{UploadID: up.ID}, nil

	case req.Dataset != "":
		tier := req.Resolution
		if tier == "" {
			tier = models.TierFull
		}
		if _, _, err := s.datasets.Resolve(req.Dataset, tier); err != nil {
			if errors.Is(err, dataset.ErrUnknownDataset) || errors.Is(err, dataset.ErrUnknownTier) ||
				errors.Is(err, dataset.ErrNotProvisioned) {
				return models.InputRef{}, fmt.Errorf("%w: %w", ErrValidation, err)
			}
			return models.InputRef{}, err
		}
		return models.InputRef{Dataset: req.Dataset, Resolution: tier}, nil

	default:
		return models.InputRef{}, fmt.Errorf("%w: upload_id or dataset_name is required", ErrValidation)
	}
}

// GetStatus returns a snapshot of the job.
func (s *Service) GetStatus(ctx context.Context, id string) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns every job known to the store.
func (s *Service) List(ctx context.Context) ([]*models.Job, error) {
	return s.store.ListJobs(ctx)
}

// Results lists the output files of a completed job.
func (s *Service) Results(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", ErrNotReady, job.Status)
	}
	return job, nil
}

// GetResult opens one output file of a completed job. Files missing from the
// local results directory are read from the artifact store.
func (s *Service) GetResult(ctx context.Context, id, filename string) (io.ReadCloser, error) {
	job, err := s.Results(ctx, id)
	if err != nil {
		return nil, err
	}

	name, ok := matchOutput(job.OutputFiles, filename)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFileNotFound, filename)
	}

	local, err := workspace.Join(s.layout.JobDir(job.ID), name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrFileNotFound, filename)
	}
	f, err := os.Open(local)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("open result: %w", err)
	}

	rc, err := s.artifacts.Open(ctx, job.ID, name)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrFileNotFound, filename)
	}
	return rc, err
}

// matchOutput finds filename among the job's outputs, first by relative path
// and then by base name.
func matchOutput(files []string, filename string) (string, bool) {
	if filename == "" || strings.Contains(filename, "..") || strings.ContainsRune(filename, '\\') {
		return "", false
	}
	want := strings.TrimPrefix(path.Clean("/"+filename), "/")
	for _, f := range files {
		if f == want {
			return f, true
		}
	}
	for _, f := range files {
		if path.Base(f) == want {
			return f, true
		}
	}
	return "", false
}

// Cancel fails a queued or running job with reason cancelled and stops its
// container. The record is written before the container is stopped.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.store.UpdateJob(ctx, id, func(j *models.Job) error {
		j.MarkFailed(time.Now().UTC(), models.FailureCancelled, "cancelled")
		j.Stage = "Cancelled"
		return nil
	})
	if errors.Is(err, store.ErrTerminal) {
		return nil, ErrAlreadyTerminal
	}
	if err != nil {
		return nil, err
	}

	s.stop(id, engine.ErrCancelled)
	s.logger.Info("job cancelled", "job_id", id)
	return job, nil
}

// Methods describes the catalog with availability for this host.
func (s *Service) Methods(ctx context.Context) []models.MethodInfo {
	gpu := s.gpu.Available(ctx)
	methods := s.catalog.Methods()
	out := make([]models.MethodInfo, 0, len(methods))
	for _, m := range methods {
		out = append(out, m.Info(gpu))
	}
	return out
}

// EstimatedTime is the catalog's rough run time for method.
func (s *Service) EstimatedTime(method models.Method) string {
	m, _ := s.catalog.Lookup(method)
	return m.EstimatedTime
}

func (s *Service) Datasets() []models.Dataset {
	return s.datasets.List()
}

func (s *Service) DatasetImages(name, tier string) ([]dataset.Image, error) {
	return s.datasets.Images(name, tier)
}

func (s *Service) GPUStatus(ctx context.Context) models.GPUStatus {
	return s.gpu.Status(ctx)
}

// Recover fails jobs that a previous process left queued or running. It
// must run before the service accepts submissions. Jobs of other instances
// sharing the store are only failed once they have gone StaleAfter without
// an update.
func (s *Service) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	now := time.Now().UTC()
	n := 0
	for _, j := range jobs {
		if j.Status.Terminal() || !s.orphaned(j, now) {
			continue
		}
		// The owner may have written since ListJobs, so check again under the update.
		_, err := s.store.UpdateJob(ctx, j.ID, func(j *models.Job) error {
			if !s.orphaned(j, now) {
				return errStillOwned
			}
			j.MarkFailed(now, models.FailureInterrupted, "interrupted: service restarted before the job finished")
			return nil
		})
		if errors.Is(err, store.ErrTerminal) || errors.Is(err, errStillOwned) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("recover job %s: %w", j.ID, err)
		}
		n++
		s.announce(j.ID)
	}
	if n > 0 {
		s.logger.Warn("interrupted jobs from previous run", "count", n)
	}
	return n, nil
}

// orphaned reports whether no live process can still be dispatching j.
func (s *Service) orphaned(j *models.Job, now time.Time) bool {
	if j.Instance == "" || j.Instance == s.opts.Instance {
		return true
	}
	return s.opts.StaleAfter > 0 && now.Sub(j.UpdatedAt) > s.opts.StaleAfter
}

// Shutdown stops accepting jobs, interrupts queued and running ones and waits
// for their supervisors to finish or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.stop(id, engine.ErrShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}
}

// announce publishes the lifecycle event of a terminal job.
func (s *Service) announce(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		s.logger.Warn("load job for event failed", "job_id", id, "error", err)
		return
	}
	if !job.Status.Terminal() {
		return
	}
	if err := s.events.Publish(ctx, events.FromJob(job)); err != nil {
		s.logger.Warn("publish job event failed", "job_id", id, "error", err)
	}
}
