package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kiranshivaraju/reconhub/internal/artifact"
	"github.com/kiranshivaraju/reconhub/internal/catalog"
	"github.com/kiranshivaraju/reconhub/internal/orchestrator"
	"github.com/kiranshivaraju/reconhub/internal/store"
	"github.com/kiranshivaraju/reconhub/internal/workspace"
	"github.com/kiranshivaraju/reconhub/pkg/models"
)

// Options are the deployment wide settings shared by every adapter.
type Options struct {
	// Timeout applies when the catalog entry has none.
	Timeout     time.Duration
	GracePeriod time.Duration
	Layout      workspace.Layout
}

// ContainerAdapter runs one catalog method as a container.
type ContainerAdapter struct {
	method    catalog.Method
	runtime   orchestrator.Orchestrator
	store     store.Store
	gpu       GPUChecker
	artifacts artifact.Store
	opts      Options
	logger    *slog.Logger
}

func NewContainerAdapter(
	method catalog.Method,
	runtime orchestrator.Orchestrator,
	st store.Store,
	gpu GPUChecker,
	artifacts artifact.Store,
	opts Options,
	logger *slog.Logger,
) *ContainerAdapter {
	if artifacts == nil {
		artifacts = artifact.Local{}
	}
	return &ContainerAdapter{
		method:    method,
		runtime:   runtime,
		store:     st,
		gpu:       gpu,
		artifacts: artifacts,
		opts:      opts,
		logger:    logger.With("method", method.ID),
	}
}

// NewContainerAdapters builds one adapter per catalog method.
func NewContainerAdapters(
	cat *catalog.Catalog,
	runtime orchestrator.Orchestrator,
	st store.Store,
	gpu GPUChecker,
	artifacts artifact.Store,
	opts Options,
	logger *slog.Logger,
) []Adapter {
	var out []Adapter
	for _, m := range cat.Methods() {
		out = append(out, NewContainerAdapter(m, runtime, st, gpu, artifacts, opts, logger))
	}
	return out
}

func (a *ContainerAdapter) SupportsMethod(method models.Method) bool {
	return method == a.method.ID
}

// Timeout is the wall-clock budget of one run.
func (a *ContainerAdapter) Timeout() time.Duration {
	if a.method.Timeout > 0 {
		return a.method.Timeout
	}
	return a.opts.Timeout
}

func (a *ContainerAdapter) Start(ctx context.Context, job *models.Job) (Handle, error) {
	if !a.SupportsMethod(job.Method) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, job.Method)
	}

	gpuAvailable := a.gpu.Available(ctx)
	if a.method.GPURequired && !gpuAvailable {
		return nil, fmt.Errorf("%w: %s", ErrGPURequired, a.method.Name)
	}

	outDir := a.opts.Layout.JobDir(job.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create result dir: %w", ErrLaunch, err)
	}

	spec := a.containerSpec(job, outDir, gpuAvailable)
	proc, err := a.runtime.Run(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	started := time.Now()
	_, err = a.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.MarkRunning(started.UTC())
		j.Stage = "Starting"
		return nil
	})
	if err != nil {
		// Cancelled while launching; the record already says why.
		a.discard(proc)
		return nil, fmt.Errorf("mark running: %w", err)
	}

	r := newRun(a, job, proc, outDir, started)
	go r.supervise()

	a.logger.Info("engine started", "job_id", job.ID, "container", proc.ID(), "gpu", spec.GPU, "timeout", r.timeout)
	return r, nil
}

func (a *ContainerAdapter) containerSpec(job *models.Job, outDir string, gpuAvailable bool) orchestrator.Spec {
	params := "{}"
	if len(job.Parameters) > 0 && json.Valid(job.Parameters) {
		params = string(job.Parameters)
	}

	cmd := append([]string{}, a.method.Command...)
	cmd = append(cmd,
		"--input", ContainerInputDir,
		"--output", ContainerOutputDir,
		"--params", params,
	)

	return orchestrator.Spec{
		Name:    "reconhub-" + job.ID,
		Image:   a.method.Image,
		Command: cmd,
		Env:     a.method.Env,
		Mounts: []orchestrator.Mount{
			{Source: a.inputDir(job.Input), Target: ContainerInputDir, ReadOnly: true},
			{Source: outDir, Target: ContainerOutputDir},
		},
		GPU: a.method.GPURequired || (a.method.GPUPreferred && gpuAvailable),
		Labels: map[string]string{
			"reconhub.job":    job.ID,
			"reconhub.method": string(job.Method),
		},
	}
}

func (a *ContainerAdapter) inputDir(in models.InputRef) string {
	if in.IsUpload() {
		return a.opts.Layout.UploadDir(in.UploadID)
	}
	tier := in.Resolution
	if tier == "" {
		tier = models.TierFull
	}
	return a.opts.Layout.DatasetDir(in.Dataset, tier)
}

// discard stops and removes a container nobody is supervising.
func (a *ContainerAdapter) discard(proc orchestrator.Process) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.GracePeriod+30*time.Second)
	defer cancel()
	if err := proc.Stop(ctx, a.opts.GracePeriod); err != nil {
		a.logger.Warn("stop container failed", "container", proc.ID(), "error", err)
	}
	if err := proc.Remove(ctx); err != nil {
		a.logger.Warn("remove container failed", "container", proc.ID(), "error", err)
	}
}
