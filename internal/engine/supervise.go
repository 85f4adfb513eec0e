package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/reconhub/internal/analysis"
	"github.com/kiranshivaraju/reconhub/internal/orchestrator"
	"github.com/kiranshivaraju/reconhub/internal/store"
	"github.com/kiranshivaraju/reconhub/pkg/models"
)

const (
	storeWriteTimeout = 10 * time.Second
	logDrainTimeout   = 5 * time.Second
	stopSlack         = 30 * time.Second
	logTailLines      = 200
)

var errNotRunning = errors.New("job is not running")

// run supervises one container from start to a terminal job record.
type run struct {
	a       *ContainerAdapter
	jobID   string
	proc    orchestrator.Process
	outDir  string
	started time.Time
	timeout time.Duration
	logger  *slog.Logger

	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopTimer context.CancelFunc
	done      chan struct{}

	mu   sync.Mutex
	tail []string
}

func newRun(a *ContainerAdapter, job *models.Job, proc orchestrator.Process, outDir string, started time.Time) *run {
	timeout := a.Timeout()
	base, cancel := context.WithCancelCause(context.Background())
	ctx, stopTimer := context.WithTimeoutCause(base, timeout, ErrTimeout)
	return &run{
		a:         a,
		jobID:     job.ID,
		proc:      proc,
		outDir:    outDir,
		started:   started,
		timeout:   timeout,
		logger:    a.logger.With("job_id", job.ID, "container", proc.ID()),
		ctx:       ctx,
		cancel:    cancel,
		stopTimer: stopTimer,
		done:      make(chan struct{}),
	}
}

func (r *run) Done() <-chan struct{} { return r.done }

func (r *run) Cancel(cause error) {
	if cause == nil {
		cause = ErrCancelled
	}
	r.cancel(cause)
}

type exitStatus struct {
	code int
	err  error
}

func (r *run) supervise() {
	defer close(r.done)
	defer r.stopTimer()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in engine supervisor", "error", p)
			r.fail(models.FailureInternal, fmt.Sprintf("panic: %v", p))
			r.a.discard(r.proc)
		}
	}()

	logsDone := make(chan struct{})
	go r.followLogs(logsDone)

	waitCtx, stopWait := context.WithCancel(context.Background())
	defer stopWait()
	exited := make(chan exitStatus, 1)
	go func() {
		code, err := r.proc.Wait(waitCtx)
		exited <- exitStatus{code: code, err: err}
	}()

	select {
	case res := <-exited:
		select {
		case <-logsDone:
		case <-time.After(logDrainTimeout):
		}
		r.finish(res)
	case <-r.ctx.Done():
		r.abort(context.Cause(r.ctx))
		select {
		case <-exited:
		case <-time.After(r.a.opts.GracePeriod + stopSlack):
			r.logger.Warn("container still running after stop")
		}
	}
	r.remove()
}

func (r *run) followLogs(done chan<- struct{}) {
	defer close(done)

	rc, err := r.proc.Logs(r.ctx)
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Warn("follow engine logs failed", "error", err)
		}
		return
	}
	defer rc.Close()

	est := NewEstimator(r.a.method)
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(scanLogLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		r.remember(line)

		progress, stage, changed := est.Observe(line)
		if !changed {
			continue
		}
		// A terminal record written elsewhere (another replica's cancel)
		// ends this run too.
		if err := r.report(progress, stage); errors.Is(err, store.ErrTerminal) {
			r.Cancel(ErrCancelled)
			return
		}
	}
}

func (r *run) report(progress int, stage string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	_, err := r.a.store.UpdateJob(ctx, r.jobID, func(j *models.Job) error {
		if j.Status != models.JobStatusRunning {
			return errNotRunning
		}
		j.Progress = progress
		j.Stage = stage
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrTerminal) && !errors.Is(err, errNotRunning) {
		r.logger.Warn("progress update failed", "error", err)
	}
	return err
}

func (r *run) finish(res exitStatus) {
	if res.err != nil {
		r.fail(models.FailureInternal, fmt.Sprintf("lost track of engine container: %v", res.err))
		return
	}
	if res.code != 0 {
		r.fail(models.FailureTool, r.exitReason(res.code))
		return
	}

	result, err := CollectResult(r.outDir, r.a.method.Outputs, time.Since(r.started))
	if err != nil {
		r.fail(FailureKind(err), err.Error())
		return
	}

	if err := r.a.artifacts.Publish(r.ctx, r.jobID, r.outDir, result.Files); err != nil {
		if cause := context.Cause(r.ctx); cause != nil {
			r.abort(cause)
			return
		}
		r.fail(models.FailureInternal, fmt.Sprintf("publish artifacts: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	_, err = r.a.store.UpdateJob(ctx, r.jobID, func(j *models.Job) error {
		j.MarkCompleted(time.Now().UTC(), result.OutputRef, result.Files, result.Metrics)
		j.Stage = "Completed"
		return nil
	})
	switch {
	case err == nil:
		r.logger.Info("job completed", "output", result.OutputRef, "files", len(result.Files), "points", result.Metrics.Points)
	case errors.Is(err, store.ErrTerminal):
		r.logger.Info("job ended before completion was recorded")
	default:
		r.logger.Error("record completion failed", "error", err)
	}
}

func (r *run) exitReason(code int) string {
	reason := fmt.Sprintf("engine exited with code %d", code)
	if s, err := ReadSummary(r.outDir); err == nil && s != nil && s.Error != "" {
		return reason + ": " + s.Error
	}
	if msg := analysis.FailureReason(r.recentLines()); msg != "" {
		return reason + ": " + msg
	}
	if last := r.lastLines(3); last != "" {
		return reason + ": " + last
	}
	return reason
}

// abort records why the run was cut short, then stops the container.
func (r *run) abort(cause error) {
	kind, reason := describeCause(cause, r.timeout)
	r.fail(kind, reason)

	ctx, cancel := context.WithTimeout(context.Background(), r.a.opts.GracePeriod+stopSlack)
	defer cancel()
	if err := r.proc.Stop(ctx, r.a.opts.GracePeriod); err != nil {
		r.logger.Warn("stop container failed", "error", err)
	}
}

func describeCause(cause error, timeout time.Duration) (kind, reason string) {
	switch {
	case errors.Is(cause, ErrTimeout):
		return models.FailureTimeout, fmt.Sprintf("timeout: engine ran longer than %s", timeout)
	case errors.Is(cause, ErrShutdown):
		return models.FailureInterrupted, "interrupted: service shut down before the job finished"
	default:
		return models.FailureCancelled, "cancelled"
	}
}

func (r *run) fail(kind, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	_, err := r.a.store.UpdateJob(ctx, r.jobID, func(j *models.Job) error {
		j.MarkFailed(time.Now().UTC(), kind, reason)
		return nil
	})
	switch {
	case err == nil:
		r.logger.Warn("job failed", "error_kind", kind, "reason", reason)
	case errors.Is(err, store.ErrTerminal):
	default:
		r.logger.Error("record failure failed", "error_kind", kind, "error", err)
	}
}

func (r *run) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), stopSlack)
	defer cancel()
	if err := r.proc.Remove(ctx); err != nil {
		r.logger.Warn("remove container failed", "error", err)
	}
}

func (r *run) remember(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tail = append(r.tail, line)
	if len(r.tail) > logTailLines {
		r.tail = r.tail[len(r.tail)-logTailLines:]
	}
}

func (r *run) recentLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tail...)
}

func (r *run) lastLines(n int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := len(r.tail) - n
	if start < 0 {
		start = 0
	}
	return strings.Join(r.tail[start:], " | ")
}
