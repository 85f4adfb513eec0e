package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kiranshivaraju/reconhub/internal/engine"
	"github.com/kiranshivaraju/reconhub/internal/store"
	"github.com/kiranshivaraju/reconhub/pkg/models"
)

const storeWriteTimeout = 10 * time.Second

// dispatch tracks one submitted job until its supervisor is done.
type dispatch struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	handle engine.Handle
}

// attach records the engine handle, cancelling it right away if the job was
// stopped while it was starting.
func (d *dispatch) attach(h engine.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handle = h
	if d.ctx.Err() != nil {
		h.Cancel(context.Cause(d.ctx))
	}
}

func (d *dispatch) stop(cause error) {
	d.cancel(cause)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		d.handle.Cancel(cause)
	}
}

// dispatch hands job to a new goroutine. It reports false once Shutdown has
// begun.
func (s *Service) dispatch(job *models.Job) bool {
	ctx, cancel := context.WithCancelCause(context.Background())
	d := &dispatch{ctx: ctx, cancel: cancel}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel(ErrClosed)
		return false
	}
	s.active[job.ID] = d
	s.wg.Add(1)
	go s.run(d, job)
	return true
}

func (s *Service) stop(id string, cause error) {
	s.mu.Lock()
	d, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		d.stop(cause)
	}
}

// run waits for a slot, starts the engine and holds the slot until the
// engine's supervisor has written a terminal record.
func (s *Service) run(d *dispatch, job *models.Job) {
	logger := s.logger.With("job_id", job.ID, "method", job.Method)
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, job.ID)
		s.mu.Unlock()
		d.cancel(nil)
		s.announce(job.ID)
	}()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic in job dispatcher", "error", p)
			s.fail(job.ID, models.FailureInternal, fmt.Sprintf("panic: %v", p))
		}
	}()

	if err := s.slots.Acquire(d.ctx, 1); err != nil {
		s.abandon(d, job.ID)
		return
	}
	defer s.slots.Release(1)
	if d.ctx.Err() != nil {
		s.abandon(d, job.ID)
		return
	}

	// Skip the launch when the job was cancelled while it was queued.
	if cur, err := s.currentJob(job.ID); err != nil || cur.Status.Terminal() {
		return
	}

	adapter, err := s.registry.Lookup(job.Method)
	if err != nil {
		s.fail(job.ID, models.FailureLaunch, err.Error())
		return
	}

	h, err := adapter.Start(d.ctx, job)
	if err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return
		}
		if cause := context.Cause(d.ctx); errors.Is(cause, engine.ErrShutdown) {
			err = cause
		}
		logger.Warn("engine launch failed", "error", err)
		s.fail(job.ID, engine.FailureKind(err), err.Error())
		return
	}

	d.attach(h)
	<-h.Done()
}

// abandon settles a job that was stopped before its engine started.
func (s *Service) abandon(d *dispatch, id string) {
	if errors.Is(context.Cause(d.ctx), engine.ErrShutdown) {
		s.fail(id, models.FailureInterrupted, "interrupted: service shut down before the job started")
		return
	}
	s.fail(id, models.FailureCancelled, "cancelled")
}

func (s *Service) currentJob(id string) (*models.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	return s.store.GetJob(ctx, id)
}

func (s *Service) fail(id, kind, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	_, err := s.store.UpdateJob(ctx, id, func(j *models.Job) error {
		j.MarkFailed(time.Now().UTC(), kind, reason)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrTerminal) {
		s.logger.Error("record failure failed", "job_id", id, "error_kind", kind, "error", err)
	}
}
