// Package mock provides an in-process Orchestrator for tests. Containers are
// simulated: logs are canned and output files are written straight into the
// spec's first writable mount.
package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/reconhub/internal/orchestrator"
)

// Behavior scripts what a simulated container does.
type Behavior struct {
	// Logs are emitted one per line.
	Logs []string
	// Files are written relative to the output mount before the process exits.
	Files    map[string]string
	ExitCode int
	// Release, when non-nil, holds the container running until it is closed.
	Release <-chan struct{}
	// Hang keeps the container running until it is stopped.
	Hang bool
}

// Orchestrator records every Run and plays back a Behavior for it.
type Orchestrator struct {
	mu       sync.Mutex
	RunErr   error
	ReadyErr error
	// BehaviorFunc chooses the behavior per spec; Default is used when nil.
	BehaviorFunc func(spec orchestrator.Spec) Behavior
	Default      Behavior

	runs    []*Process
	started chan *Process
}

// New returns an Orchestrator whose containers exit 0 with no output.
func New() *Orchestrator {
	return &Orchestrator{started: make(chan *Process, 64)}
}

func (o *Orchestrator) Name() string { return "mock" }

func (o *Orchestrator) Ready(context.Context) error { return o.ReadyErr }

func (o *Orchestrator) Close() error { return nil }

func (o *Orchestrator) Run(_ context.Context, spec orchestrator.Spec) (orchestrator.Process, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.RunErr != nil {
		return nil, o.RunErr
	}

	b := o.Default
	if o.BehaviorFunc != nil {
		b = o.BehaviorFunc(spec)
	}
	p := &Process{
		id:      fmt.Sprintf("mock-%d", len(o.runs)+1),
		spec:    spec,
		b:       b,
		stopped: make(chan struct{}),
	}
	o.runs = append(o.runs, p)
	select {
	case o.started <- p:
	default:
	}
	return p, nil
}

// Runs returns every process started so far.
func (o *Orchestrator) Runs() []*Process {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Process, len(o.runs))
	copy(out, o.runs)
	return out
}

// Started delivers processes as they are run.
func (o *Orchestrator) Started() <-chan *Process {
	return o.started
}

// Process is a simulated container.
type Process struct {
	id   string
	spec orchestrator.Spec
	b    Behavior

	stopOnce sync.Once
	stopped  chan struct{}
	mu       sync.Mutex
	removed  bool
	grace    time.Duration
}

func (p *Process) ID() string { return p.id }

// Spec returns the spec the process was started with.
func (p *Process) Spec() orchestrator.Spec { return p.spec }

func (p *Process) Logs(context.Context) (io.ReadCloser, error) {
	text := strings.Join(p.b.Logs, "\n")
	if text != "" {
		text += "\n"
	}
	return io.NopCloser(strings.NewReader(text)), nil
}

func (p *Process) Wait(ctx context.Context) (int, error) {
	if p.b.Hang {
		select {
		case <-p.stopped:
			return 137, nil
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	if p.b.Release != nil {
		select {
		case <-p.b.Release:
		case <-p.stopped:
			return 137, nil
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	if err := p.writeFiles(); err != nil {
		return -1, err
	}
	return p.b.ExitCode, nil
}

func (p *Process) writeFiles() error {
	if len(p.b.Files) == 0 {
		return nil
	}
	dir := ""
	for _, m := range p.spec.Mounts {
		if !m.ReadOnly {
			dir = m.Source
			break
		}
	}
	if dir == "" {
		return errors.New("mock: no writable mount for output files")
	}
	for name, content := range p.b.Files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (p *Process) Stop(_ context.Context, grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.grace = grace
		p.mu.Unlock()
		close(p.stopped)
	})
	return nil
}

func (p *Process) Remove(context.Context) error {
	p.mu.Lock()
	p.removed = true
	p.mu.Unlock()
	return nil
}

// Stopped reports whether Stop was called, and with which grace period.
func (p *Process) Stopped() (bool, time.Duration) {
	select {
	case <-p.stopped:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.grace
	default:
		return false, 0
	}
}

// Removed reports whether Remove was called.
func (p *Process) Removed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removed
}
