package store

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/reconhub/pkg/models"
)

// MemoryStore keeps jobs in process memory. Jobs live as long as the process.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*models.Job
	order []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job)}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = job.Clone()
	s.order = append(s.order, job.ID)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, id string, mutate Mutator) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	next, err := applyUpdate(cur, mutate, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

// ListJobs returns jobs in insertion order.
func (s *MemoryStore) ListJobs(_ context.Context) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id].Clone())
	}
	return jobs, nil
}
