package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/id"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) (string, error) {
	job, err := prepareNew(job, id.New, s.now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return "", fmt.Errorf("insert job %s: duplicate id", job.ID)
	}
	s.jobs[job.ID] = job
	return job.ID, nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) Update(_ context.Context, id string, update domain.JobUpdate) error {
	if update.Empty() {
		return ErrEmptyUpdate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if update.FromStatus != nil && job.Status != *update.FromStatus {
		return fmt.Errorf("%w: job %s is %s", ErrStatusConflict, id, job.Status)
	}
	if update.Status != nil {
		if err := checkTransition(id, job.Status, *update.Status); err != nil {
			return err
		}
	}

	job = update.Apply(job)
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

func (s *MemoryJobStore) List(_ context.Context, filter ListFilter) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, job.ID) {
			continue
		}
		out = append(out, job)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
