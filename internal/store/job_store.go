package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/faceflow/internal/domain"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrStatusConflict = errors.New("job status changed concurrently")
	ErrEmptyUpdate    = errors.New("job update has no fields")
	// ErrInvalidTransition rejects a status change the job lifecycle forbids,
	// such as leaving a terminal status.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// JobStore persists job records. Get reports a missing record with ok=false
// and a nil error; any non-nil error means the store itself failed.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) (string, error)
	Update(ctx context.Context, id string, update domain.JobUpdate) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Job, error)
}

type ListFilter struct {
	Status domain.JobStatus
	IDs    []string
	Limit  int
}

// prepareNew fills the fields every backend assigns on insert.
func prepareNew(job domain.Job, newID func() string, now time.Time) (domain.Job, error) {
	if err := job.Validate(); err != nil {
		return domain.Job{}, err
	}
	if job.ID == "" {
		job.ID = newID()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	return job, nil
}

// allowedFrom lists the statuses from which a job may be written with status
// next. Rewriting the current status is not a transition and is allowed.
func allowedFrom(next domain.JobStatus) []domain.JobStatus {
	var from []domain.JobStatus
	for _, s := range domain.JobStatuses() {
		if s == next || s.CanTransition(next) {
			from = append(from, s)
		}
	}
	return from
}

func checkTransition(id string, current, next domain.JobStatus) error {
	if current == next || current.CanTransition(next) {
		return nil
	}
	return fmt.Errorf("%w: job %s cannot move from %s to %s", ErrInvalidTransition, id, current, next)
}
