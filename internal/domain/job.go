package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusSubmitted JobStatus = "submitted"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimedOut  JobStatus = "timed_out"
)

func ParseJobStatus(raw string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(JobStatuses(), status) {
		return "", fmt.Errorf("unsupported job status: %q", raw)
	}
	return status, nil
}

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut:
		return true
	default:
		return false
	}
}

// JobStatuses lists every status in lifecycle order.
func JobStatuses() []JobStatus {
	return []JobStatus{JobStatusPending, JobStatusSubmitted, JobStatusCompleted, JobStatusFailed, JobStatusTimedOut}
}

// CanTransition reports whether a job in status s may move to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusSubmitted || next == JobStatusFailed
	case JobStatusSubmitted:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusTimedOut
	default:
		return false
	}
}

type Job struct {
	ID              string     `json:"id"`
	AnchorKey       string     `json:"anchor_key"`
	TargetKey       string     `json:"target_key"`
	Name            string     `json:"name,omitempty"`
	Prompt          string     `json:"prompt,omitempty"`
	PollURL         *string    `json:"poll_url,omitempty"`
	RemoteResultURL *string    `json:"remote_result_url,omitempty"`
	ResultKey       *string    `json:"result_key,omitempty"`
	ResultURL       *string    `json:"result_url,omitempty"`
	URLExpiresAt    *time.Time `json:"url_expires_at,omitempty"`
	Status          JobStatus  `json:"status"`
	Error           *string    `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.AnchorKey) == "" {
		return errors.New("anchor key is required")
	}
	if strings.TrimSpace(j.TargetKey) == "" {
		return errors.New("target key is required")
	}
	return nil
}

// JobUpdate carries a partial update. Nil fields are left untouched.
// FromStatus, when set, guards the write: the row is only updated while it
// still holds that status.
type JobUpdate struct {
	Status          *JobStatus
	PollURL         *string
	RemoteResultURL *string
	ResultKey       *string
	ResultURL       *string
	URLExpiresAt    *time.Time
	Error           *string

	FromStatus *JobStatus
}

func (u JobUpdate) Empty() bool {
	return u.Status == nil &&
		u.PollURL == nil &&
		u.RemoteResultURL == nil &&
		u.ResultKey == nil &&
		u.ResultURL == nil &&
		u.URLExpiresAt == nil &&
		u.Error == nil
}

// Apply returns a copy of job with the update's fields written over it.
func (u JobUpdate) Apply(job Job) Job {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.PollURL != nil {
		job.PollURL = Ptr(*u.PollURL)
	}
	if u.RemoteResultURL != nil {
		job.RemoteResultURL = Ptr(*u.RemoteResultURL)
	}
	if u.ResultKey != nil {
		job.ResultKey = Ptr(*u.ResultKey)
	}
	if u.ResultURL != nil {
		job.ResultURL = Ptr(*u.ResultURL)
	}
	if u.URLExpiresAt != nil {
		job.URLExpiresAt = Ptr(*u.URLExpiresAt)
	}
	if u.Error != nil {
		job.Error = Ptr(*u.Error)
	}
	return job
}

func Ptr[T any](v T) *T {
	return &v
}

func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
