// Package poller drives a submitted job to a terminal state: it queries the
// generation service with exponential backoff, then copies the finished
// artifact into object storage and finalizes the job record.
package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/generation"
	"github.com/dunamismax/faceflow/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultMultiplier  = 1.5
	DefaultMaxInterval = 30 * time.Second
	DefaultMaxAttempts = 200
	DefaultDeadline    = 30 * time.Minute
)

var (
	ErrTimedOut     = errors.New("polling timed out")
	ErrRemoteFailed = errors.New("remote generation failed")
	ErrNotSubmitted = errors.New("job has no poll url")

	errStillRunning = errors.New("generation still running")
)

type StatusClient interface {
	Status(ctx context.Context, pollURL string) (generation.Status, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

type Uploader interface {
	Upload(ctx context.Context, path string) (domain.Asset, error)
	UploadBytes(ctx context.Context, name string, data []byte) (domain.Asset, error)
	Expiry() time.Duration
}

type JobStore interface {
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	Update(ctx context.Context, id string, update domain.JobUpdate) error
}

type Config struct {
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
	MaxAttempts int
	Deadline    time.Duration
	// ScratchDir receives downloaded artifacts before upload. Empty keeps
	// them in memory.
	ScratchDir string
}

type Result struct {
	Key       string
	URL       string
	RemoteURL string
	ExpiresAt time.Time
}

type Poller struct {
	client   StatusClient
	uploader Uploader
	jobs     JobStore
	cfg      Config
	logger   *zap.Logger
	notify   func(error, time.Duration)
	now      func() time.Time
}

type Option func(*Poller)

func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithNotify registers a hook called before every backoff sleep.
func WithNotify(fn func(error, time.Duration)) Option {
	return func(p *Poller) { p.notify = fn }
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func New(client StatusClient, uploader Uploader, jobs JobStore, cfg Config, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = max(DefaultMaxInterval, cfg.Interval)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}

	p := &Poller{
		client:   client,
		uploader: uploader,
		jobs:     jobs,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll blocks until the job reaches a terminal state, ctx ends or the
// attempt budget runs out. A job that is already completed is returned as
// stored without touching the network.
func (p *Poller) Poll(ctx context.Context, jobID string) (Result, error) {
	job, ok, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return Result{}, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return Result{}, fmt.Errorf("load job %s: %w", jobID, store.ErrJobNotFound)
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		return storedResult(job), nil
	case domain.JobStatusFailed:
		return Result{}, fmt.Errorf("%w: %s", ErrRemoteFailed, domain.Deref(job.Error))
	case domain.JobStatusTimedOut:
		return Result{}, ErrTimedOut
	}

	pollURL := strings.TrimSpace(domain.Deref(job.PollURL))
	if pollURL == "" {
		return Result{}, fmt.Errorf("poll job %s: %w", jobID, ErrNotSubmitted)
	}

	logger := p.logger.With(zap.String("job_id", jobID))
	status, err := p.wait(ctx, logger, pollURL)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(err, ErrRemoteFailed) {
			p.markTerminal(ctx, logger, jobID, domain.JobStatusFailed, err.Error())
			return Result{}, err
		}
		msg := fmt.Sprintf("no terminal status after %d attempts or %s: %v", p.cfg.MaxAttempts, p.cfg.Deadline, err)
		p.markTerminal(ctx, logger, jobID, domain.JobStatusTimedOut, msg)
		return Result{}, fmt.Errorf("%w: %s", ErrTimedOut, msg)
	}

	result, err := p.finalize(ctx, logger, job, status.Outputs[0])
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		p.markTerminal(ctx, logger, jobID, domain.JobStatusFailed, err.Error())
		return Result{}, err
	}
	return result, nil
}

func (p *Poller) wait(ctx context.Context, logger *zap.Logger, pollURL string) (generation.Status, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.cfg.Interval
	expo.Multiplier = p.cfg.Multiplier
	expo.MaxInterval = p.cfg.MaxInterval
	expo.RandomizationFactor = 0

	attempt := 0
	operation := func() (generation.Status, error) {
		attempt++
		status, err := p.client.Status(pollCtx, pollURL)
		if err != nil {
			logger.Warn("status query failed", zap.Int("attempt", attempt), zap.Error(err))
			return generation.Status{}, err
		}
		switch {
		case status.Completed():
			if len(status.Outputs) == 0 {
				return generation.Status{}, backoff.Permanent(fmt.Errorf("%w: completed without outputs", ErrRemoteFailed))
			}
			return status, nil
		case status.Failed():
			msg := strings.TrimSpace(status.Error)
			if msg == "" {
				msg = "status " + status.State
			}
			return generation.Status{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrRemoteFailed, msg))
		default:
			logger.Debug("generation pending", zap.Int("attempt", attempt), zap.String("state", status.State))
			return generation.Status{}, fmt.Errorf("%w: %s", errStillRunning, status.State)
		}
	}

	return backoff.Retry(pollCtx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(p.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(p.cfg.Deadline),
		backoff.WithNotify(func(err error, next time.Duration) {
			if p.notify != nil {
				p.notify(err, next)
			}
		}),
	)
}

func (p *Poller) finalize(ctx context.Context, logger *zap.Logger, job domain.Job, remoteURL string) (Result, error) {
	data, err := p.client.Download(ctx, remoteURL)
	if err != nil {
		return Result{}, fmt.Errorf("download result: %w", err)
	}

	name := job.ID + "." + artifactExtension(data, remoteURL)
	asset, err := p.upload(ctx, name, data)
	if err != nil {
		return Result{}, fmt.Errorf("upload result: %w", err)
	}

	expiresAt := p.now().Add(p.uploader.Expiry())
	err = p.jobs.Update(ctx, job.ID, domain.JobUpdate{
		Status:          domain.Ptr(domain.JobStatusCompleted),
		RemoteResultURL: domain.Ptr(remoteURL),
		ResultKey:       domain.Ptr(asset.Key),
		ResultURL:       domain.Ptr(asset.URL),
		URLExpiresAt:    &expiresAt,
		FromStatus:      domain.Ptr(domain.JobStatusSubmitted),
	})
	if errors.Is(err, store.ErrStatusConflict) {
		current, ok, getErr := p.jobs.Get(ctx, job.ID)
		if getErr == nil && ok && current.Status == domain.JobStatusCompleted {
			logger.Info("job completed concurrently, keeping stored result")
			return storedResult(current), nil
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("record result: %w", err)
	}

	logger.Info("job completed", zap.String("result_key", asset.Key))
	return Result{Key: asset.Key, URL: asset.URL, RemoteURL: remoteURL, ExpiresAt: expiresAt}, nil
}

func (p *Poller) upload(ctx context.Context, name string, data []byte) (domain.Asset, error) {
	if p.cfg.ScratchDir == "" {
		return p.uploader.UploadBytes(ctx, name, data)
	}

	if err := os.MkdirAll(p.cfg.ScratchDir, 0o755); err != nil {
		return domain.Asset{}, fmt.Errorf("create scratch dir: %w", err)
	}
	path := filepath.Join(p.cfg.ScratchDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return domain.Asset{}, fmt.Errorf("write scratch file: %w", err)
	}
	defer os.Remove(path)

	return p.uploader.Upload(ctx, path)
}

func (p *Poller) markTerminal(ctx context.Context, logger *zap.Logger, jobID string, status domain.JobStatus, msg string) {
	// A cancelled run still records the outcome.
	writeCtx := context.WithoutCancel(ctx)
	err := p.jobs.Update(writeCtx, jobID, domain.JobUpdate{
		Status:     domain.Ptr(status),
		Error:      domain.Ptr(msg),
		FromStatus: domain.Ptr(domain.JobStatusSubmitted),
	})
	if err != nil {
		logger.Warn("record terminal status failed", zap.String("status", string(status)), zap.Error(err))
		return
	}
	logger.Warn("job ended", zap.String("status", string(status)), zap.String("error", msg))
}

func storedResult(job domain.Job) Result {
	r := Result{
		Key:       domain.Deref(job.ResultKey),
		URL:       domain.Deref(job.ResultURL),
		RemoteURL: domain.Deref(job.RemoteResultURL),
	}
	if job.URLExpiresAt != nil {
		r.ExpiresAt = *job.URLExpiresAt
	}
	return r
}
