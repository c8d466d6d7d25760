// Package pipeline runs one target image through the remote edit service:
// it records the job, submits the request and waits for the poller to
// finish the job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/generation"
	"github.com/dunamismax/faceflow/internal/poller"
	"github.com/dunamismax/faceflow/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"

	recordAttempts = 5
)

type Submitter interface {
	Submit(ctx context.Context, req generation.Request) (generation.Submission, error)
}

type Poller interface {
	Poll(ctx context.Context, jobID string) (poller.Result, error)
}

type Notifier interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Input describes one target image ready for submission. Both images are
// already uploaded.
type Input struct {
	Name      string
	Prompt    string
	TargetKey string
	TargetURL string
	AnchorKey string
	AnchorURL string
}

type Outcome struct {
	JobID  string
	Name   string
	Status domain.JobStatus
	Result poller.Result
	Err    error
}

type Runner struct {
	jobs       store.JobStore
	submitter  Submitter
	poller     Poller
	notifier   Notifier
	webhookURL string
	metrics    *metrics
	tracer     trace.Tracer
	logger     *zap.Logger

	recordBackoff time.Duration
}

type Option func(*Runner)

func WithNotifier(n Notifier, endpoint string) Option {
	return func(r *Runner) {
		r.notifier = n
		r.webhookURL = strings.TrimSpace(endpoint)
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Runner) { r.metrics = newMetrics(reg) }
}

func NewRunner(jobs store.JobStore, submitter Submitter, p Poller, opts ...Option) *Runner {
	r := &Runner{
		jobs:      jobs,
		submitter: submitter,
		poller:    p,
		tracer:    otel.Tracer("faceflow/pipeline"),
		logger:    zap.NewNop(),

		recordBackoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = newMetrics(nil)
	}
	return r
}

// Create records a pending job for in before any network call is made.
func (r *Runner) Create(ctx context.Context, in Input) (string, error) {
	id, err := r.jobs.Create(ctx, domain.Job{
		AnchorKey: in.AnchorKey,
		TargetKey: in.TargetKey,
		Name:      in.Name,
		Prompt:    in.Prompt,
		Status:    domain.JobStatusPending,
	})
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

// Run creates a job for in and drives it to a terminal state.
func (r *Runner) Run(ctx context.Context, in Input) Outcome {
	id, err := r.Create(ctx, in)
	if err != nil {
		return Outcome{Name: in.Name, Status: domain.JobStatusFailed, Err: err}
	}
	return r.Execute(ctx, id, in)
}

// Execute resumes an existing job from whatever state it is stored in:
// pending jobs are submitted, submitted jobs are polled and terminal jobs
// are reported as they are.
func (r *Runner) Execute(ctx context.Context, jobID string, in Input) (out Outcome) {
	startedAt := time.Now()
	out = Outcome{JobID: jobID, Name: in.Name}

	ctx, span := r.tracer.Start(ctx, "pipeline.execute", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.name", in.Name),
		attribute.String("job.target_key", in.TargetKey),
	)
	defer span.End()

	r.metrics.active.Inc()
	defer func() {
		r.metrics.active.Dec()
		r.metrics.jobsTotal.WithLabelValues(string(out.Status)).Inc()
		r.metrics.duration.WithLabelValues(string(out.Status)).Observe(time.Since(startedAt).Seconds())
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, string(out.Status))
		} else {
			span.SetStatus(codes.Ok, string(out.Status))
		}
	}()

	logger := r.logger.With(zap.String("job_id", jobID), zap.String("name", in.Name))

	job, ok, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		out.Status, out.Err = domain.JobStatusPending, fmt.Errorf("load job: %w", err)
		return out
	}
	if !ok {
		out.Status, out.Err = domain.JobStatusFailed, fmt.Errorf("load job %s: %w", jobID, store.ErrJobNotFound)
		return out
	}

	switch job.Status {
	case domain.JobStatusFailed, domain.JobStatusTimedOut:
		out.Status = job.Status
		out.Err = fmt.Errorf("job already %s: %s", job.Status, domain.Deref(job.Error))
		return out
	case domain.JobStatusCompleted:
		out.Result, out.Err = r.poller.Poll(ctx, jobID)
		out.Status = job.Status
		return out
	case domain.JobStatusPending:
		if err := r.submit(ctx, logger, job, in); err != nil {
			out.Status, out.Err = domain.JobStatusFailed, err
			r.notify(ctx, logger, EventJobFailed, out, in)
			return out
		}
		job.Status = domain.JobStatusSubmitted
	}

	result, err := r.poller.Poll(ctx, jobID)
	out.Result = result
	switch {
	case err == nil:
		out.Status = domain.JobStatusCompleted
		logger.Info("pipeline completed", zap.String("result_key", result.Key))
		r.notify(ctx, logger, EventJobCompleted, out, in)
	case errors.Is(err, poller.ErrTimedOut):
		out.Status, out.Err = domain.JobStatusTimedOut, err
		r.notify(ctx, logger, EventJobFailed, out, in)
	case errors.Is(err, poller.ErrRemoteFailed), errors.Is(err, poller.ErrNotSubmitted):
		out.Status, out.Err = domain.JobStatusFailed, err
		r.notify(ctx, logger, EventJobFailed, out, in)
	default:
		// Cancelled or the store failed; the record keeps its last status.
		out.Status, out.Err = r.storedStatus(ctx, jobID, job.Status), err
		logger.Warn("pipeline interrupted", zap.Error(err))
	}
	return out
}

func (r *Runner) submit(ctx context.Context, logger *zap.Logger, job domain.Job, in Input) error {
	targetURL := in.TargetURL
	anchorURL := in.AnchorURL
	if targetURL == "" || anchorURL == "" {
		return r.fail(ctx, logger, job.ID, errors.New("submit edit: target and anchor urls are required"))
	}

	sub, err := r.submitter.Submit(ctx, generation.Request{
		TargetURL: targetURL,
		AnchorURL: anchorURL,
		Prompt:    job.Prompt,
	})
	if err != nil {
		r.metrics.submitErrors.Inc()
		return r.fail(ctx, logger, job.ID, err)
	}

	if err := r.recordSubmission(ctx, logger, job.ID, sub); err != nil {
		return err
	}
	logger.Info("job submitted", zap.String("request_id", sub.ID))
	return nil
}

// recordSubmission stores the poll URL of an accepted request. Retries ignore
// the caller's cancellation, and a URL that still cannot be stored is logged
// so the remote result can be recovered by hand.
func (r *Runner) recordSubmission(ctx context.Context, logger *zap.Logger, jobID string, sub generation.Submission) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.recordBackoff
	expo.MaxInterval = 10 * r.recordBackoff

	bg := context.WithoutCancel(ctx)
	_, err := backoff.Retry(bg, func() (struct{}, error) {
		err := r.jobs.Update(bg, jobID, domain.JobUpdate{
			Status:     domain.Ptr(domain.JobStatusSubmitted),
			PollURL:    domain.Ptr(sub.PollURL),
			FromStatus: domain.Ptr(domain.JobStatusPending),
		})
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrJobNotFound), errors.Is(err, store.ErrInvalidTransition):
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(recordAttempts),
	)
	if err != nil {
		logger.Error("submission accepted but not recorded",
			zap.String("request_id", sub.ID),
			zap.String("poll_url", sub.PollURL),
			zap.Error(err),
		)
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// MarkFailed fails a pending job that could not be handed off for execution.
func (r *Runner) MarkFailed(ctx context.Context, jobID string, cause error) {
	_ = r.fail(ctx, r.logger.With(zap.String("job_id", jobID)), jobID, cause)
}

func (r *Runner) fail(ctx context.Context, logger *zap.Logger, jobID string, cause error) error {
	logger.Error("job failed before polling", zap.Error(cause))
	err := r.jobs.Update(context.WithoutCancel(ctx), jobID, domain.JobUpdate{
		Status:     domain.Ptr(domain.JobStatusFailed),
		Error:      domain.Ptr(cause.Error()),
		FromStatus: domain.Ptr(domain.JobStatusPending),
	})
	if err != nil {
		logger.Warn("record submission failure failed", zap.Error(err))
	}
	return cause
}

func (r *Runner) storedStatus(ctx context.Context, jobID string, fallback domain.JobStatus) domain.JobStatus {
	job, ok, err := r.jobs.Get(context.WithoutCancel(ctx), jobID)
	if err != nil || !ok {
		return fallback
	}
	return job.Status
}

func (r *Runner) notify(ctx context.Context, logger *zap.Logger, event string, out Outcome, in Input) {
	if r.notifier == nil || r.webhookURL == "" {
		return
	}

	body := map[string]any{
		"job_id":     out.JobID,
		"name":       in.Name,
		"status":     out.Status,
		"target_key": in.TargetKey,
		"anchor_key": in.AnchorKey,
		"at":         time.Now().UTC(),
	}
	if out.Err != nil {
		body["error"] = out.Err.Error()
	} else {
		body["result_key"] = out.Result.Key
		body["result_url"] = out.Result.URL
		body["remote_url"] = out.Result.RemoteURL
	}

	if err := r.notifier.Send(context.WithoutCancel(ctx), r.webhookURL, event, body); err != nil {
		r.metrics.webhookErrors.Inc()
		logger.Warn("webhook delivery failed", zap.String("event", event), zap.Error(err))
	}
}
