// Package orchestrator fans a source directory out into one generation job
// per target image.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/pipeline"
	"github.com/dunamismax/faceflow/internal/queue"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DispatchInline = "inline"
	DispatchQueue  = "queue"

	DefaultConcurrency = 4
)

var ErrUnknownDispatch = errors.New("unknown dispatch mode")

type Uploader interface {
	Upload(ctx context.Context, path string) (domain.Asset, error)
}

type Resolver interface {
	Resolve(ctx context.Context, dir, anchorPath string) ([]domain.FilePair, error)
}

type Runner interface {
	Create(ctx context.Context, in pipeline.Input) (string, error)
	Execute(ctx context.Context, jobID string, in pipeline.Input) pipeline.Outcome
	MarkFailed(ctx context.Context, jobID string, cause error)
}

type Enqueuer interface {
	EnqueueGenerateImage(ctx context.Context, payload queue.GenerateImagePayload) (*asynq.TaskInfo, error)
}

type Config struct {
	Concurrency int
	Dispatch    string
}

type Orchestrator struct {
	uploader    Uploader
	resolver    Resolver
	runner      Runner
	enqueuer    Enqueuer
	concurrency int
	dispatch    string
	logger      *zap.Logger
	tracer      trace.Tracer
}

type Option func(*Orchestrator)

func WithEnqueuer(e Enqueuer) Option {
	return func(o *Orchestrator) { o.enqueuer = e }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func New(uploader Uploader, resolver Resolver, runner Runner, cfg Config, opts ...Option) (*Orchestrator, error) {
	dispatch := strings.ToLower(strings.TrimSpace(cfg.Dispatch))
	if dispatch == "" {
		dispatch = DispatchInline
	}
	o := &Orchestrator{
		uploader:    uploader,
		resolver:    resolver,
		runner:      runner,
		concurrency: cfg.Concurrency,
		dispatch:    dispatch,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("faceflow/orchestrator"),
	}
	if o.concurrency <= 0 {
		o.concurrency = DefaultConcurrency
	}
	for _, opt := range opts {
		opt(o)
	}

	switch o.dispatch {
	case DispatchInline:
	case DispatchQueue:
		if o.enqueuer == nil {
			return nil, fmt.Errorf("queue dispatch requires an enqueuer")
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDispatch, cfg.Dispatch)
	}
	return o, nil
}

// JobOutcome is the end state of one pair. JobID is empty when the run was
// cancelled before the pair's job was created.
type JobOutcome struct {
	JobID     string           `json:"job_id,omitempty"`
	Name      string           `json:"name"`
	TargetKey string           `json:"target_key"`
	Status    domain.JobStatus `json:"status,omitempty"`
	ResultKey string           `json:"result_key,omitempty"`
	ResultURL string           `json:"result_url,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type RunResult struct {
	AnchorKey string       `json:"anchor_key"`
	AnchorURL string       `json:"anchor_url"`
	Dispatch  string       `json:"dispatch"`
	Jobs      []JobOutcome `json:"jobs"`
}

func (r RunResult) JobIDs() []string {
	ids := make([]string, 0, len(r.Jobs))
	for _, j := range r.Jobs {
		if j.JobID != "" {
			ids = append(ids, j.JobID)
		}
	}
	return ids
}

func (r RunResult) Counts() map[domain.JobStatus]int {
	counts := make(map[domain.JobStatus]int)
	for _, j := range r.Jobs {
		if j.Status != "" {
			counts[j.Status]++
		}
	}
	return counts
}

// Run uploads the anchor once, resolves the source directory and runs one
// pipeline per pair with at most Concurrency in flight. A failed pipeline
// never stops its siblings; cancelling ctx stops feeding new pairs and is
// seen by every running pipeline. The returned result always lists every
// resolved pair; the error is non-nil only when the run could not start or
// ctx ended.
func (o *Orchestrator) Run(ctx context.Context, sourceDir, anchorPath string) (RunResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run")
	defer span.End()

	anchor, err := o.uploader.Upload(ctx, anchorPath)
	if err != nil {
		return RunResult{}, fmt.Errorf("upload anchor: %w", err)
	}

	pairs, err := o.resolver.Resolve(ctx, sourceDir, anchorPath)
	if err != nil {
		return RunResult{}, fmt.Errorf("resolve source files: %w", err)
	}
	span.SetAttributes(
		attribute.Int("run.pairs", len(pairs)),
		attribute.String("run.dispatch", o.dispatch),
	)
	o.logger.Info("run started",
		zap.String("anchor_key", anchor.Key),
		zap.Int("pairs", len(pairs)),
		zap.Int("concurrency", o.concurrency),
		zap.String("dispatch", o.dispatch),
	)

	result := RunResult{
		AnchorKey: anchor.Key,
		AnchorURL: anchor.URL,
		Dispatch:  o.dispatch,
		Jobs:      make([]JobOutcome, len(pairs)),
	}
	for i, pair := range pairs {
		result.Jobs[i] = JobOutcome{Name: pair.Name, TargetKey: pair.ImageKey}
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, pair := range pairs {
		if ctx.Err() != nil {
			break
		}
		in := pipeline.Input{
			Name:      pair.Name,
			Prompt:    pair.Description,
			TargetKey: pair.ImageKey,
			TargetURL: pair.ImageURL,
			AnchorKey: anchor.Key,
			AnchorURL: anchor.URL,
		}
		g.Go(func() error {
			result.Jobs[i] = o.process(ctx, in)
			return nil
		})
	}
	_ = g.Wait()

	for i := range result.Jobs {
		if result.Jobs[i].JobID == "" && result.Jobs[i].Error == "" && ctx.Err() != nil {
			result.Jobs[i].Error = "not started: " + ctx.Err().Error()
		}
	}

	counts := result.Counts()
	o.logger.Info("run finished",
		zap.Int("completed", counts[domain.JobStatusCompleted]),
		zap.Int("failed", counts[domain.JobStatusFailed]),
		zap.Int("timed_out", counts[domain.JobStatusTimedOut]),
		zap.Int("pending", counts[domain.JobStatusPending]),
	)
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (o *Orchestrator) process(ctx context.Context, in pipeline.Input) JobOutcome {
	out := JobOutcome{Name: in.Name, TargetKey: in.TargetKey}

	jobID, err := o.runner.Create(ctx, in)
	if err != nil {
		out.Status = domain.JobStatusFailed
		out.Error = err.Error()
		o.logger.Error("create job failed", zap.String("name", in.Name), zap.Error(err))
		return out
	}
	out.JobID = jobID

	if o.dispatch == DispatchQueue {
		return o.enqueue(ctx, jobID, in, out)
	}

	res := o.runner.Execute(ctx, jobID, in)
	out.Status = res.Status
	out.ResultKey = res.Result.Key
	out.ResultURL = res.Result.URL
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func (o *Orchestrator) enqueue(ctx context.Context, jobID string, in pipeline.Input, out JobOutcome) JobOutcome {
	_, err := o.enqueuer.EnqueueGenerateImage(ctx, queue.GenerateImagePayload{
		JobID:       jobID,
		Name:        in.Name,
		TargetKey:   in.TargetKey,
		TargetURL:   in.TargetURL,
		AnchorKey:   in.AnchorKey,
		AnchorURL:   in.AnchorURL,
		Prompt:      in.Prompt,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		err = fmt.Errorf("enqueue job: %w", err)
		o.runner.MarkFailed(ctx, jobID, err)
		out.Status = domain.JobStatusFailed
		out.Error = err.Error()
		return out
	}
	out.Status = domain.JobStatusPending
	return out
}
