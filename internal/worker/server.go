package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/faceflow/internal/config"
	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/pipeline"
	"github.com/dunamismax/faceflow/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Runner interface {
	Execute(ctx context.Context, jobID string, in pipeline.Input) pipeline.Outcome
}

type Server struct {
	logger  *zap.Logger
	server  *asynq.Server
	sem     chan struct{}
	runner  Runner
	metrics *metrics
	tracer  trace.Tracer
}

// NewServer builds the asynq consumer. registry may be shared with the
// pipeline runner so one /metrics endpoint exposes both.
func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	runner Runner,
	registry *prometheus.Registry,
) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("pipeline runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: max(1, workerCfg.Concurrency),
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				Logger:   logger.Sugar(),
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn("task failed",
						zap.String("type", task.Type()),
						zap.Int("retry", retried),
						zap.Int("max_retry", maxRetry),
						zap.Error(err),
					)
				}),
			},
		),
		sem:     make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		runner:  runner,
		metrics: newMetrics(registry),
		tracer:  otel.Tracer("faceflow/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeGenerateImage, s.handleGenerateImage)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleGenerateImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "error"

	payload, err := queue.ParseGenerateImagePayload(task)
	if err != nil {
		s.metrics.tasksTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.generate_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.name", payload.Name),
	)
	defer span.End()
	defer func() {
		s.metrics.taskDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeTasks.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeTasks.Dec()
	}()

	s.logger.Info("working",
		zap.String("job_id", payload.JobID),
		zap.String("name", payload.Name),
		zap.String("target_key", payload.TargetKey),
	)

	res := s.runner.Execute(ctx, payload.JobID, pipeline.Input{
		Name:      payload.Name,
		Prompt:    payload.Prompt,
		TargetKey: payload.TargetKey,
		TargetURL: payload.TargetURL,
		AnchorKey: payload.AnchorKey,
		AnchorURL: payload.AnchorURL,
	})
	outcome = string(res.Status)
	if outcome == "" {
		outcome = "error"
	}

	return s.taskError(span, res)
}

// taskError maps a pipeline outcome onto asynq semantics: terminal failures
// are not retried, interrupted pipelines are.
func (s *Server) taskError(span trace.Span, res pipeline.Outcome) error {
	switch {
	case res.Err == nil:
		span.SetStatus(codes.Ok, string(res.Status))
		return nil
	case res.Status.Terminal():
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Status))
		return fmt.Errorf("job %s %s: %v: %w", res.JobID, res.Status, res.Err, asynq.SkipRetry)
	case errors.Is(res.Err, context.Canceled), errors.Is(res.Err, context.DeadlineExceeded):
		span.SetStatus(codes.Error, "interrupted")
		return fmt.Errorf("job %s interrupted in %s: %w", res.JobID, statusOrUnknown(res.Status), res.Err)
	default:
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "pipeline error")
		return fmt.Errorf("run pipeline: %w", res.Err)
	}
}

func statusOrUnknown(s domain.JobStatus) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}
