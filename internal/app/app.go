// Package app assembles the faceflow components from configuration. The
// CLI, API and worker binaries all build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/faceflow/internal/config"
	"github.com/dunamismax/faceflow/internal/describe"
	"github.com/dunamismax/faceflow/internal/fileset"
	"github.com/dunamismax/faceflow/internal/generation"
	"github.com/dunamismax/faceflow/internal/orchestrator"
	"github.com/dunamismax/faceflow/internal/pipeline"
	"github.com/dunamismax/faceflow/internal/poller"
	"github.com/dunamismax/faceflow/internal/queue"
	"github.com/dunamismax/faceflow/internal/ratelimit"
	"github.com/dunamismax/faceflow/internal/storage"
	"github.com/dunamismax/faceflow/internal/store"
	"github.com/dunamismax/faceflow/internal/uploadcache"
	"github.com/dunamismax/faceflow/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const submitKeyPrefix = "faceflow:submit"

// taskSlack is added to the poll deadline to bound one queued task.
const taskSlack = 5 * time.Minute

type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Jobs       store.JobStore
	Objects    storage.ObjectStore
	Cache      *uploadcache.Cache
	Generation *generation.Client
	Poller     *poller.Poller
	Runner     *pipeline.Runner
	Resolver   *fileset.Resolver

	redis   *redis.Client
	queue   *queue.Client
	closers []func() error
}

// New wires every component. reg may be nil, in which case component
// metrics are created but not exported.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	jobs, closeJobs, err := store.Open(ctx, cfg.Database.Driver, storeTarget(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	a.Jobs = jobs
	a.closers = append(a.closers, closeJobs)

	objects, err := storage.Open(ctx, cfg.Storage.Backend, storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		Region:   cfg.Storage.Region,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("open object storage: %w", err)
	}
	if ensurer, ok := objects.(interface{ EnsureBucket(context.Context) error }); ok {
		if err := ensurer.EnsureBucket(ctx); err != nil {
			return nil, err
		}
	}
	a.Objects = objects

	entries, err := a.cacheStore()
	if err != nil {
		return nil, err
	}
	a.Cache = uploadcache.New(objects, entries,
		uploadcache.WithExpiry(cfg.Storage.PresignTTL),
		uploadcache.WithLogger(logger.Named("uploadcache")),
		uploadcache.WithRegisterer(reg),
	)

	limiter, err := a.submitLimiter()
	if err != nil {
		return nil, err
	}
	a.Generation = generation.NewClient(generation.Config{
		BaseURL:         cfg.Generation.BaseURL,
		APIKey:          cfg.Generation.APIKey,
		Size:            cfg.Generation.Size,
		Timeout:         cfg.Generation.Timeout,
		DownloadTimeout: cfg.Generation.DownloadTimeout,
		DownloadLimit:   cfg.Generation.DownloadLimit,
	},
		generation.WithLimiter(limiter),
		generation.WithLogger(logger.Named("generation")),
	)

	a.Poller = poller.New(a.Generation, a.Cache, jobs, poller.Config{
		Interval:    cfg.Poll.Interval,
		Multiplier:  cfg.Poll.Multiplier,
		MaxInterval: cfg.Poll.MaxInterval,
		MaxAttempts: cfg.Poll.MaxAttempts,
		Deadline:    cfg.Poll.Deadline,
		ScratchDir:  cfg.Generation.ScratchDir,
	}, poller.WithLogger(logger.Named("poller")))

	notifier := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})
	a.Runner = pipeline.NewRunner(jobs, a.Generation, a.Poller,
		pipeline.WithNotifier(notifier, cfg.Webhook.URL),
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithRegisterer(reg),
	)

	resolverOpts := []fileset.Option{fileset.WithLogger(logger.Named("fileset"))}
	if cfg.Describer.Enabled {
		d, err := describe.New(describe.Config{
			APIKey:      cfg.Describer.APIKey,
			BaseURL:     cfg.Describer.BaseURL,
			Model:       cfg.Describer.Model,
			Temperature: cfg.Describer.Temperature,
			MaxTokens:   cfg.Describer.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("build describer: %w", err)
		}
		resolverOpts = append(resolverOpts, fileset.WithDescriber(d))
	}
	a.Resolver, err = fileset.NewResolver(a.Cache, resolverOpts...)
	if err != nil {
		return nil, fmt.Errorf("build resolver: %w", err)
	}

	return a, nil
}

// Orchestrator builds an orchestrator for one run. Empty dispatch and zero
// concurrency fall back to configuration.
func (a *App) Orchestrator(dispatch string, concurrency int) (*orchestrator.Orchestrator, error) {
	if dispatch == "" {
		dispatch = a.Config.Orchestrator.Dispatch
	}
	if concurrency <= 0 {
		concurrency = a.Config.Orchestrator.Concurrency
	}

	opts := []orchestrator.Option{orchestrator.WithLogger(a.Logger.Named("orchestrator"))}
	if dispatch == orchestrator.DispatchQueue {
		opts = append(opts, orchestrator.WithEnqueuer(a.Queue()))
	}
	return orchestrator.New(a.Cache, a.Resolver, a.Runner, orchestrator.Config{
		Concurrency: concurrency,
		Dispatch:    dispatch,
	}, opts...)
}

// Queue returns the task queue client, connecting on first use.
func (a *App) Queue() *queue.Client {
	if a.queue == nil {
		a.queue = queue.NewClient(
			a.Config.Queue.RedisClientOpt(),
			a.Config.Queue.Name,
			a.Config.Poll.Deadline+taskSlack,
		)
		a.closers = append(a.closers, a.queue.Close)
	}
	return a.queue
}

// Redis returns the shared go-redis client, connecting on first use.
func (a *App) Redis() *redis.Client {
	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.Queue.RedisAddr,
			Password: a.Config.Queue.RedisPassword,
			DB:       a.Config.Queue.RedisDB,
		})
		a.closers = append(a.closers, a.redis.Close)
	}
	return a.redis
}

// Close releases everything New and the lazy accessors opened, newest
// first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) cacheStore() (uploadcache.Store, error) {
	switch a.Config.Cache.Backend {
	case "", config.CacheBackendFile:
		return uploadcache.NewFileStore(a.Config.Cache.Dir), nil
	case config.CacheBackendRedis:
		return uploadcache.NewRedisStore(a.Redis(), ""), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", a.Config.Cache.Backend)
	}
}

func (a *App) submitLimiter() (ratelimit.Limiter, error) {
	gen := a.Config.Generation
	switch gen.SubmitLimiter {
	case "", config.LimiterLocal:
		return ratelimit.NewLocal(gen.SubmitRate, gen.SubmitBurst)
	case config.LimiterRedis:
		if gen.SubmitRate <= 0 {
			return nil, fmt.Errorf("submit rate must be positive")
		}
		window := time.Duration(float64(gen.SubmitBurst) / gen.SubmitRate * float64(time.Second))
		return ratelimit.NewRedisTokenBucket(a.Redis(), gen.SubmitBurst, window, submitKeyPrefix)
	default:
		return nil, fmt.Errorf("unsupported submit limiter: %s", gen.SubmitLimiter)
	}
}

func storeTarget(cfg config.DatabaseConfig) string {
	if cfg.Driver == config.JobStorePostgres {
		return cfg.DSN
	}
	return cfg.Path
}
