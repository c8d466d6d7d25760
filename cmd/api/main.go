package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/faceflow/internal/api"
	"github.com/dunamismax/faceflow/internal/app"
	"github.com/dunamismax/faceflow/internal/config"
	"github.com/dunamismax/faceflow/internal/logging"
	"github.com/dunamismax/faceflow/internal/orchestrator"
	"github.com/dunamismax/faceflow/internal/ratelimit"
	"github.com/dunamismax/faceflow/internal/telemetry"
	"go.uber.org/zap"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Fatalf("load env: %v", err)
	}
	cfg := config.Load()
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	logger = logger.Named("api")
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "faceflow-api",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal("setup tracing failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	components, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal("wire components failed", zap.Error(err))
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn("close components", zap.Error(err))
		}
	}()

	// Runs started over HTTP are always handed to the worker.
	runs, err := components.Orchestrator(orchestrator.DispatchQueue, 0)
	if err != nil {
		logger.Fatal("build orchestrator failed", zap.Error(err))
	}

	opts := []api.Option{api.WithSourceRoot(cfg.API.SourceRoot)}
	if cfg.API.RateLimitRequests > 0 {
		limiter, err := ratelimit.NewRedisTokenBucket(
			components.Redis(),
			cfg.API.RateLimitRequests,
			cfg.API.RateLimitWindow,
			"faceflow:ratelimit:api",
		)
		if err != nil {
			logger.Fatal("build rate limiter failed", zap.Error(err))
		}
		opts = append(opts, api.WithRateLimiter(limiter, cfg.API.UserIDHeader))
	}
	server := api.NewServer(logger, components.Jobs, runs, opts...)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.API.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
