package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/faceflow/internal/app"
	"github.com/dunamismax/faceflow/internal/config"
	"github.com/dunamismax/faceflow/internal/logging"
	"github.com/dunamismax/faceflow/internal/telemetry"
	"github.com/dunamismax/faceflow/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
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
	logger = logger.Named("worker")
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "faceflow-worker",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal("setup tracing failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	registry := prometheus.NewRegistry()
	components, err := app.New(ctx, cfg, logger, registry)
	if err != nil {
		logger.Fatal("wire components failed", zap.Error(err))
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn("close components", zap.Error(err))
		}
	}()

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
	)

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, components.Runner, registry)
	if err != nil {
		logger.Fatal("build worker failed", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	// Run blocks until SIGINT or SIGTERM, then drains in-flight tasks.
	if err := srv.Run(); err != nil {
		logger.Error("worker failed", zap.Error(err))
	}
}
