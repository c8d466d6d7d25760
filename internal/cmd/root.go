// Package cmd implements the faceflow command line.
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/dunamismax/faceflow/internal/config"
	"github.com/dunamismax/faceflow/internal/logging"
	"github.com/dunamismax/faceflow/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	envFile   string
	logLevel  string
	logFormat string

	cfg             config.Config
	logger          = zap.NewNop()
	shutdownTracing = func(context.Context) error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "faceflow",
	Short: "Batch face substitution over a directory of images",
	Long: `faceflow uploads an anchor face image and a directory of target images,
submits one edit job per target to the generation API and stores the results.

Every target image needs a same-named .txt file holding its prompt, unless a
describer is enabled (DESCRIBER_ENABLED=true) to write one.

Configuration comes from the environment, optionally seeded from --env-file.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
		_ = logger.Sync()
		return shutdownTracing(context.WithoutCancel(cmd.Context()))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Env file to load before reading configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format override (console, json)")
}

// Execute runs the root command. ctx is cancelled on interrupt by the
// caller.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	cfg = config.Load()
	if strings.TrimSpace(logLevel) != "" {
		cfg.Log.Level = logLevel
	}
	if strings.TrimSpace(logFormat) != "" {
		cfg.Log.Format = logFormat
	}

	l, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	logger = l

	shutdown, err := telemetry.SetupTracing(cmd.Context(), telemetry.TraceConfig{
		ServiceName:  "faceflow-cli",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	shutdownTracing = shutdown
	return nil
}
