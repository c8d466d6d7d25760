package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dunamismax/faceflow/internal/app"
	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/orchestrator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one batch over a source directory",
	Long: `Upload the anchor, pair every target image in --source-dir with its prompt
and run one generation job per pair.

With --dispatch=inline (the default) the command waits for every job to finish
and prints a summary. With --dispatch=queue it enqueues the jobs for the worker
and returns at once.

Examples:
  faceflow run --source-dir ./targets --anchor ./anchor.png
  faceflow run --source-dir ./targets --anchor ./anchor.png --concurrency 8 --json`,
	RunE: runRun,
}

var (
	runSourceDir   string
	runAnchor      string
	runConcurrency int
	runDispatch    string
	runJSON        bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runSourceDir, "source-dir", "", "Directory holding target images and their .txt prompts")
	runCmd.Flags().StringVar(&runAnchor, "anchor", "", "Anchor face image")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "Jobs in flight at once (default from ORCHESTRATOR_CONCURRENCY)")
	runCmd.Flags().StringVar(&runDispatch, "dispatch", "", "inline or queue (default from ORCHESTRATOR_DISPATCH)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output the run result as JSON")
	_ = runCmd.MarkFlagRequired("source-dir")
	_ = runCmd.MarkFlagRequired("anchor")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close components", zap.Error(err))
		}
	}()

	orch, err := a.Orchestrator(strings.ToLower(strings.TrimSpace(runDispatch)), runConcurrency)
	if err != nil {
		return err
	}

	result, runErr := orch.Run(ctx, runSourceDir, runAnchor)
	if runErr != nil && len(result.Jobs) == 0 {
		return fmt.Errorf("run: %w", runErr)
	}

	out := cmd.OutOrStdout()
	if runJSON {
		if err := printRunJSON(out, result); err != nil {
			return err
		}
	} else {
		printRunTable(out, result)
	}
	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	if failed := countFailed(result); failed > 0 {
		return fmt.Errorf("%d of %d jobs did not complete", failed, len(result.Jobs))
	}
	return nil
}

func countFailed(result orchestrator.RunResult) int {
	n := 0
	for _, job := range result.Jobs {
		switch job.Status {
		case domain.JobStatusFailed, domain.JobStatusTimedOut, "":
			n++
		}
	}
	return n
}

func printRunJSON(w io.Writer, result orchestrator.RunResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode run result: %w", err)
	}
	return nil
}

func printRunTable(w io.Writer, result orchestrator.RunResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "NAME\tJOB\tSTATUS\tRESULT")
	for _, job := range result.Jobs {
		detail := job.ResultURL
		if job.Error != "" {
			detail = job.Error
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			job.Name,
			dash(job.JobID),
			dash(string(job.Status)),
			dash(detail),
		)
	}

	counts := result.Counts()
	parts := make([]string, 0, len(counts))
	for _, status := range []domain.JobStatus{
		domain.JobStatusCompleted,
		domain.JobStatusPending,
		domain.JobStatusSubmitted,
		domain.JobStatusFailed,
		domain.JobStatusTimedOut,
	} {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", status, n))
		}
	}
	_, _ = fmt.Fprintf(tw, "\n%d jobs dispatch=%s %s\n", len(result.Jobs), result.Dispatch, strings.Join(parts, " "))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
