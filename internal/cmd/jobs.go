package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/export"
	"github.com/dunamismax/faceflow/internal/store"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect stored jobs",
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Long: `List jobs, newest first.

Examples:
  faceflow jobs list
  faceflow jobs list --status failed --limit 20
  faceflow jobs list --json`,
	RunE: runJobsList,
}

var jobsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write jobs to an .xlsx workbook",
	RunE:  runJobsExport,
}

var (
	jobsJSON   bool
	jobsStatus string
	jobsLimit  int
	jobsOut    string
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsGetCmd, jobsListCmd, jobsExportCmd)

	jobsCmd.PersistentFlags().StringVar(&jobsStatus, "status", "", "Only jobs in this status")
	jobsCmd.PersistentFlags().IntVar(&jobsLimit, "limit", 0, "Maximum number of jobs (0 for all)")
	jobsGetCmd.Flags().BoolVar(&jobsJSON, "json", false, "Output as JSON")
	jobsListCmd.Flags().BoolVar(&jobsJSON, "json", false, "Output as JSON")
	jobsExportCmd.Flags().StringVar(&jobsOut, "out", "jobs.xlsx", "Output workbook path")
}

func openJobStore(cmd *cobra.Command) (store.JobStore, func() error, error) {
	target := cfg.Database.Path
	if cfg.Database.Driver == store.DriverPostgres {
		target = cfg.Database.DSN
	}
	return store.Open(cmd.Context(), cfg.Database.Driver, target)
}

func listFilter() (store.ListFilter, error) {
	filter := store.ListFilter{Limit: max(0, jobsLimit)}
	if strings.TrimSpace(jobsStatus) != "" {
		status, err := domain.ParseJobStatus(jobsStatus)
		if err != nil {
			return store.ListFilter{}, err
		}
		filter.Status = status
	}
	return filter, nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	jobs, closeJobs, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = closeJobs() }()

	job, ok, err := jobs.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s: %w", args[0], store.ErrJobNotFound)
	}

	out := cmd.OutOrStdout()
	if jobsJSON {
		return printJSON(out, job)
	}
	printJobDetail(out, job)
	return nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	filter, err := listFilter()
	if err != nil {
		return err
	}
	jobs, closeJobs, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = closeJobs() }()

	list, err := jobs.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jobsJSON {
		return printJSON(out, list)
	}
	if len(list) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No jobs found")
		return nil
	}
	printJobTable(out, list)
	return nil
}

func runJobsExport(cmd *cobra.Command, _ []string) error {
	filter, err := listFilter()
	if err != nil {
		return err
	}
	jobs, closeJobs, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = closeJobs() }()

	list, err := jobs.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	f, err := os.Create(jobsOut)
	if err != nil {
		return fmt.Errorf("create %s: %w", jobsOut, err)
	}
	if err := export.WriteJobsXLSX(f, list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", jobsOut, err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %d jobs to %s\n", len(list), jobsOut)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJobTable(w io.Writer, jobs []domain.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "JOB\tNAME\tSTATUS\tCREATED\tRESULT")
	for _, job := range jobs {
		detail := domain.Deref(job.ResultKey)
		if job.Error != nil {
			detail = *job.Error
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			job.ID,
			dash(job.Name),
			job.Status,
			job.CreatedAt.Local().Format(time.DateTime),
			dash(detail),
		)
	}
}

func printJobDetail(w io.Writer, job domain.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	row := func(label, value string) {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", label, dash(value))
	}
	row("ID", job.ID)
	row("Name", job.Name)
	row("Status", string(job.Status))
	row("Anchor", job.AnchorKey)
	row("Target", job.TargetKey)
	row("Prompt", job.Prompt)
	row("Poll URL", domain.Deref(job.PollURL))
	row("Remote result", domain.Deref(job.RemoteResultURL))
	row("Result key", domain.Deref(job.ResultKey))
	row("Result URL", domain.Deref(job.ResultURL))
	if job.URLExpiresAt != nil {
		row("URL expires", job.URLExpiresAt.Local().Format(time.DateTime))
	}
	row("Error", domain.Deref(job.Error))
	row("Created", job.CreatedAt.Local().Format(time.DateTime))
	row("Updated", job.UpdatedAt.Local().Format(time.DateTime))
}
