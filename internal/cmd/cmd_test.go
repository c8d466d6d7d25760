package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func seedStore(t *testing.T) (string, []string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	t.Setenv("JOB_STORE", "sqlite")
	t.Setenv("DB_PATH", dbPath)
	t.Setenv("TRACE_EXPORTER", "none")

	ctx := context.Background()
	s, err := store.NewSQLiteJobStore(ctx, dbPath)
	require.NoError(t, err)
	defer s.Close()

	var ids []string
	for _, name := range []string{"beach", "park"} {
		jobID, err := s.Create(ctx, domain.Job{AnchorKey: "anchor.png", TargetKey: name + ".jpg", Name: name})
		require.NoError(t, err)
		ids = append(ids, jobID)
	}
	require.NoError(t, s.Update(ctx, ids[1], domain.JobUpdate{
		Status: domain.Ptr(domain.JobStatusFailed),
		Error:  domain.Ptr("remote failed"),
	}))
	return dbPath, ids
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jobsJSON, jobsStatus, jobsLimit, jobsOut = false, "", 0, "jobs.xlsx"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--env-file", "", "--log-level", "error"))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobsListJSON(t *testing.T) {
	_, ids := seedStore(t)

	out, err := execute(t, "jobs", "list", "--status", "failed", "--json")
	require.NoError(t, err)

	var jobs []domain.Job
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, ids[1], jobs[0].ID)
	assert.Equal(t, "remote failed", domain.Deref(jobs[0].Error))
}

func TestJobsGet(t *testing.T) {
	_, ids := seedStore(t)

	out, err := execute(t, "jobs", "get", ids[0])
	require.NoError(t, err)
	assert.Contains(t, out, ids[0])
	assert.Contains(t, out, "beach.jpg")
	assert.Contains(t, out, "pending")

	_, err = execute(t, "jobs", "get", "missing")
	require.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestJobsListRejectsUnknownStatus(t *testing.T) {
	seedStore(t)
	_, err := execute(t, "jobs", "list", "--status", "lost")
	require.Error(t, err)
}

func TestJobsExport(t *testing.T) {
	seedStore(t)
	outPath := filepath.Join(t.TempDir(), "jobs.xlsx")

	out, err := execute(t, "jobs", "export", "--out", outPath)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 2 jobs")

	f, err := excelize.OpenFile(outPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Jobs")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRunRequiresFlags(t *testing.T) {
	seedStore(t)
	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
