package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(target string) domain.Job {
	return domain.Job{
		AnchorKey: "lia.jpg",
		TargetKey: target,
		Name:      "subject",
		Prompt:    "swap the face",
	}
}

func testJobStore(t *testing.T, open func(t *testing.T) JobStore) {
	t.Run("create assigns id and pending status", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		id, err := s.Create(ctx, newJob("a.jpg"))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		job, ok, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.JobStatusPending, job.Status)
		assert.Equal(t, "lia.jpg", job.AnchorKey)
		assert.Equal(t, "a.jpg", job.TargetKey)
		assert.Equal(t, "subject", job.Name)
		assert.Nil(t, job.PollURL)
		assert.Nil(t, job.ResultURL)
		assert.Nil(t, job.URLExpiresAt)
		assert.False(t, job.CreatedAt.IsZero())
	})

	t.Run("create rejects missing keys", func(t *testing.T) {
		s := open(t)
		_, err := s.Create(context.Background(), domain.Job{TargetKey: "a.jpg"})
		assert.Error(t, err)
	})

	t.Run("get unknown id is not found without error", func(t *testing.T) {
		s := open(t)
		_, ok, err := s.Get(context.Background(), "does-not-exist")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("partial update leaves other fields alone", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		id, err := s.Create(ctx, newJob("a.jpg"))
		require.NoError(t, err)

		require.NoError(t, s.Update(ctx, id, domain.JobUpdate{
			Status:  domain.Ptr(domain.JobStatusSubmitted),
			PollURL: domain.Ptr("https://remote/poll/1"),
		}))

		expires := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
		require.NoError(t, s.Update(ctx, id, domain.JobUpdate{
			Status:          domain.Ptr(domain.JobStatusCompleted),
			RemoteResultURL: domain.Ptr("https://remote/out.png"),
			ResultKey:       domain.Ptr("results/a.png"),
			ResultURL:       domain.Ptr("https://bucket/results/a.png"),
			URLExpiresAt:    &expires,
			FromStatus:      domain.Ptr(domain.JobStatusSubmitted),
		}))

		job, ok, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
		assert.Equal(t, "https://remote/poll/1", domain.Deref(job.PollURL))
		assert.Equal(t, "https://remote/out.png", domain.Deref(job.RemoteResultURL))
		assert.Equal(t, "results/a.png", domain.Deref(job.ResultKey))
		assert.Equal(t, "https://bucket/results/a.png", domain.Deref(job.ResultURL))
		require.NotNil(t, job.URLExpiresAt)
		assert.True(t, expires.Equal(*job.URLExpiresAt))
		assert.Equal(t, "swap the face", job.Prompt)
		assert.Nil(t, job.Error)
	})

	t.Run("update unknown id", func(t *testing.T) {
		s := open(t)
		err := s.Update(context.Background(), "nope", domain.JobUpdate{Error: domain.Ptr("x")})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("empty update is rejected", func(t *testing.T) {
		s := open(t)
		err := s.Update(context.Background(), "nope", domain.JobUpdate{})
		assert.ErrorIs(t, err, ErrEmptyUpdate)
	})

	t.Run("guarded update conflicts when status moved", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		id, err := s.Create(ctx, newJob("a.jpg"))
		require.NoError(t, err)

		err = s.Update(ctx, id, domain.JobUpdate{
			Status:     domain.Ptr(domain.JobStatusCompleted),
			FromStatus: domain.Ptr(domain.JobStatusSubmitted),
		})
		assert.ErrorIs(t, err, ErrStatusConflict)

		job, _, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, job.Status)
	})

	t.Run("terminal jobs cannot change status", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		id, err := s.Create(ctx, newJob("a.jpg"))
		require.NoError(t, err)
		require.NoError(t, s.Update(ctx, id, domain.JobUpdate{Status: domain.Ptr(domain.JobStatusSubmitted)}))
		require.NoError(t, s.Update(ctx, id, domain.JobUpdate{Status: domain.Ptr(domain.JobStatusCompleted)}))

		for _, next := range []domain.JobStatus{domain.JobStatusPending, domain.JobStatusSubmitted, domain.JobStatusFailed} {
			err := s.Update(ctx, id, domain.JobUpdate{Status: domain.Ptr(next), Error: domain.Ptr("late")})
			assert.ErrorIs(t, err, ErrInvalidTransition, next)
		}

		job, _, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
		assert.Nil(t, job.Error)

		require.NoError(t, s.Update(ctx, id, domain.JobUpdate{
			Status:    domain.Ptr(domain.JobStatusCompleted),
			ResultURL: domain.Ptr("https://bucket/refreshed.png"),
		}))
		job, _, err = s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "https://bucket/refreshed.png", domain.Deref(job.ResultURL))
	})

	t.Run("pending jobs cannot skip submission", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		id, err := s.Create(ctx, newJob("a.jpg"))
		require.NoError(t, err)

		for _, next := range []domain.JobStatus{domain.JobStatusCompleted, domain.JobStatusTimedOut} {
			err := s.Update(ctx, id, domain.JobUpdate{Status: domain.Ptr(next)})
			assert.ErrorIs(t, err, ErrInvalidTransition, next)
		}
		require.NoError(t, s.Update(ctx, id, domain.JobUpdate{Status: domain.Ptr(domain.JobStatusFailed)}))
	})

	t.Run("list filters by status and ids", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		var ids []string
		for i := range 4 {
			id, err := s.Create(ctx, newJob(fmt.Sprintf("t%d.jpg", i)))
			require.NoError(t, err)
			ids = append(ids, id)
		}
		require.NoError(t, s.Update(ctx, ids[1], domain.JobUpdate{Status: domain.Ptr(domain.JobStatusFailed), Error: domain.Ptr("boom")}))

		all, err := s.List(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		failed, err := s.List(ctx, ListFilter{Status: domain.JobStatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, ids[1], failed[0].ID)
		assert.Equal(t, "boom", domain.Deref(failed[0].Error))

		picked, err := s.List(ctx, ListFilter{IDs: []string{ids[0], ids[3]}})
		require.NoError(t, err)
		assert.Len(t, picked, 2)

		limited, err := s.List(ctx, ListFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("concurrent updates to distinct jobs", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		const n = 16
		ids := make([]string, n)
		for i := range ids {
			id, err := s.Create(ctx, newJob(fmt.Sprintf("c%d.jpg", i)))
			require.NoError(t, err)
			ids[i] = id
		}

		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				assert.NoError(t, s.Update(ctx, id, domain.JobUpdate{
					Status:     domain.Ptr(domain.JobStatusSubmitted),
					PollURL:    domain.Ptr("https://remote/" + id),
					FromStatus: domain.Ptr(domain.JobStatusPending),
				}))
			}(id)
		}
		wg.Wait()

		submitted, err := s.List(ctx, ListFilter{Status: domain.JobStatusSubmitted})
		require.NoError(t, err)
		assert.Len(t, submitted, n)
		for _, job := range submitted {
			assert.Equal(t, "https://remote/"+job.ID, domain.Deref(job.PollURL))
		}
	})
}

func TestMemoryJobStore(t *testing.T) {
	testJobStore(t, func(*testing.T) JobStore { return NewMemoryJobStore() })
}

func TestSQLiteJobStore(t *testing.T) {
	testJobStore(t, func(t *testing.T) JobStore {
		s, err := NewSQLiteJobStore(context.Background(), filepath.Join(t.TempDir(), "db", "jobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteSchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	first, err := NewSQLiteJobStore(ctx, path)
	require.NoError(t, err)
	id, err := first.Create(ctx, newJob("a.jpg"))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteJobStore(ctx, path)
	require.NoError(t, err)
	defer second.Close()

	_, ok, err := second.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	s := &SQLJobStore{dialect: postgresDialect}
	assert.Equal(t, "UPDATE jobs SET a = $1, b = $2 WHERE id = $3", s.rebind("UPDATE jobs SET a = ?, b = ? WHERE id = ?"))

	s = &SQLJobStore{dialect: sqliteDialect}
	assert.Equal(t, "WHERE id = ?", s.rebind("WHERE id = ?"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, _, err := Open(context.Background(), "oracle", "")
	assert.Error(t, err)

	s, closeFn, err := Open(context.Background(), DriverMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryJobStore{}, s)
	assert.NoError(t, closeFn())
}
