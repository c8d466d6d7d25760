package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/generation"
	"github.com/dunamismax/faceflow/internal/pipeline"
	"github.com/dunamismax/faceflow/internal/poller"
	"github.com/dunamismax/faceflow/internal/queue"
	"github.com/dunamismax/faceflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingUploader struct {
	calls atomic.Int32
	err   error
}

func (u *countingUploader) Upload(_ context.Context, path string) (domain.Asset, error) {
	u.calls.Add(1)
	if u.err != nil {
		return domain.Asset{}, u.err
	}
	key := filepath.Base(path)
	return domain.Asset{Key: key, URL: "https://bucket/" + key}, nil
}

type staticResolver struct {
	pairs []domain.FilePair
	err   error
}

func (r staticResolver) Resolve(context.Context, string, string) ([]domain.FilePair, error) {
	return r.pairs, r.err
}

func makePairs(n int) []domain.FilePair {
	pairs := make([]domain.FilePair, n)
	for i := range pairs {
		name := fmt.Sprintf("img_%02d", i)
		pairs[i] = domain.FilePair{
			Name:        name,
			ImagePath:   "/src/" + name + ".jpg",
			ImageKey:    name + ".jpg",
			ImageURL:    "https://bucket/" + name + ".jpg",
			Description: "prompt " + name,
		}
	}
	return pairs
}

type okSubmitter struct {
	fail map[string]bool
}

func (s okSubmitter) Submit(_ context.Context, req generation.Request) (generation.Submission, error) {
	if s.fail[req.TargetURL] {
		return generation.Submission{}, errors.New("remote rejected request")
	}
	return generation.Submission{PollURL: "https://remote/" + req.TargetURL}, nil
}

type completingPoller struct {
	jobs  store.JobStore
	delay time.Duration
}

func (p completingPoller) Poll(ctx context.Context, jobID string) (poller.Result, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return poller.Result{}, ctx.Err()
		}
	}
	res := poller.Result{Key: jobID + ".png", URL: "https://bucket/" + jobID + ".png"}
	return res, p.jobs.Update(ctx, jobID, domain.JobUpdate{
		Status:     domain.Ptr(domain.JobStatusCompleted),
		ResultKey:  &res.Key,
		ResultURL:  &res.URL,
		FromStatus: domain.Ptr(domain.JobStatusSubmitted),
	})
}

func TestRunCompletesEveryPair(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	runner := pipeline.NewRunner(jobs, okSubmitter{}, completingPoller{jobs: jobs})
	uploader := &countingUploader{}

	o, err := New(uploader, staticResolver{pairs: makePairs(5)}, runner, Config{Concurrency: 2})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), "/src", "/anchors/lia.jpg")
	require.NoError(t, err)

	assert.Equal(t, int32(1), uploader.calls.Load(), "anchor is uploaded once")
	assert.Equal(t, "lia.jpg", result.AnchorKey)
	require.Len(t, result.Jobs, 5)

	seen := make(map[string]bool)
	for i, j := range result.Jobs {
		assert.Equal(t, fmt.Sprintf("img_%02d", i), j.Name)
		assert.Equal(t, domain.JobStatusCompleted, j.Status)
		assert.Empty(t, j.Error)
		assert.False(t, seen[j.JobID], "job ids are distinct")
		seen[j.JobID] = true

		stored, ok, err := jobs.Get(context.Background(), j.JobID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.JobStatusCompleted, stored.Status)
		assert.Equal(t, "lia.jpg", stored.AnchorKey)
		assert.Equal(t, j.TargetKey, stored.TargetKey)
	}
	assert.Equal(t, 5, result.Counts()[domain.JobStatusCompleted])
	assert.Len(t, result.JobIDs(), 5)
}

func TestRunSubmissionFailureDoesNotStopSiblings(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	pairs := makePairs(3)
	runner := pipeline.NewRunner(jobs, okSubmitter{fail: map[string]bool{pairs[1].ImageURL: true}}, completingPoller{jobs: jobs})

	o, err := New(&countingUploader{}, staticResolver{pairs: pairs}, runner, Config{})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), "/src", "/a/lia.jpg")
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusCompleted, result.Jobs[0].Status)
	assert.Equal(t, domain.JobStatusFailed, result.Jobs[1].Status)
	assert.Contains(t, result.Jobs[1].Error, "remote rejected request")
	assert.Equal(t, domain.JobStatusCompleted, result.Jobs[2].Status)

	stored, _, err := jobs.Get(context.Background(), result.Jobs[1].JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
}

// gaugeRunner records how many pipelines run at once.
type gaugeRunner struct {
	mu      sync.Mutex
	active  int
	peak    int
	created atomic.Int32
}

func (r *gaugeRunner) Create(context.Context, pipeline.Input) (string, error) {
	return fmt.Sprintf("job-%d", r.created.Add(1)), nil
}

func (r *gaugeRunner) Execute(ctx context.Context, jobID string, in pipeline.Input) pipeline.Outcome {
	r.mu.Lock()
	r.active++
	r.peak = max(r.peak, r.active)
	r.mu.Unlock()

	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
	}

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return pipeline.Outcome{JobID: jobID, Name: in.Name, Status: domain.JobStatusCompleted}
}

func (r *gaugeRunner) MarkFailed(context.Context, string, error) {}

func TestRunNeverExceedsConcurrency(t *testing.T) {
	runner := &gaugeRunner{}
	o, err := New(&countingUploader{}, staticResolver{pairs: makePairs(12)}, runner, Config{Concurrency: 3})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), "/src", "/a/lia.jpg")
	require.NoError(t, err)
	assert.Len(t, result.JobIDs(), 12)
	assert.LessOrEqual(t, runner.peak, 3)
	assert.Equal(t, 3, runner.peak)
}

func TestRunStopsFeedingOnCancel(t *testing.T) {
	runner := &gaugeRunner{}
	o, err := New(&countingUploader{}, staticResolver{pairs: makePairs(40)}, runner, Config{Concurrency: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	result, err := o.Run(ctx, "/src", "/a/lia.jpg")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, result.Jobs, 40)
	assert.Less(t, int(runner.created.Load()), 40)

	notStarted := 0
	for _, j := range result.Jobs {
		if j.JobID == "" {
			notStarted++
			assert.Contains(t, j.Error, "not started")
		}
	}
	assert.Positive(t, notStarted)
}

func TestRunFailsBeforeCreatingJobs(t *testing.T) {
	runner := &gaugeRunner{}

	o, err := New(&countingUploader{err: errors.New("bucket gone")}, staticResolver{pairs: makePairs(2)}, runner, Config{})
	require.NoError(t, err)
	_, err = o.Run(context.Background(), "/src", "/a/lia.jpg")
	assert.ErrorContains(t, err, "upload anchor")

	o, err = New(&countingUploader{}, staticResolver{err: errors.New("no dir")}, runner, Config{})
	require.NoError(t, err)
	_, err = o.Run(context.Background(), "/src", "/a/lia.jpg")
	assert.ErrorContains(t, err, "resolve source files")

	assert.Zero(t, runner.created.Load())
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	payloads []queue.GenerateImagePayload
	err      error
}

func (e *fakeEnqueuer) EnqueueGenerateImage(_ context.Context, p queue.GenerateImagePayload) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.payloads = append(e.payloads, p)
	return &asynq.TaskInfo{ID: p.JobID}, nil
}

func TestRunQueueDispatch(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	runner := pipeline.NewRunner(jobs, okSubmitter{}, completingPoller{jobs: jobs})
	enqueuer := &fakeEnqueuer{}

	o, err := New(&countingUploader{}, staticResolver{pairs: makePairs(3)}, runner, Config{Dispatch: DispatchQueue}, WithEnqueuer(enqueuer))
	require.NoError(t, err)

	result, err := o.Run(context.Background(), "/src", "/a/lia.jpg")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Counts()[domain.JobStatusPending])
	require.Len(t, enqueuer.payloads, 3)
	for _, p := range enqueuer.payloads {
		assert.Equal(t, "https://bucket/lia.jpg", p.AnchorURL)
		job, ok, err := jobs.Get(context.Background(), p.JobID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.JobStatusPending, job.Status)
	}

	enqueuer.err = errors.New("redis down")
	result, err = o.Run(context.Background(), "/src", "/a/lia.jpg")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Counts()[domain.JobStatusFailed])
	job, _, err := jobs.Get(context.Background(), result.Jobs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
}

func TestNewValidatesDispatch(t *testing.T) {
	_, err := New(&countingUploader{}, staticResolver{}, &gaugeRunner{}, Config{Dispatch: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownDispatch)

	_, err = New(&countingUploader{}, staticResolver{}, &gaugeRunner{}, Config{Dispatch: DispatchQueue})
	assert.Error(t, err)
}
