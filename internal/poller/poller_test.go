package poller

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/generation"
	"github.com/dunamismax/faceflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	mu        sync.Mutex
	states    []generation.Status
	errs      []error
	calls     int
	downloads int
	payload   []byte
}

func (c *scriptedClient) Status(context.Context, string) (generation.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return generation.Status{}, c.errs[i]
	}
	if i >= len(c.states) {
		return c.states[len(c.states)-1], nil
	}
	return c.states[i], nil
}

func (c *scriptedClient) Download(context.Context, string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloads++
	return c.payload, nil
}

type recordingUploader struct {
	mu    sync.Mutex
	names []string
	paths []string
}

func (u *recordingUploader) Upload(_ context.Context, path string) (domain.Asset, error) {
	if _, err := os.Stat(path); err != nil {
		return domain.Asset{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, path)
	key := filepath.Base(path)
	return domain.Asset{Key: key, URL: "https://bucket/" + key}, nil
}

func (u *recordingUploader) UploadBytes(_ context.Context, name string, _ []byte) (domain.Asset, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.names = append(u.names, name)
	return domain.Asset{Key: name, URL: "https://bucket/" + name}, nil
}

func (u *recordingUploader) Expiry() time.Duration { return time.Hour }

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func submittedJob(t *testing.T, jobs store.JobStore) string {
	t.Helper()
	ctx := context.Background()
	id, err := jobs.Create(ctx, domain.Job{AnchorKey: "lia.jpg", TargetKey: "t.jpg"})
	require.NoError(t, err)
	require.NoError(t, jobs.Update(ctx, id, domain.JobUpdate{
		Status:  domain.Ptr(domain.JobStatusSubmitted),
		PollURL: domain.Ptr("https://remote/poll/" + id),
	}))
	return id
}

func fastConfig() Config {
	return Config{Interval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxAttempts: 10, Deadline: 5 * time.Second}
}

func TestPollCompletesAfterPendingStates(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	id := submittedJob(t, jobs)
	client := &scriptedClient{
		states: []generation.Status{
			{State: "processing"},
			{State: "processing"},
			{State: "completed", Outputs: []string{"https://cdn/out"}},
		},
		payload: pngBytes(t),
	}
	uploader := &recordingUploader{}
	cfg := fastConfig()
	cfg.ScratchDir = t.TempDir()

	sleeps := 0
	p := New(client, uploader, jobs, cfg, WithNotify(func(error, time.Duration) { sleeps++ }))

	result, err := p.Poll(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 2, sleeps)
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, id+".png", result.Key)
	assert.Equal(t, "https://bucket/"+id+".png", result.URL)
	assert.Equal(t, "https://cdn/out", result.RemoteURL)
	require.Len(t, uploader.paths, 1)
	assert.Equal(t, filepath.Join(cfg.ScratchDir, id+".png"), uploader.paths[0])
	assert.NoFileExists(t, uploader.paths[0])

	job, ok, err := jobs.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, result.Key, domain.Deref(job.ResultKey))
	assert.Equal(t, result.URL, domain.Deref(job.ResultURL))
	assert.Equal(t, "https://cdn/out", domain.Deref(job.RemoteResultURL))
	assert.Equal(t, "https://remote/poll/"+id, domain.Deref(job.PollURL))
	require.NotNil(t, job.URLExpiresAt)
}

func TestPollIsIdempotentOnceCompleted(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	id := submittedJob(t, jobs)
	client := &scriptedClient{
		states:  []generation.Status{{State: "completed", Outputs: []string{"https://cdn/out.webp"}}},
		payload: []byte("not an image"),
	}
	uploader := &recordingUploader{}
	p := New(client, uploader, jobs, fastConfig())

	first, err := p.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id+".webp", first.Key)

	second, err := p.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.URL, second.URL)

	assert.Equal(t, 1, client.calls)
	assert.Equal(t, 1, client.downloads)
	assert.Len(t, uploader.names, 1)
}

func TestPollRemoteFailureMarksFailed(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	id := submittedJob(t, jobs)
	client := &scriptedClient{states: []generation.Status{{State: "processing"}, {State: "failed", Error: "content rejected"}}}
	p := New(client, &recordingUploader{}, jobs, fastConfig())

	_, err := p.Poll(context.Background(), id)
	require.ErrorIs(t, err, ErrRemoteFailed)

	job, _, err := jobs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, domain.Deref(job.Error), "content rejected")
	assert.Zero(t, client.downloads)
}

func TestPollExhaustedAttemptsMarksTimedOut(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	id := submittedJob(t, jobs)
	client := &scriptedClient{states: []generation.Status{{State: "processing"}}}
	cfg := fastConfig()
	cfg.MaxAttempts = 4
	p := New(client, &recordingUploader{}, jobs, cfg)

	_, err := p.Poll(context.Background(), id)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, 4, client.calls)

	job, _, err := jobs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusTimedOut, job.Status)
	assert.NotEmpty(t, domain.Deref(job.Error))
}

func TestPollKeepsGoingThroughTransportErrors(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	id := submittedJob(t, jobs)
	client := &scriptedClient{
		errs: []error{errors.New("connection reset"), generation.ErrUnexpectedStatus},
		states: []generation.Status{
			{}, {},
			{State: "completed", Outputs: []string{"https://cdn/out.jpg"}},
		},
		payload: []byte("raw"),
	}
	p := New(client, &recordingUploader{}, jobs, fastConfig())

	result, err := p.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id+".jpg", result.Key)
}

func TestPollCancelledLeavesJobSubmitted(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	id := submittedJob(t, jobs)
	client := &scriptedClient{states: []generation.Status{{State: "processing"}}}
	cfg := fastConfig()
	cfg.Interval = 50 * time.Millisecond
	cfg.MaxInterval = 50 * time.Millisecond
	p := New(client, &recordingUploader{}, jobs, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Poll(ctx, id)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	job, _, err := jobs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSubmitted, job.Status)
}

func TestPollRejectsUnsubmittedJob(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	id, err := jobs.Create(context.Background(), domain.Job{AnchorKey: "a", TargetKey: "b"})
	require.NoError(t, err)

	p := New(&scriptedClient{}, &recordingUploader{}, jobs, fastConfig())
	_, err = p.Poll(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotSubmitted)

	_, err = p.Poll(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestArtifactExtension(t *testing.T) {
	assert.Equal(t, "png", artifactExtension(pngBytes(t), "https://cdn/out.jpeg"))
	assert.Equal(t, "jpg", artifactExtension([]byte("x"), "https://cdn/out.JPEG?sig=1"))
	assert.Equal(t, "png", artifactExtension([]byte("x"), "https://cdn/out"))
}
