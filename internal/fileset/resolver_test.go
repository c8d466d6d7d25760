package fileset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/uploadcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu    sync.Mutex
	paths []string
	fail  map[string]bool
}

func (u *fakeUploader) UploadAs(_ context.Context, path, key string) (domain.Asset, error) {
	if u.fail[key] {
		return domain.Asset{}, errors.New("upload refused")
	}
	u.mu.Lock()
	u.paths = append(u.paths, path)
	u.mu.Unlock()
	return domain.Asset{Key: key, URL: "https://bucket/" + key}, nil
}

type fakeDescriber struct {
	prompt string
	err    error
	calls  int
}

func (d *fakeDescriber) Describe(context.Context, string, string) (string, error) {
	d.calls++
	return d.prompt, d.err
}

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func names(pairs []domain.FilePair) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.Name)
	}
	return out
}

func TestResolvePairsImagesWithDescriptions(t *testing.T) {
	src := t.TempDir()
	write(t, src, "B.png", "b")
	write(t, src, "B.txt", "prompt b\n")
	write(t, src, "A.jpg", "a")
	write(t, src, "A.txt", "  prompt a  ")
	write(t, src, "C.jpg", "c")
	write(t, src, "notes.md", "ignored")
	anchor := write(t, t.TempDir(), "lia.jpg", "anchor")

	uploader := &fakeUploader{}
	r, err := NewResolver(uploader)
	require.NoError(t, err)

	pairs, err := r.Resolve(context.Background(), src, anchor)
	require.NoError(t, err)

	require.Equal(t, []string{"A", "B"}, names(pairs))
	assert.Equal(t, "prompt a", pairs[0].Description)
	assert.Equal(t, "A.jpg", pairs[0].ImageKey)
	assert.Equal(t, "https://bucket/A.jpg", pairs[0].ImageURL)
	assert.Equal(t, filepath.Join(src, "A.jpg"), pairs[0].ImagePath)
	assert.Equal(t, "prompt b", pairs[1].Description)
	assert.Len(t, uploader.paths, 2)
}

func TestResolveExcludesAnchorByIdentity(t *testing.T) {
	src := t.TempDir()
	anchor := write(t, src, "lia.jpg", "anchor")
	write(t, src, "lia.txt", "anchor prompt")
	write(t, src, "x.jpg", "x")
	write(t, src, "x.txt", "x prompt")

	r, err := NewResolver(&fakeUploader{})
	require.NoError(t, err)

	pairs, err := r.Resolve(context.Background(), src, anchor)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, names(pairs))
}

func TestResolveKeepsSameNamedTargetThatIsNotTheAnchor(t *testing.T) {
	src := t.TempDir()
	write(t, src, "lia.jpg", "a different photo")
	write(t, src, "lia.txt", "prompt")
	anchor := write(t, t.TempDir(), "lia.jpg", "anchor")

	r, err := NewResolver(&fakeUploader{})
	require.NoError(t, err)

	pairs, err := r.Resolve(context.Background(), src, anchor)
	require.NoError(t, err)
	assert.Equal(t, []string{"lia"}, names(pairs))
}

// contentObjects hands out URLs that name the stored bytes, so two keys only
// share a URL when they hold the same content.
type contentObjects struct {
	mu   sync.Mutex
	data map[string]string
}

func (o *contentObjects) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.data == nil {
		o.data = make(map[string]string)
	}
	o.data[key] = string(data)
	return nil
}

func (o *contentObjects) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return "https://bucket/" + key + "?content=" + o.data[key], nil
}

func TestResolveSameNamedTargetDoesNotReuseAnchorURL(t *testing.T) {
	src := t.TempDir()
	target := write(t, src, "lia.jpg", "target")
	write(t, src, "lia.txt", "prompt")
	anchor := write(t, t.TempDir(), "lia.jpg", "anchor")

	objects := &contentObjects{}
	cache := uploadcache.New(objects, uploadcache.NewFileStore(t.TempDir()))
	anchorAsset, err := cache.Upload(context.Background(), anchor)
	require.NoError(t, err)

	r, err := NewResolver(cache)
	require.NoError(t, err)
	pairs, err := r.Resolve(context.Background(), src, anchor)
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	assert.Equal(t, target, pairs[0].ImagePath)
	assert.NotEqual(t, anchorAsset.URL, pairs[0].ImageURL)
	assert.NotEqual(t, anchorAsset.Key, pairs[0].ImageKey)
	assert.Contains(t, pairs[0].ImageURL, "content=target")
	assert.True(t, strings.HasPrefix(pairs[0].ImageKey, "lia-"))
	assert.Equal(t, ".jpg", filepath.Ext(pairs[0].ImageKey))

	again, err := r.Resolve(context.Background(), src, anchor)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, pairs[0].ImageKey, again[0].ImageKey)
}

func TestResolveMatchesDescriptionExtensionCaseInsensitively(t *testing.T) {
	src := t.TempDir()
	write(t, src, "a.jpg", "a")
	write(t, src, "a.TXT", "upper prompt")
	write(t, src, "B.png", "b")
	write(t, src, "b.txt", "lower prompt")

	describer := &fakeDescriber{prompt: "generated"}
	anchor := write(t, t.TempDir(), "lia.jpg", "anchor")
	r, err := NewResolver(&fakeUploader{}, WithDescriber(describer))
	require.NoError(t, err)

	pairs, err := r.Resolve(context.Background(), src, anchor)
	require.NoError(t, err)
	require.Equal(t, []string{"B", "a"}, names(pairs))
	assert.Equal(t, "lower prompt", pairs[0].Description)
	assert.Equal(t, "upper prompt", pairs[1].Description)
	assert.Zero(t, describer.calls)

	entries, err := os.ReadDir(src)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestResolveMatchesExtensionsCaseInsensitively(t *testing.T) {
	src := t.TempDir()
	write(t, src, "UP.JPEG", "u")
	write(t, src, "UP.txt", "prompt")
	write(t, src, "w.webp", "w")
	write(t, src, "w.txt", "prompt")
	write(t, src, "g.gif", "g")
	write(t, src, "g.txt", "prompt")

	r, err := NewResolver(&fakeUploader{})
	require.NoError(t, err)

	pairs, err := r.Resolve(context.Background(), src, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"UP", "w"}, names(pairs))

	r, err = NewResolver(&fakeUploader{}, WithPatterns("*.GIF"))
	require.NoError(t, err)
	pairs, err = r.Resolve(context.Background(), src, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"g"}, names(pairs))
}

func TestResolveSkipsFailedUploadsAndEmptyDescriptions(t *testing.T) {
	src := t.TempDir()
	write(t, src, "a.jpg", "a")
	write(t, src, "a.txt", "prompt")
	write(t, src, "b.jpg", "b")
	write(t, src, "b.txt", "prompt")
	write(t, src, "c.jpg", "c")
	write(t, src, "c.txt", "   \n")

	r, err := NewResolver(&fakeUploader{fail: map[string]bool{"a.jpg": true}})
	require.NoError(t, err)

	pairs, err := r.Resolve(context.Background(), src, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names(pairs))
}

func TestResolveDescribesMissingDescriptions(t *testing.T) {
	src := t.TempDir()
	write(t, src, "new.png", "n")
	anchor := write(t, t.TempDir(), "lia.jpg", "anchor")
	describer := &fakeDescriber{prompt: "generated prompt"}

	r, err := NewResolver(&fakeUploader{}, WithDescriber(describer))
	require.NoError(t, err)

	pairs, err := r.Resolve(context.Background(), src, anchor)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "generated prompt", pairs[0].Description)
	assert.Equal(t, 1, describer.calls)

	sidecar, err := os.ReadFile(filepath.Join(src, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "generated prompt\n", string(sidecar))

	describer.err = errors.New("model down")
	write(t, src, "other.png", "o")
	pairs, err = r.Resolve(context.Background(), src, anchor)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, names(pairs))
}

func TestResolveErrors(t *testing.T) {
	r, err := NewResolver(&fakeUploader{})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), filepath.Join(t.TempDir(), "missing"), "")
	assert.Error(t, err)

	_, err = r.Resolve(context.Background(), t.TempDir(), "/no/such/anchor.jpg")
	assert.Error(t, err)

	_, err = NewResolver(&fakeUploader{}, WithPatterns("[unclosed"))
	assert.Error(t, err)
}
