// Package uploadcache uploads local files to the object store and remembers
// the presigned URL per basename until it is close to expiry.
package uploadcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/logging"
	"github.com/dunamismax/faceflow/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultExpiry       = 72000 * time.Second
	DefaultSafetyMargin = 300 * time.Second
)

type Entry struct {
	URL       string  `json:"url"`
	Timestamp float64 `json:"timestamp"`
	ExpiresIn int64   `json:"expires_in"`
}

func newEntry(url string, now time.Time, expiry time.Duration) Entry {
	return Entry{
		URL:       url,
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
		ExpiresIn: int64(expiry / time.Second),
	}
}

func (e Entry) CreatedAt() time.Time {
	return time.Unix(0, int64(e.Timestamp*float64(time.Second)))
}

func (e Entry) ExpiresAt(fallback time.Duration) time.Time {
	return e.CreatedAt().Add(e.validity(fallback))
}

func (e Entry) validity(fallback time.Duration) time.Duration {
	if e.ExpiresIn <= 0 {
		return fallback
	}
	return time.Duration(e.ExpiresIn) * time.Second
}

// Valid reports whether the entry can still be handed out at now.
func (e Entry) Valid(now time.Time, fallback, margin time.Duration) bool {
	if e.URL == "" || e.Timestamp <= 0 {
		return false
	}
	age := now.Sub(e.CreatedAt())
	return age < e.validity(fallback)-margin
}

// Store persists cache entries. Save must be an atomic per-key upsert.
type Store interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Save(ctx context.Context, key string, entry Entry) error
}

type Cache struct {
	objects storage.ObjectStore
	entries Store
	expiry  time.Duration
	margin  time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics
	group   singleflight.Group
}

type Option func(*Cache)

func WithExpiry(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.expiry = d
		}
	}
}

func WithSafetyMargin(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.margin = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = logging.OrNop(l) }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) { c.metrics = newMetrics(reg) }
}

func New(objects storage.ObjectStore, entries Store, opts ...Option) *Cache {
	c := &Cache{
		objects: objects,
		entries: entries,
		expiry:  DefaultExpiry,
		margin:  DefaultSafetyMargin,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(nil)
	}
	return c
}

// Expiry is the lifetime of presigned URLs handed out by the cache.
func (c *Cache) Expiry() time.Duration {
	return c.expiry
}

// Upload returns a presigned URL for the file at path, uploading it only when
// no valid entry exists for its basename.
func (c *Cache) Upload(ctx context.Context, path string) (domain.Asset, error) {
	return c.UploadAs(ctx, path, filepath.Base(path))
}

// UploadAs uploads the file at path under key instead of its basename.
func (c *Cache) UploadAs(ctx context.Context, path, key string) (domain.Asset, error) {
	if strings.TrimSpace(path) == "" || filepath.Base(path) == "." || filepath.Base(path) == string(filepath.Separator) {
		return domain.Asset{}, fmt.Errorf("invalid upload path %q", path)
	}
	key = filepath.Base(strings.TrimSpace(key))
	if key == "" || key == "." || key == string(filepath.Separator) {
		return domain.Asset{}, fmt.Errorf("invalid upload key %q", key)
	}

	return c.upload(ctx, key, func() ([]byte, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read upload file %s: %w", path, err)
		}
		return data, nil
	})
}

// UploadBytes behaves like Upload for content that is already in memory.
func (c *Cache) UploadBytes(ctx context.Context, name string, data []byte) (domain.Asset, error) {
	key := filepath.Base(strings.TrimSpace(name))
	if key == "" || key == "." {
		return domain.Asset{}, errors.New("upload name is required")
	}
	return c.upload(ctx, key, func() ([]byte, error) { return data, nil })
}

func (c *Cache) upload(ctx context.Context, key string, read func() ([]byte, error)) (domain.Asset, error) {
	if url, ok := c.lookup(ctx, key); ok {
		c.metrics.hits.Inc()
		return domain.Asset{Key: key, URL: url}, nil
	}

	// The shared upload outlives any single caller; one cancelled caller must
	// not fail the others waiting on the same key.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		ctx := shared
		// Another caller may have finished the same upload while we waited.
		if url, ok := c.lookup(ctx, key); ok {
			c.metrics.hits.Inc()
			return url, nil
		}
		c.metrics.misses.Inc()

		data, err := read()
		if err != nil {
			return "", err
		}
		if err := c.objects.WriteObject(ctx, key, data, storage.ContentTypeFor(key)); err != nil {
			return "", fmt.Errorf("upload %s: %w", key, err)
		}
		url, err := c.objects.PresignedGetURL(ctx, key, c.expiry)
		if err != nil {
			return "", fmt.Errorf("presign %s: %w", key, err)
		}

		if err := c.entries.Save(ctx, key, newEntry(url, c.now(), c.expiry)); err != nil {
			c.logger.Warn("upload cache save failed", zap.String("key", key), zap.Error(err))
		}
		c.logger.Debug("uploaded object", zap.String("key", key), zap.Int("bytes", len(data)))
		return url, nil
	})

	select {
	case <-ctx.Done():
		return domain.Asset{}, fmt.Errorf("upload %s: %w", key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			c.metrics.errors.Inc()
			return domain.Asset{}, res.Err
		}
		return domain.Asset{Key: key, URL: res.Val.(string)}, nil
	}
}

func (c *Cache) lookup(ctx context.Context, key string) (string, bool) {
	entry, ok, err := c.entries.Load(ctx, key)
	if err != nil {
		c.logger.Warn("upload cache load failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	if !ok || !entry.Valid(c.now(), c.expiry, c.margin) {
		return "", false
	}
	return entry.URL, true
}
