// Package fileset pairs the images of a source directory with their sibling
// description files.
package fileset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dunamismax/faceflow/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPattern     = "*.{jpg,jpeg,png,webp}"
	descriptionExt     = ".txt"
	defaultParallelism = 4
)

// Uploader stores the file at path under key and returns its URL.
type Uploader interface {
	UploadAs(ctx context.Context, path, key string) (domain.Asset, error)
}

// Describer writes a prompt for a target image when its description file
// is missing.
type Describer interface {
	Describe(ctx context.Context, imagePath, anchorPath string) (string, error)
}

type Resolver struct {
	uploader    Uploader
	describer   Describer
	patterns    []string
	parallelism int
	logger      *zap.Logger
}

type Option func(*Resolver)

func WithDescriber(d Describer) Option {
	return func(r *Resolver) { r.describer = d }
}

// WithPatterns replaces the image glob patterns. Matching ignores case.
func WithPatterns(patterns ...string) Option {
	return func(r *Resolver) {
		var kept []string
		for _, p := range patterns {
			if p = strings.TrimSpace(p); p != "" {
				kept = append(kept, strings.ToLower(p))
			}
		}
		if len(kept) > 0 {
			r.patterns = kept
		}
	}
}

func WithParallelism(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewResolver(uploader Uploader, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		uploader:    uploader,
		patterns:    []string{DefaultPattern},
		parallelism: defaultParallelism,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, p := range r.patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid image pattern %q", p)
		}
	}
	return r, nil
}

type candidate struct {
	name      string
	base      string
	imagePath string
	imageKey  string
	descPath  string
	hasDesc   bool
}

// Resolve lists dir (non-recursively) and returns one FilePair per image that
// has a usable description, ordered by file name. The anchor file is never
// returned, whatever its name. Per-image problems are logged and skipped.
func (r *Resolver) Resolve(ctx context.Context, dir, anchorPath string) ([]domain.FilePair, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source dir: %w", err)
	}

	var anchorInfo os.FileInfo
	if anchorPath != "" {
		anchorInfo, err = os.Stat(anchorPath)
		if err != nil {
			return nil, fmt.Errorf("stat anchor: %w", err)
		}
	}

	names := make([]string, 0, len(entries))
	// Lowercased base name to the description file actually on disk.
	descriptions := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.EqualFold(filepath.Ext(name), descriptionExt) {
			base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
			if prev, ok := descriptions[base]; !ok || name < prev {
				descriptions[base] = name
			}
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var candidates []candidate
	for _, name := range names {
		if !r.isImage(name) {
			continue
		}
		path := filepath.Join(dir, name)
		if anchorInfo != nil {
			if info, err := os.Stat(path); err == nil && os.SameFile(info, anchorInfo) {
				r.logger.Debug("skipping anchor image", zap.String("file", name))
				continue
			}
		}

		base := strings.TrimSuffix(name, filepath.Ext(name))
		descName, hasDesc := descriptions[strings.ToLower(base)]
		if !hasDesc {
			descName = base + descriptionExt
		}
		candidates = append(candidates, candidate{
			name:      name,
			base:      base,
			imagePath: path,
			imageKey:  objectKey(path, anchorPath),
			descPath:  filepath.Join(dir, descName),
			hasDesc:   hasDesc,
		})
	}

	pairs := make([]*domain.FilePair, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, c := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pairs[i] = r.resolveOne(gctx, c, anchorPath)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.FilePair, 0, len(pairs))
	for _, p := range pairs {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, c candidate, anchorPath string) *domain.FilePair {
	logger := r.logger.With(zap.String("file", c.name))

	if !c.hasDesc {
		if r.describer == nil {
			logger.Warn("skipping image without description file", zap.String("expected", filepath.Base(c.descPath)))
			return nil
		}
		if err := r.describe(ctx, c, anchorPath); err != nil {
			logger.Warn("skipping image, describe failed", zap.Error(err))
			return nil
		}
	}

	description, err := readDescription(c.descPath)
	if err != nil {
		logger.Warn("skipping image, description unreadable", zap.Error(err))
		return nil
	}
	if description == "" {
		logger.Warn("skipping image with empty description")
		return nil
	}

	asset, err := r.uploader.UploadAs(ctx, c.imagePath, c.imageKey)
	if err != nil {
		logger.Error("skipping image, upload failed", zap.Error(err))
		return nil
	}

	return &domain.FilePair{
		Name:        c.base,
		ImagePath:   c.imagePath,
		ImageKey:    asset.Key,
		ImageURL:    asset.URL,
		Description: description,
	}
}

func (r *Resolver) describe(ctx context.Context, c candidate, anchorPath string) error {
	if anchorPath == "" {
		return errors.New("anchor path is required to describe an image")
	}
	prompt, err := r.describer.Describe(ctx, c.imagePath, anchorPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.descPath, []byte(prompt+"\n"), 0o644); err != nil {
		return fmt.Errorf("write description: %w", err)
	}
	r.logger.Info("wrote generated description", zap.String("file", filepath.Base(c.descPath)))
	return nil
}

func (r *Resolver) isImage(name string) bool {
	return IsImage(name, r.patterns...)
}

// IsImage reports whether the base of name matches one of patterns, or
// DefaultPattern when none are given. Matching ignores case.
func IsImage(name string, patterns ...string) bool {
	if len(patterns) == 0 {
		patterns = []string{DefaultPattern}
	}
	lower := strings.ToLower(filepath.Base(name))
	for _, p := range patterns {
		if ok, _ := doublestar.Match(strings.ToLower(p), lower); ok {
			return true
		}
	}
	return false
}

// objectKey is the upload key for a target image. Keys are basenames, so a
// target sharing the anchor's basename gets a suffix derived from its path to
// keep it from resolving to the anchor's cached URL.
func objectKey(imagePath, anchorPath string) string {
	name := filepath.Base(imagePath)
	if anchorPath == "" || !strings.EqualFold(name, filepath.Base(anchorPath)) {
		return name
	}
	abs, err := filepath.Abs(imagePath)
	if err != nil {
		abs = imagePath
	}
	sum := sha256.Sum256([]byte(abs))
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + hex.EncodeToString(sum[:4]) + ext
}

func readDescription(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
