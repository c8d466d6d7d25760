package storage

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendMinio = "minio"
	BackendS3    = "s3"
)

// Open builds the object store for the named backend.
func Open(ctx context.Context, backend string, cfg Config) (ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMinio:
		return NewMinioStore(cfg)
	case BackendS3:
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
