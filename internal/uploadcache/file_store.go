package uploadcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const DefaultCacheFile = "r2_upload_cache.json"

// FileStore keeps every entry in one JSON object on disk. All access goes
// through mu so concurrent saves of different keys cannot drop each other.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, DefaultCacheFile)}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := entries[key]
	return entry, ok, nil
}

func (s *FileStore) Save(_ context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		// Unreadable cache content is replaced rather than blocking uploads.
		entries = make(map[string]Entry)
	}
	entries[key] = entry
	return s.write(entries)
}

// Entries returns a snapshot of the whole file.
func (s *FileStore) Entries() (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore) read() (map[string]Entry, error) {
	entries := make(map[string]Entry)
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	if len(b) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse cache file: %w", err)
	}
	return entries, nil
}

func (s *FileStore) write(entries map[string]Entry) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	tmp, err := os.CreateTemp(dir, DefaultCacheFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}
