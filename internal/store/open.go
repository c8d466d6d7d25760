package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	lia_image_key TEXT NOT NULL,
	target_image_key TEXT NOT NULL,
	name TEXT,
	prompt TEXT,
	wavespeed_poll_url TEXT,
	wavespeed_result_url TEXT,
	r2_image_key TEXT,
	r2_presigned_url TEXT,
	url_expires_at TIMESTAMP,
	status TEXT NOT NULL DEFAULT 'pending',
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
`

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	lia_image_key TEXT NOT NULL,
	target_image_key TEXT NOT NULL,
	name TEXT,
	prompt TEXT,
	wavespeed_poll_url TEXT,
	wavespeed_result_url TEXT,
	r2_image_key TEXT,
	r2_presigned_url TEXT,
	url_expires_at TIMESTAMPTZ,
	status TEXT NOT NULL DEFAULT 'pending',
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
`

var (
	sqliteDialect   = dialect{name: DriverSQLite, driver: "sqlite", schema: sqliteSchemaSQL}
	postgresDialect = dialect{name: DriverPostgres, driver: "postgres", schema: postgresSchemaSQL, numbered: true}
)

// Open returns the job store named by driver. target is a file path for
// sqlite and a DSN for postgres; it is ignored for the memory store.
func Open(ctx context.Context, driver, target string) (JobStore, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		s, err := NewSQLiteJobStore(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case DriverPostgres:
		s, err := NewPostgresJobStore(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case DriverMemory:
		return NewMemoryJobStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported job store driver %q", driver)
	}
}

func NewSQLiteJobStore(ctx context.Context, path string) (*SQLJobStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDialect.driver, "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := configureSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	store := newSQLJobStore(db, sqliteDialect)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*SQLJobStore, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := newSQLJobStore(db, postgresDialect)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// configureSQLite pins a single connection in WAL mode so concurrent
// pipelines queue on the writer instead of failing with SQLITE_BUSY.
func configureSQLite(ctx context.Context, db *sql.DB) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}
