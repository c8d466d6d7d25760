package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/id"
)

type dialect struct {
	name     string
	driver   string
	schema   string
	numbered bool
}

const jobColumns = `id, lia_image_key, target_image_key, name, prompt, wavespeed_poll_url,
	wavespeed_result_url, r2_image_key, r2_presigned_url, url_expires_at, status, error,
	created_at, updated_at`

// SQLJobStore implements JobStore on database/sql. Every call is its own
// statement against the pooled handle; no transaction spans calls.
type SQLJobStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLJobStore(db *sql.DB, d dialect) *SQLJobStore {
	return &SQLJobStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLJobStore) DB() *sql.DB {
	return s.db
}

func (s *SQLJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (s *SQLJobStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for drivers that need numbered ones.
func (s *SQLJobStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLJobStore) Create(ctx context.Context, job domain.Job) (string, error) {
	job, err := prepareNew(job, id.New, s.now())
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(
		ctx,
		s.rebind(`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID,
		job.AnchorKey,
		job.TargetKey,
		job.Name,
		job.Prompt,
		nullString(job.PollURL),
		nullString(job.RemoteResultURL),
		nullString(job.ResultKey),
		nullString(job.ResultURL),
		nullTime(job.URLExpiresAt),
		string(job.Status),
		nullString(job.Error),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	return job.ID, nil
}

func (s *SQLJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`),
		id,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (s *SQLJobStore) Update(ctx context.Context, id string, update domain.JobUpdate) error {
	if update.Empty() {
		return ErrEmptyUpdate
	}

	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if update.Status != nil {
		set("status", string(*update.Status))
	}
	if update.PollURL != nil {
		set("wavespeed_poll_url", *update.PollURL)
	}
	if update.RemoteResultURL != nil {
		set("wavespeed_result_url", *update.RemoteResultURL)
	}
	if update.ResultKey != nil {
		set("r2_image_key", *update.ResultKey)
	}
	if update.ResultURL != nil {
		set("r2_presigned_url", *update.ResultURL)
	}
	if update.URLExpiresAt != nil {
		set("url_expires_at", update.URLExpiresAt.UTC())
	}
	if update.Error != nil {
		set("error", *update.Error)
	}
	set("updated_at", s.now())

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if update.FromStatus != nil {
		query += ` AND status = ?`
		args = append(args, string(*update.FromStatus))
	}
	if update.Status != nil {
		from := allowedFrom(*update.Status)
		query += ` AND status IN (?` + strings.Repeat(", ?", len(from)-1) + `)`
		for _, status := range from {
			args = append(args, string(status))
		}
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, ok, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotFound
	}
	if update.FromStatus != nil && current.Status != *update.FromStatus {
		return fmt.Errorf("%w: job %s is %s", ErrStatusConflict, id, current.Status)
	}
	if update.Status != nil {
		if err := checkTransition(id, current.Status, *update.Status); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: job %s is %s", ErrStatusConflict, id, current.Status)
}

func (s *SQLJobStore) List(ctx context.Context, filter ListFilter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(filter.IDs) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(filter.IDs)), ", ")
		where = append(where, "id IN ("+marks+")")
		for _, jobID := range filter.IDs {
			args = append(args, jobID)
		}
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job                  domain.Job
		name, prompt, errMsg sql.NullString
		pollURL, remoteURL   sql.NullString
		resultKey, resultURL sql.NullString
		expiresAt            sql.NullTime
		status               string
	)
	if err := row.Scan(
		&job.ID,
		&job.AnchorKey,
		&job.TargetKey,
		&name,
		&prompt,
		&pollURL,
		&remoteURL,
		&resultKey,
		&resultURL,
		&expiresAt,
		&status,
		&errMsg,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}

	job.Name = name.String
	job.Prompt = prompt.String
	job.PollURL = stringPtr(pollURL)
	job.RemoteResultURL = stringPtr(remoteURL)
	job.ResultKey = stringPtr(resultKey)
	job.ResultURL = stringPtr(resultURL)
	job.Error = stringPtr(errMsg)
	job.Status = domain.JobStatus(status)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		job.URLExpiresAt = &t
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
