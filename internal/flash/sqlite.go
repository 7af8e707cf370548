package flash

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS flash_jobs (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    image TEXT NOT NULL,
    pack TEXT NOT NULL DEFAULT '',
    target TEXT NOT NULL DEFAULT '',
    frequency TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    output TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    started_at INTEGER NOT NULL DEFAULT 0,
    finished_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS flash_jobs_device ON flash_jobs (device_id, created_at);`

const jobColumns = `id, device_id, image, pack, target, frequency, state, error, error_kind, output, created_at, started_at, finished_at`

// SQLiteStore persists jobs in a SQLite database so results survive restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path. Jobs left
// unfinished by a previous process are marked failed.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("flash: jobs db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("flash: open jobs db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", jobsSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("flash: init jobs db: %w", err)
		}
	}
	_, err = db.ExecContext(ctx,
		`UPDATE flash_jobs SET state = ?, error = ?, error_kind = ?, finished_at = ? WHERE state IN (?, ?)`,
		string(JobFailed), "interrupted by restart", string(KindInternal), time.Now().UnixNano(),
		string(JobQueued), string(JobRunning))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("flash: recover jobs: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save inserts job or updates its mutable fields.
func (s *SQLiteStore) Save(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO flash_jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    state = excluded.state,
    error = excluded.error,
    error_kind = excluded.error_kind,
    output = excluded.output,
    started_at = excluded.started_at,
    finished_at = excluded.finished_at`,
		job.ID, job.DeviceID, job.Image, job.Pack, job.Target, job.Frequency,
		string(job.State), job.Error, string(job.ErrorKind), strings.Join(job.Output, "\n"),
		unixNano(job.CreatedAt), unixNano(job.StartedAt), unixNano(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("flash: save job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the job with id, or ErrJobNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM flash_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("flash: get job %s: %w", id, err)
	}
	return job, nil
}

// List returns jobs in creation order, limited to deviceID unless it is empty.
func (s *SQLiteStore) List(ctx context.Context, deviceID string) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM flash_jobs`
	var args []any
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("flash: list jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("flash: list jobs: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var (
		job                        Job
		state, kind, output        string
		created, started, finished int64
	)
	err := r.Scan(&job.ID, &job.DeviceID, &job.Image, &job.Pack, &job.Target, &job.Frequency,
		&state, &job.Error, &kind, &output, &created, &started, &finished)
	if err != nil {
		return Job{}, err
	}
	job.State = JobState(state)
	job.ErrorKind = ErrorKind(kind)
	if output != "" {
		job.Output = strings.Split(output, "\n")
	}
	job.CreatedAt = fromUnixNano(created)
	job.StartedAt = fromUnixNano(started)
	job.FinishedAt = fromUnixNano(finished)
	return job, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
