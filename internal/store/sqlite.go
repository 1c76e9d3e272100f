package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/swapbooth/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    engine_job_id TEXT NOT NULL DEFAULT '',
    origin        TEXT NOT NULL,
    state         TEXT NOT NULL,
    session_id    TEXT NOT NULL DEFAULT '',
    source_path   TEXT NOT NULL DEFAULT '',
    output_path   TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    error_kind    TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER,
    created_at    DATETIME NOT NULL,
    submitted_at  DATETIME,
    finished_at   DATETIME
)`

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    last_job_id TEXT NOT NULL DEFAULT '',
    result_path TEXT NOT NULL DEFAULT '',
    updated_at  DATETIME NOT NULL
)`

const jobColumns = `id, engine_job_id, origin, state, session_id, source_path,
	output_path, error, error_kind, duration_ms, created_at, submitted_at, finished_at`

// ErrNotFound is returned when a job or session is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	if _, err := db.Exec(createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.EngineJobID, j.Origin, j.State, j.SessionID, j.SourcePath,
		j.OutputPath, j.Error, j.ErrorKind, j.DurationMS, j.CreatedAt, j.SubmittedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	j := &model.Job{}
	err := row.Scan(
		&j.ID, &j.EngineJobID, &j.Origin, &j.State, &j.SessionID, &j.SourcePath,
		&j.OutputPath, &j.Error, &j.ErrorKind, &j.DurationMS, &j.CreatedAt, &j.SubmittedAt, &j.FinishedAt,
	)
	return j, err
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// UpdateJob writes the mutable fields of j. A state change must follow the
// job state machine; writing the current state again is allowed.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j *model.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current model.JobState
	err = tx.QueryRowContext(ctx, "SELECT state FROM jobs WHERE id = ?", j.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job state: %w", err)
	}
	if current != j.State && !model.ValidTransition(current, j.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, j.State)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET engine_job_id = ?, state = ?, output_path = ?, error = ?, error_kind = ?,
			duration_ms = ?, submitted_at = ?, finished_at = ?
		WHERE id = ?`,
		j.EngineJobID, j.State, j.OutputPath, j.Error, j.ErrorKind,
		j.DurationMS, j.SubmittedAt, j.FinishedAt, j.ID,
	); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job update: %w", err)
	}
	return nil
}

// SetOutputPath records where a job's result was saved.
func (s *SQLiteStore) SetOutputPath(ctx context.Context, id, path string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE jobs SET output_path = ? WHERE id = ?", path, id)
	if err != nil {
		return fmt.Errorf("set output path: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetJobStats aggregates job counts and the mean duration of finished jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByState:  make(map[string]int),
		CountByOrigin: make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM jobs",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("aggregate jobs: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	if err := countBy(ctx, tx, "state", stats.CountByState); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "origin", stats.CountByOrigin); err != nil {
		return nil, err
	}

	return stats, nil
}

// countBy fills dst with row counts grouped by column, which must be a
// trusted identifier.
func countBy(ctx context.Context, tx *sql.Tx, column string, dst map[string]int) error {
	rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM jobs GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count jobs by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		dst[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return nil
}

// UpsertSession creates or replaces a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *model.Session) error {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, last_job_id, result_path, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_job_id = excluded.last_job_id,
			result_path = excluded.result_path,
			updated_at = excluded.updated_at`,
		sess.ID, sess.LastJobID, sess.ResultPath, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess := &model.Session{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, last_job_id, result_path, updated_at FROM sessions WHERE id = ?", id,
	).Scan(&sess.ID, &sess.LastJobID, &sess.ResultPath, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}
