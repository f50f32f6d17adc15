// Package store persists run history in SQLite: one row per preview run,
// updated as the workflow advances. The live pipeline state stays in memory;
// the store is what survives a daemon restart.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Run is one preview run from launch to teardown.
type Run struct {
	ID         string    `json:"id"`
	Repo       string    `json:"repo"`
	Ref        string    `json:"ref,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Framework  string    `json:"framework,omitempty"`
	Status     string    `json:"status"`
	PreviewURL string    `json:"preview_url,omitempty"`
	Heuristic  bool      `json:"heuristic,omitempty"`
	Error      string    `json:"error,omitempty"`
	SandboxID  string    `json:"sandbox_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	DeadlineAt time.Time `json:"deadline_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	repo        TEXT NOT NULL,
	ref         TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL DEFAULT '',
	framework   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'idle',
	preview_url TEXT NOT NULL DEFAULT '',
	heuristic   INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	sandbox_id  TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	deadline_at DATETIME,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_deadline_at ON runs(deadline_at);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer; more conns improve read throughput.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection; the driver applies DSN pragmas
// per-connection.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: 15s wait on lock (API + reaper overlap)
	// journal_mode=WAL: concurrent reads during writes
	// synchronous=NORMAL: safe in WAL, far faster writes than FULL
	// cache_size=-64000: 64MB page cache
	// temp_store=MEMORY: temp tables in RAM
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size
// (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRun(run *Run) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO runs (id, repo, ref, kind, framework, status, preview_url, heuristic, error, sandbox_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Repo, run.Ref, run.Kind, run.Framework, run.Status,
			run.PreviewURL, run.Heuristic, run.Error, run.SandboxID, run.CreatedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

const runColumns = `id, repo, ref, kind, framework, status, preview_url, heuristic, error, sandbox_id, created_at, deadline_at, finished_at`

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns runs newest first, up to limit (0 = all).
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) UpdateRunStatus(id string, status string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`UPDATE runs SET status = ? WHERE id = ?`, status, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	return checkRowAffected(result, id)
}

// SetRunProject records the classification outcome.
func (s *Store) SetRunProject(id string, kind, framework, sandboxID string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET kind = ?, framework = ?, sandbox_id = ? WHERE id = ?`,
			kind, framework, sandboxID, id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating run project: %w", err)
	}
	return checkRowAffected(result, id)
}

// SetRunDeadline records when the execution budget expires.
func (s *Store) SetRunDeadline(id string, deadline time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`UPDATE runs SET deadline_at = ? WHERE id = ?`, deadline.UTC(), id)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating run deadline: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) SetRunReady(id string, previewURL string, heuristic bool) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET status = 'ready', preview_url = ?, heuristic = ? WHERE id = ?`,
			previewURL, heuristic, id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating run ready: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) SetRunError(id string, message string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET status = 'error', error = ?, finished_at = ? WHERE id = ?`,
			message, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating run error: %w", err)
	}
	return checkRowAffected(result, id)
}

// FinishRun stamps the terminal status and finish time.
func (s *Store) FinishRun(id string, status string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
			status, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return checkRowAffected(result, id)
}

// ListOverdueRuns returns unfinished runs whose execution deadline passed.
func (s *Store) ListOverdueRuns(now time.Time) ([]*Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs
		 WHERE finished_at IS NULL AND deadline_at IS NOT NULL AND deadline_at <= ?`,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing overdue runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListUnfinishedRuns returns runs with no terminal timestamp, for startup
// reconciliation after a crash.
func (s *Store) ListUnfinishedRuns() ([]*Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs WHERE finished_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing unfinished runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) DeleteRun(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	return checkRowAffected(result, id)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var run Run
	var deadline, finished sql.NullTime
	err := row.Scan(
		&run.ID, &run.Repo, &run.Ref, &run.Kind, &run.Framework, &run.Status,
		&run.PreviewURL, &run.Heuristic, &run.Error, &run.SandboxID,
		&run.CreatedAt, &deadline, &finished,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	if deadline.Valid {
		run.DeadlineAt = deadline.Time
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}
