// Package history records every launch of every run in a SQLite database.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_executions.sql
var migrationV1 string

const timeLayout = time.RFC3339Nano

// Store implements core.ExecutionHistory with SQLite storage.
type Store struct {
	path string
	db   *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	// WAL plus a busy timeout lets several xprun invocations share the file.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	s := &Store{path: path, db: db}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet
		version = 0
	}

	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Begin records a new running execution and returns its id.
func (s *Store) Begin(ctx context.Context, exec *core.Execution) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (run_id, pid, status, started_at, host)
		VALUES (?, ?, ?, ?, ?)`,
		string(exec.RunID), exec.PID, string(core.ExecutionRunning),
		exec.StartedAt.UTC().Format(timeLayout), nullableString(exec.Host),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading execution id: %w", err)
	}
	exec.ID = id
	exec.Status = core.ExecutionRunning
	return id, nil
}

// Finish closes an execution with its final status.
func (s *Store) Finish(ctx context.Context, id int64, status core.ExecutionStatus, exitCode *int, errMsg string, at time.Time) error {
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, finished_at = ?, exit_code = ?, error = ?
		WHERE id = ?`,
		string(status), at.UTC().Format(timeLayout), code, nullableString([]byte(errMsg)), id,
	)
	if err != nil {
		return fmt.Errorf("updating execution %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("execution", fmt.Sprint(id))
	}
	return nil
}

// Abandon marks every still-running execution of runID as abandoned. It is
// called when a stale lock shows the process vanished without being
// observed, and returns the number of executions closed.
func (s *Store) Abandon(ctx context.Context, runID core.RunID, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, finished_at = ?
		WHERE run_id = ? AND status = ?`,
		string(core.ExecutionAbandoned), at.UTC().Format(timeLayout),
		string(runID), string(core.ExecutionRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("abandoning executions of %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting abandoned executions: %w", err)
	}
	return int(n), nil
}

// List returns executions newest first. An empty runID lists all runs;
// limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, runID core.RunID, limit int) ([]core.Execution, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT id, run_id, pid, status, started_at, finished_at, exit_code, error, host
		FROM executions`
	args := []any{}
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, string(runID))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var execs []core.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return execs, nil
}

// DeleteRun drops the history of a deleted run.
func (s *Store) DeleteRun(ctx context.Context, runID core.RunID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE run_id = ?", string(runID)); err != nil {
		return fmt.Errorf("deleting executions of %s: %w", runID, err)
	}
	return nil
}

func scanExecution(rows *sql.Rows) (*core.Execution, error) {
	var (
		exec       core.Execution
		runID      string
		status     string
		startedAt  string
		finishedAt sql.NullString
		exitCode   sql.NullInt64
		errMsg     sql.NullString
		host       sql.NullString
	)
	if err := rows.Scan(&exec.ID, &runID, &exec.PID, &status, &startedAt,
		&finishedAt, &exitCode, &errMsg, &host); err != nil {
		return nil, fmt.Errorf("scanning execution: %w", err)
	}

	exec.RunID = core.RunID(runID)
	exec.Status = core.ExecutionStatus(status)
	started, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at of execution %d: %w", exec.ID, err)
	}
	exec.StartedAt = started

	if finishedAt.Valid {
		finished, err := time.Parse(timeLayout, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at of execution %d: %w", exec.ID, err)
		}
		exec.FinishedAt = &finished
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		exec.ExitCode = &code
	}
	exec.Error = errMsg.String
	if host.Valid && host.String != "" {
		exec.Host = []byte(host.String)
	}
	return &exec, nil
}

func nullableString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// ErrDisabled is returned by Nop for queries.
var ErrDisabled = errors.New("execution history is disabled")

// Nop is an ExecutionHistory that records nothing.
type Nop struct{}

func (Nop) Begin(context.Context, *core.Execution) (int64, error) { return 0, nil }
func (Nop) Finish(context.Context, int64, core.ExecutionStatus, *int, string, time.Time) error {
	return nil
}
func (Nop) Abandon(context.Context, core.RunID, time.Time) (int, error) { return 0, nil }
func (Nop) List(context.Context, core.RunID, int) ([]core.Execution, error) {
	return nil, ErrDisabled
}
func (Nop) DeleteRun(context.Context, core.RunID) error { return nil }

// Close implements io.Closer.
func (Nop) Close() error { return nil }

var (
	_ core.ExecutionHistory = (*Store)(nil)
	_ core.ExecutionHistory = Nop{}
)
