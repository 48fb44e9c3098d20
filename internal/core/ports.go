package core

import (
	"context"
	"encoding/json"
	"time"
)

// RunStore persists run metadata and exposes the run directory layout.
type RunStore interface {
	// Load returns the run's metadata or a not-found error.
	Load(ctx context.Context, id RunID) (*RunRecord, error)

	// Save overwrites the run's metadata.
	Save(ctx context.Context, rec *RunRecord) error

	// AttachResult loads the record, sets its result and saves it again.
	AttachResult(ctx context.Context, id RunID, payload json.RawMessage) error

	// List returns all runs ordered by registration time.
	List(ctx context.Context) ([]RunSummary, error)

	// Latest returns the run whose directory was modified most recently.
	Latest(ctx context.Context) (RunID, error)

	// Delete removes the run's whole storage subtree.
	Delete(ctx context.Context, id RunID) error

	Dir(id RunID) string
	LogPath(id RunID) string

	// ResultFileName is the run's result file relative to Dir.
	ResultFileName(rec *RunRecord) string
	ResultPath(rec *RunRecord) string
}

// LockFile records which process currently executes a run.
type LockFile interface {
	// Acquire creates the lock exclusively; it fails if a lock already exists.
	Acquire(ctx context.Context, id RunID, info LockInfo) error

	// Read returns the lock content, or nil when no lock exists.
	Read(ctx context.Context, id RunID) (*LockInfo, error)

	// Release removes the lock. A missing lock is not an error.
	Release(ctx context.Context, id RunID) error
}

// LivenessProber checks the OS process table. Implementations must not cache.
type LivenessProber interface {
	IsAlive(ctx context.Context, pid int) bool

	// StartTime returns the process create time in epoch milliseconds.
	StartTime(ctx context.Context, pid int) (int64, error)
}

// ProcessHandle is a started subprocess.
type ProcessHandle interface {
	PID() int

	// Wait blocks until the process exits.
	Wait() ExitStatus
}

// ProcessLauncher spawns run subprocesses without waiting for them.
type ProcessLauncher interface {
	Launch(ctx context.Context, spec LaunchSpec) (ProcessHandle, error)
}

// ExecutionHistory records every launch of every run.
type ExecutionHistory interface {
	Begin(ctx context.Context, exec *Execution) (int64, error)
	Finish(ctx context.Context, id int64, status ExecutionStatus, exitCode *int, errMsg string, at time.Time) error

	// Abandon closes every open execution of a run whose process vanished.
	Abandon(ctx context.Context, runID RunID, at time.Time) (int, error)

	List(ctx context.Context, runID RunID, limit int) ([]Execution, error)
	DeleteRun(ctx context.Context, runID RunID) error
	Close() error
}
