package core

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// RunID uniquely identifies a registered run.
type RunID string

// String returns the identifier as a string.
func (id RunID) String() string {
	return string(id)
}

// Validate rejects identifiers that could escape the runs directory.
func (id RunID) Validate() error {
	s := string(id)
	if strings.TrimSpace(s) == "" {
		return ErrValidation(CodeInvalidRun, "run id is empty")
	}
	if s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return ErrValidation(CodeInvalidRun, "run id contains a path separator: "+s)
	}
	return nil
}

// RunRecord is the persisted metadata of a run (meta.json).
type RunRecord struct {
	ID         RunID     `json:"id"`
	Name       string    `json:"name"`
	ScriptPath string    `json:"script_path"`
	Args       []string  `json:"args"`
	Timestamp  time.Time `json:"timestamp"`
	ResultFile string    `json:"result_file,omitempty"`
	// Result is absent until a finished execution produced a result file.
	Result json.RawMessage `json:"result,omitempty"`
}

// HasResult reports whether a result payload is attached.
func (r *RunRecord) HasResult() bool {
	return len(r.Result) > 0 && !bytes.Equal(bytes.TrimSpace(r.Result), []byte("null"))
}

// RunSummary is a lightweight listing entry.
type RunSummary struct {
	ID        RunID     `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	ModTime   time.Time `json:"mod_time"`
	HasResult bool      `json:"has_result"`
}

// LockInfo is the content of a run's lock file.
type LockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	// ProcessStart is the process create time in epoch milliseconds, zero if unknown.
	ProcessStart int64 `json:"process_start,omitempty"`
}

// RunState is the observable state of a run.
type RunState string

const (
	RunStateIdle    RunState = "idle"
	RunStateRunning RunState = "running"
)

// RunStatus is the result of a status query.
type RunStatus struct {
	RunID RunID     `json:"run_id"`
	Name  string    `json:"name,omitempty"`
	State RunState  `json:"state"`
	PID   int       `json:"pid,omitempty"`
	Since time.Time `json:"since,omitempty"`
	// Stale is set when a lock file exists but its process is gone.
	Stale bool `json:"stale,omitempty"`
}

// LaunchSpec describes one subprocess invocation of a run.
type LaunchSpec struct {
	RunID      RunID
	WorkDir    string
	ScriptPath string
	Args       []string
	Env        []string
	Log        io.Writer
}

// ExitStatus is the outcome of a finished process.
type ExitStatus struct {
	Code int
	Err  error
}

// Success reports whether the process exited with code zero.
func (s ExitStatus) Success() bool {
	return s.Err == nil && s.Code == 0
}

// ExecutionStatus is the state of one recorded execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionAbandoned ExecutionStatus = "abandoned"
)

// Execution is one launch of a run as recorded in the history.
type Execution struct {
	ID         int64           `json:"id"`
	RunID      RunID           `json:"run_id"`
	PID        int             `json:"pid"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	Error      string          `json:"error,omitempty"`
	Host       json.RawMessage `json:"host,omitempty"`
}
