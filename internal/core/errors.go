package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input or config
	ErrCatExecution  ErrorCategory = "execution"  // Subprocess could not be created
	ErrCatState      ErrorCategory = "state"      // Corrupted on-disk state
	ErrCatNotFound   ErrorCategory = "not_found"  // Run, metadata or log missing
	ErrCatConflict   ErrorCategory = "conflict"   // Run already running / lock held
	ErrCatIO         ErrorCategory = "io"         // Filesystem read/write failure
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// Predefined error codes
const (
	CodeNotFound       = "NOT_FOUND"
	CodeAlreadyRunning = "ALREADY_RUNNING"
	CodeLockHeld       = "LOCK_HELD"
	CodeLockCorrupted  = "LOCK_CORRUPTED"
	CodeSpawnFailed    = "SPAWN_FAILED"
	CodeIOFailed       = "IO_FAILED"
	CodeInvalidConfig  = "INVALID_CONFIG"
	CodeInvalidRun     = "INVALID_RUN"
	CodeInvalidResult  = "INVALID_RESULT"

	CodeMetadataCorrupted = "METADATA_CORRUPTED"
)

// DomainError represents a structured error from the domain layer.
// None of these errors are retried by the core; they are terminal outcomes
// returned to the caller.
type DomainError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Cause    error
	Details  map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatValidation,
		Code:     code,
		Message:  message,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     code,
		Message:  message,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// ErrAlreadyRunning reports a live lock on a run.
func ErrAlreadyRunning(id RunID, pid int) *DomainError {
	return &DomainError{
		Category: ErrCatConflict,
		Code:     CodeAlreadyRunning,
		Message:  fmt.Sprintf("run %s is already running (pid %d)", id, pid),
		Details: map[string]interface{}{
			"run_id": string(id),
			"pid":    pid,
		},
	}
}

// ErrLockHeld reports that a lock file already exists.
func ErrLockHeld(id RunID) *DomainError {
	return &DomainError{
		Category: ErrCatConflict,
		Code:     CodeLockHeld,
		Message:  fmt.Sprintf("lock file for run %s already exists", id),
		Details: map[string]interface{}{
			"run_id": string(id),
		},
	}
}

// ErrSpawn wraps a failure to create the run's subprocess.
func ErrSpawn(id RunID, cause error) *DomainError {
	return &DomainError{
		Category: ErrCatExecution,
		Code:     CodeSpawnFailed,
		Message:  fmt.Sprintf("starting process for run %s", id),
		Cause:    cause,
	}
}

// ErrIO wraps a filesystem failure on metadata, lock or log files.
func ErrIO(op string, cause error) *DomainError {
	return &DomainError{
		Category: ErrCatIO,
		Code:     CodeIOFailed,
		Message:  op,
		Cause:    cause,
	}
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// HasCode checks whether err carries the given domain error code.
func HasCode(err error, code string) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code == code
	}
	return false
}

// IsNotFound reports whether err is a not-found domain error.
func IsNotFound(err error) bool {
	return IsCategory(err, ErrCatNotFound)
}

// IsAlreadyRunning reports whether err rejected a start because of a live lock.
func IsAlreadyRunning(err error) bool {
	return HasCode(err, CodeAlreadyRunning)
}
