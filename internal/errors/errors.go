// Package errors provides centralized error definitions and classification
// helpers for runward. It defines the fault taxonomy the scheduler and
// lifecycle coordinator translate internal failures into:
//
//   - LaunchError: the worker process could not start. Retryable; the
//     scheduler keeps the resource lock and retries per the backoff policy.
//   - ResultError: the run's result payload is missing or unreadable.
//     Terminal; completion is forced to a failed outcome with a diagnostic.
//
// Lock conflicts and queue saturation are protocol-level results, not
// errors; they are expressed by the scheduler's Enqueue result type.
//
// Checking errors:
//
//	if errors.IsLaunchFailure(err) { ... }
//	var re *errors.ResultError
//	if errors.As(err, &re) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience, so callers can
// import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Scheduler sentinel errors.
var (
	// ErrRunNotFound indicates an operation referenced an unknown run ID.
	ErrRunNotFound = New("run not found")
	// ErrInvalidTransition indicates a run state transition that is not allowed.
	ErrInvalidTransition = New("invalid run state transition")
	// ErrSchedulerClosed indicates the scheduler has been shut down.
	ErrSchedulerClosed = New("scheduler closed")
)

// LaunchError indicates the worker process could not be started.
// It is retryable: the scheduler retains the resource lock and schedules
// another attempt through the backoff policy.
type LaunchError struct {
	Op  string // what was being attempted, e.g. "start worker"
	Err error
}

// NewLaunchError creates a LaunchError wrapping the underlying cause.
func NewLaunchError(op string, err error) *LaunchError {
	return &LaunchError{Op: op, Err: err}
}

func (e *LaunchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("launch failure: %s", e.Op)
	}
	return fmt.Sprintf("launch failure: %s: %v", e.Op, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ResultError indicates a run's result payload was missing or malformed.
// It is terminal: the completion path forces a failed outcome and records
// a diagnostic pointing at the run's log.
type ResultError struct {
	Path string // result payload path
	Err  error
}

// NewResultError creates a ResultError for the payload at path.
func NewResultError(path string, err error) *ResultError {
	return &ResultError{Path: path, Err: err}
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("result payload %s: %v", e.Path, e.Err)
}

func (e *ResultError) Unwrap() error { return e.Err }

// IsLaunchFailure reports whether err is (or wraps) a LaunchError.
func IsLaunchFailure(err error) bool {
	var le *LaunchError
	return As(err, &le)
}

// IsMalformedResult reports whether err is (or wraps) a ResultError.
func IsMalformedResult(err error) bool {
	var re *ResultError
	return As(err, &re)
}

// IsRetryable reports whether the error represents a transient fault the
// scheduler should retry. Only launch failures are retried; execution
// failures and malformed results are terminal.
func IsRetryable(err error) bool {
	return IsLaunchFailure(err)
}
