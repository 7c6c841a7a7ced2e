// Package launcher defines the worker launcher the scheduler dispatches
// runs through, and an os/exec implementation that spawns one worker
// process per attempt.
//
// The interface exists so the coordinator core never touches process
// mechanics directly: tests substitute a scripted launcher, and the exec
// backend can be replaced without changing scheduling behavior.
package launcher

import "context"

// Request describes one dispatch attempt for a run.
type Request struct {
	// RunID is the unique identifier for the run.
	RunID string

	// ResourceKey is the task document the run operates on.
	ResourceKey string

	// Flow is the flow category being executed.
	Flow string

	// Attempt is the 1-based attempt number.
	Attempt int

	// ResultPath is where the worker must write its JSON result payload.
	ResultPath string

	// LogPath is the per-run log file the worker's output is captured to.
	LogPath string
}

// Launcher executes one run attempt against an external worker.
//
// Launch blocks until the worker exits or ctx is cancelled. Failure to
// start the worker at all must be reported as an *errors.LaunchError so
// the scheduler retries it; a worker that started and then failed returns
// an ordinary error, which is terminal. A nil return means the worker
// exited normally; its result payload still decides the run's outcome.
type Launcher interface {
	Launch(ctx context.Context, req Request) error
}
