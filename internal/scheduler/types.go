package scheduler

import (
	"time"

	"github.com/dlowe-net/runward/internal/backoff"
)

// State represents the current state of a run.
type State string

const (
	// StateQueued indicates the run is waiting for capacity or for a
	// retry backoff to elapse. It holds its resource lock either way.
	StateQueued State = "queued"

	// StateRunning indicates a dispatch attempt is in flight.
	StateRunning State = "running"

	// StateSucceeded indicates the run finished successfully.
	StateSucceeded State = "succeeded"

	// StateFailed indicates the run failed terminally.
	StateFailed State = "failed"

	// StateCanceled indicates the run was canceled. Canceled runs are
	// exempt from retry.
	StateCanceled State = "canceled"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if this state represents a final state.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// Run is one execution of a flow against a resource. A run becomes
// terminal exactly once; its attempt count increments on internal retry.
type Run struct {
	ID          string    `json:"id"`
	ResourceKey string    `json:"resource_key"`
	Flow        string    `json:"flow"`
	Group       string    `json:"group"`
	Parallel    bool      `json:"parallel"`
	Attempt     int       `json:"attempt"`
	State       State     `json:"state"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Request asks the scheduler to admit a run.
type Request struct {
	// ResourceKey identifies the lockable unit of work (a task file path).
	ResourceKey string

	// Flow is the work category (implement, review, research, plan).
	Flow string

	// Group is the serialization group for non-parallelizable work.
	// Empty defaults to the parent directory of ResourceKey.
	Group string

	// Parallel marks the run safe to execute alongside other runs of the
	// same group.
	Parallel bool
}

// EnqueueOutcome is the admission decision for a Request.
type EnqueueOutcome string

const (
	// OutcomeEnqueued means the run was admitted (dispatched or queued).
	OutcomeEnqueued EnqueueOutcome = "enqueued"

	// OutcomeAlreadyRunning means the resource is already held; the
	// result carries the existing holder's run ID.
	OutcomeAlreadyRunning EnqueueOutcome = "already_running"

	// OutcomeDeferred means the hard limit rejected the request; no lock
	// was taken and no run exists.
	OutcomeDeferred EnqueueOutcome = "deferred"
)

// Backpressure is an advisory capacity signal attached to accepted
// results when depth has reached the soft limit, and to Deferred results
// with the hard limit. It never turns an accepted request into a rejection.
type Backpressure struct {
	Limit int `json:"limit"`
	Depth int `json:"depth"`
}

// Result is the synchronous answer to Enqueue.
type Result struct {
	Outcome      EnqueueOutcome
	RunID        string // new run ID, or the existing holder for AlreadyRunning
	Backpressure *Backpressure
}

// Outcome reports how a dispatch attempt ended.
type Outcome string

const (
	// OutcomeSucceeded is a normal successful completion.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed means the worker ran and reported failure. Terminal.
	OutcomeFailed Outcome = "failed"

	// OutcomeCanceled means the run was canceled. Terminal, never retried.
	OutcomeCanceled Outcome = "canceled"

	// OutcomeLaunchFailed means the worker could not start. Retried per
	// the backoff policy with the resource lock retained.
	OutcomeLaunchFailed Outcome = "launch_failed"
)

// terminalState maps a finish outcome to the run's terminal state.
func terminalState(o Outcome) State {
	switch o {
	case OutcomeSucceeded:
		return StateSucceeded
	case OutcomeCanceled:
		return StateCanceled
	default:
		return StateFailed
	}
}

// FinishResult tells the caller what Finish decided.
type FinishResult struct {
	// Retried is true when a launch failure was rescheduled instead of
	// finalized; the resource lock is still held.
	Retried bool

	// Delay is the backoff delay before the next attempt, when Retried.
	Delay time.Duration

	// Attempt is the attempt number that just failed, when Retried.
	Attempt int
}

// Config holds the scheduler's immutable capacity settings.
type Config struct {
	// MaxConcurrent caps globally running dispatch attempts.
	MaxConcurrent int

	// PerFlow caps running attempts per flow. A missing entry means the
	// flow is limited only by MaxConcurrent.
	PerFlow map[string]int

	// SoftLimit is the depth at which accepted requests carry an advisory
	// Backpressure annotation. Zero disables the annotation.
	SoftLimit int

	// HardLimit is the depth at which new requests are Deferred. Zero
	// disables rejection.
	HardLimit int

	// Retry is the backoff policy for launch failures.
	Retry backoff.Policy
}

// Snapshot is a read-only projection of scheduler state.
type Snapshot struct {
	RunningByFlow   map[string]int
	QueuedByFlow    map[string]int
	WaitingRetry    int
	LockedResources []string
}
