// Package event defines event types for decoupling runward's components.
// The scheduler and lifecycle coordinator publish run, lock, and pipeline
// events; the CLI and tests subscribe without direct dependencies.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "run.started", "lock.released").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Run Lifecycle Events
// -----------------------------------------------------------------------------

// RunEnqueuedEvent is emitted when a run is admitted by the scheduler.
type RunEnqueuedEvent struct {
	baseEvent
	RunID       string // Unique identifier for the run
	ResourceKey string // Resource the run operates on
	Flow        string // Flow category (implement, review, research, plan)
	Queued      bool   // True if the run was queued rather than dispatched
}

// NewRunEnqueuedEvent creates a RunEnqueuedEvent.
func NewRunEnqueuedEvent(runID, resourceKey, flow string, queued bool) RunEnqueuedEvent {
	return RunEnqueuedEvent{
		baseEvent:   newBaseEvent("run.enqueued"),
		RunID:       runID,
		ResourceKey: resourceKey,
		Flow:        flow,
		Queued:      queued,
	}
}

// RunStartedEvent is emitted when a run begins a dispatch attempt.
type RunStartedEvent struct {
	baseEvent
	RunID       string
	ResourceKey string
	Flow        string
	Attempt     int // 1-based attempt number
}

// NewRunStartedEvent creates a RunStartedEvent.
func NewRunStartedEvent(runID, resourceKey, flow string, attempt int) RunStartedEvent {
	return RunStartedEvent{
		baseEvent:   newBaseEvent("run.started"),
		RunID:       runID,
		ResourceKey: resourceKey,
		Flow:        flow,
		Attempt:     attempt,
	}
}

// RunRetryingEvent is emitted when a launch failure schedules a backoff retry.
type RunRetryingEvent struct {
	baseEvent
	RunID       string
	ResourceKey string
	Attempt     int           // The attempt that just failed
	Delay       time.Duration // Delay before the next attempt
}

// NewRunRetryingEvent creates a RunRetryingEvent.
func NewRunRetryingEvent(runID, resourceKey string, attempt int, delay time.Duration) RunRetryingEvent {
	return RunRetryingEvent{
		baseEvent:   newBaseEvent("run.retrying"),
		RunID:       runID,
		ResourceKey: resourceKey,
		Attempt:     attempt,
		Delay:       delay,
	}
}

// RunFinishedEvent is emitted when a run reaches a terminal outcome.
type RunFinishedEvent struct {
	baseEvent
	RunID       string
	ResourceKey string
	Flow        string
	Outcome     string // succeeded, failed, canceled
}

// NewRunFinishedEvent creates a RunFinishedEvent.
func NewRunFinishedEvent(runID, resourceKey, flow, outcome string) RunFinishedEvent {
	return RunFinishedEvent{
		baseEvent:   newBaseEvent("run.finished"),
		RunID:       runID,
		ResourceKey: resourceKey,
		Flow:        flow,
		Outcome:     outcome,
	}
}

// -----------------------------------------------------------------------------
// Lock Events
// -----------------------------------------------------------------------------

// LockAcquiredEvent is emitted when a resource lock is claimed for a run.
type LockAcquiredEvent struct {
	baseEvent
	ResourceKey string
	RunID       string
}

// NewLockAcquiredEvent creates a LockAcquiredEvent.
func NewLockAcquiredEvent(resourceKey, runID string) LockAcquiredEvent {
	return LockAcquiredEvent{
		baseEvent:   newBaseEvent("lock.acquired"),
		ResourceKey: resourceKey,
		RunID:       runID,
	}
}

// LockReleasedEvent is emitted when a resource lock is released.
type LockReleasedEvent struct {
	baseEvent
	ResourceKey string
}

// NewLockReleasedEvent creates a LockReleasedEvent.
func NewLockReleasedEvent(resourceKey string) LockReleasedEvent {
	return LockReleasedEvent{
		baseEvent:   newBaseEvent("lock.released"),
		ResourceKey: resourceKey,
	}
}

// -----------------------------------------------------------------------------
// Pipeline Events
// -----------------------------------------------------------------------------

// PipelineAdvancedEvent is emitted when a pipeline moves to its next flow.
type PipelineAdvancedEvent struct {
	baseEvent
	ResourceKey string
	NextFlow    string
	StepIndex   int // Index of the step about to run
}

// NewPipelineAdvancedEvent creates a PipelineAdvancedEvent.
func NewPipelineAdvancedEvent(resourceKey, nextFlow string, stepIndex int) PipelineAdvancedEvent {
	return PipelineAdvancedEvent{
		baseEvent:   newBaseEvent("pipeline.advanced"),
		ResourceKey: resourceKey,
		NextFlow:    nextFlow,
		StepIndex:   stepIndex,
	}
}

// PipelineFinishedEvent is emitted when a pipeline reaches a terminal state.
type PipelineFinishedEvent struct {
	baseEvent
	ResourceKey string
	Completed   bool   // True when every step succeeded
	Reason      string // Terminal phase name (completed, failed, aborted)
}

// NewPipelineFinishedEvent creates a PipelineFinishedEvent.
func NewPipelineFinishedEvent(resourceKey string, completed bool, reason string) PipelineFinishedEvent {
	return PipelineFinishedEvent{
		baseEvent:   newBaseEvent("pipeline.finished"),
		ResourceKey: resourceKey,
		Completed:   completed,
		Reason:      reason,
	}
}
