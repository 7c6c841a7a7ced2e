package pipeline

// Flow names understood by the suggestion mapping. The scheduler treats
// flows as opaque strings; these constants exist so the orchestrator and
// configuration agree on spelling.
const (
	FlowResearch  = "research"
	FlowPlan      = "plan"
	FlowImplement = "implement"
	FlowReview    = "review"
)

// Meta is the slice of task-document metadata the suggestion mapping
// reads. An explicit flow request wins over risk-based selection.
type Meta struct {
	// Flow is an explicit single-flow request, empty when unset.
	Flow string

	// Risk is the document's declared risk level (low, medium, high).
	// Unknown values are treated as low.
	Risk string
}

// Definition is an ordered list of flows applied to one resource, one
// flow enqueued after the previous completes.
type Definition struct {
	Flows []string
}

// Len returns the number of steps in the definition.
func (d Definition) Len() int {
	return len(d.Flows)
}

// Phase represents a phase of a pipeline's execution.
type Phase string

const (
	// PhaseNotStarted indicates no step has been enqueued yet.
	PhaseNotStarted Phase = "not_started"

	// PhaseRunning indicates the step at StepIndex is in flight.
	PhaseRunning Phase = "running"

	// PhaseCompleted indicates every step finished successfully.
	PhaseCompleted Phase = "completed"

	// PhaseFailed indicates a step failed and the halt-on-failure policy
	// ended the pipeline.
	PhaseFailed Phase = "failed"

	// PhaseAborted indicates a step was canceled.
	PhaseAborted Phase = "aborted"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// IsTerminal returns true if this phase represents a final state.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseAborted
}

// State tracks one resource's progress through a Definition.
type State struct {
	Definition Definition
	Phase      Phase
	StepIndex  int

	// Outcomes records the terminal outcome of each completed step, in
	// step order.
	Outcomes []StepOutcome
}

// CurrentFlow returns the flow at StepIndex, or "" past the end.
func (s State) CurrentFlow() string {
	if s.StepIndex < 0 || s.StepIndex >= len(s.Definition.Flows) {
		return ""
	}
	return s.Definition.Flows[s.StepIndex]
}

// StepOutcome reports how one pipeline step ended.
type StepOutcome string

const (
	// StepSucceeded is a normal successful step completion.
	StepSucceeded StepOutcome = "succeeded"

	// StepFailed means the step's run failed terminally.
	StepFailed StepOutcome = "failed"

	// StepCanceled means the step's run was canceled.
	StepCanceled StepOutcome = "canceled"
)

// DecisionKind classifies the orchestrator's answer to a completed step.
type DecisionKind string

const (
	// DecisionAdvance means the next flow should be enqueued.
	DecisionAdvance DecisionKind = "advance"

	// DecisionCompleted means the pipeline finished all of its steps.
	DecisionCompleted DecisionKind = "completed"

	// DecisionAborted means the pipeline halted before its last step.
	DecisionAborted DecisionKind = "aborted"
)

// Decision is the orchestrator's verdict after a step completes. Next is
// the flow to enqueue when Kind is DecisionAdvance.
type Decision struct {
	Kind DecisionKind
	Next string
}
