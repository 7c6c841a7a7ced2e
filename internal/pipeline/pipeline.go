// Package pipeline decides, after a run completes, whether to chain the
// next flow of a declared sequence against the same resource.
//
// The orchestrator is pure: Suggest maps document metadata to a flow
// sequence without side effects, and OnFlowCompleted advances a State
// value through NotStarted → Running(i) → {Completed, Failed, Aborted}.
// Enqueueing the next flow is the caller's job.
package pipeline

import (
	"github.com/dlowe-net/runward/internal/errors"
	"github.com/dlowe-net/runward/internal/logging"
)

// Orchestrator owns pipeline state transitions. It is the only writer of
// next-flow decisions.
type Orchestrator struct {
	continueOnFailure bool
	log               *logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithContinueOnFailure makes a failed step advance to the next flow
// instead of halting the pipeline.
func WithContinueOnFailure() Option {
	return func(o *Orchestrator) { o.continueOnFailure = true }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(log *logging.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New creates an Orchestrator. The default policy halts the pipeline on
// the first failing flow.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{log: logging.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Suggest maps document metadata to an ordered flow sequence. An explicit
// flow request yields a single-step pipeline; otherwise the risk level
// selects how much scrutiny surrounds the implement step.
func (o *Orchestrator) Suggest(meta Meta) Definition {
	if meta.Flow != "" {
		return Definition{Flows: []string{meta.Flow}}
	}
	switch meta.Risk {
	case "high":
		return Definition{Flows: []string{FlowResearch, FlowPlan, FlowImplement, FlowReview}}
	case "medium":
		return Definition{Flows: []string{FlowPlan, FlowImplement, FlowReview}}
	default:
		return Definition{Flows: []string{FlowImplement, FlowReview}}
	}
}

// Start transitions a fresh state to Running at step 0 and returns the
// first flow to enqueue.
func (o *Orchestrator) Start(def Definition) (State, string, error) {
	if def.Len() == 0 {
		return State{}, "", errors.New("pipeline: definition has no flows")
	}
	st := State{Definition: def, Phase: PhaseRunning, StepIndex: 0}
	return st, def.Flows[0], nil
}

// OnFlowCompleted records the outcome of the current step and decides
// what happens next. Cancellation always aborts; a failure aborts unless
// the orchestrator was built with WithContinueOnFailure.
func (o *Orchestrator) OnFlowCompleted(st State, outcome StepOutcome) (State, Decision, error) {
	if st.Phase != PhaseRunning {
		return st, Decision{}, errors.Join(errors.ErrInvalidTransition,
			errors.New("pipeline: no step in flight"))
	}

	st.Outcomes = append(st.Outcomes, outcome)

	switch outcome {
	case StepCanceled:
		st.Phase = PhaseAborted
		return st, Decision{Kind: DecisionAborted}, nil
	case StepFailed:
		if !o.continueOnFailure {
			st.Phase = PhaseFailed
			o.log.Info("pipeline halted on failed step",
				"flow", st.CurrentFlow(), "step", st.StepIndex)
			return st, Decision{Kind: DecisionAborted}, nil
		}
	}

	if st.StepIndex+1 >= st.Definition.Len() {
		st.Phase = PhaseCompleted
		return st, Decision{Kind: DecisionCompleted}, nil
	}

	st.StepIndex++
	return st, Decision{Kind: DecisionAdvance, Next: st.CurrentFlow()}, nil
}
