package pipeline

import (
	"reflect"
	"testing"

	"github.com/dlowe-net/runward/internal/errors"
)

func TestSuggest(t *testing.T) {
	o := New()

	cases := []struct {
		name string
		meta Meta
		want []string
	}{
		{"explicit flow wins", Meta{Flow: "review", Risk: "high"}, []string{"review"}},
		{"high risk", Meta{Risk: "high"}, []string{"research", "plan", "implement", "review"}},
		{"medium risk", Meta{Risk: "medium"}, []string{"plan", "implement", "review"}},
		{"low risk", Meta{Risk: "low"}, []string{"implement", "review"}},
		{"unknown risk defaults low", Meta{Risk: "extreme"}, []string{"implement", "review"}},
		{"empty meta", Meta{}, []string{"implement", "review"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := o.Suggest(tc.meta)
			if !reflect.DeepEqual(got.Flows, tc.want) {
				t.Errorf("Suggest(%+v) = %v, want %v", tc.meta, got.Flows, tc.want)
			}
		})
	}
}

func TestSuggestIsStable(t *testing.T) {
	o := New()
	meta := Meta{Risk: "high"}

	first := o.Suggest(meta)
	for i := 0; i < 10; i++ {
		if got := o.Suggest(meta); !reflect.DeepEqual(got, first) {
			t.Fatalf("Suggest varied across calls: %v vs %v", got, first)
		}
	}
}

func TestStart(t *testing.T) {
	o := New()

	st, first, err := o.Start(Definition{Flows: []string{"plan", "implement"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first != "plan" {
		t.Errorf("first flow = %q, want plan", first)
	}
	if st.Phase != PhaseRunning || st.StepIndex != 0 {
		t.Errorf("state = %+v, want running at step 0", st)
	}
}

func TestStartEmptyDefinition(t *testing.T) {
	o := New()
	if _, _, err := o.Start(Definition{}); err == nil {
		t.Error("Start accepted an empty definition")
	}
}

func TestPipelineAdvancesThroughAllSteps(t *testing.T) {
	o := New()
	st, _, err := o.Start(Definition{Flows: []string{"research", "plan", "implement"}})
	if err != nil {
		t.Fatal(err)
	}

	st, dec, err := o.OnFlowCompleted(st, StepSucceeded)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Kind != DecisionAdvance || dec.Next != "plan" {
		t.Fatalf("after research: decision = %+v, want advance to plan", dec)
	}

	st, dec, err = o.OnFlowCompleted(st, StepSucceeded)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Kind != DecisionAdvance || dec.Next != "implement" {
		t.Fatalf("after plan: decision = %+v, want advance to implement", dec)
	}

	st, dec, err = o.OnFlowCompleted(st, StepSucceeded)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Kind != DecisionCompleted {
		t.Fatalf("after implement: decision = %+v, want completed", dec)
	}
	if st.Phase != PhaseCompleted {
		t.Errorf("phase = %s, want completed", st.Phase)
	}
	want := []StepOutcome{StepSucceeded, StepSucceeded, StepSucceeded}
	if !reflect.DeepEqual(st.Outcomes, want) {
		t.Errorf("outcomes = %v, want %v", st.Outcomes, want)
	}
}

func TestFailureHaltsByDefault(t *testing.T) {
	o := New()
	st, _, err := o.Start(Definition{Flows: []string{"implement", "review"}})
	if err != nil {
		t.Fatal(err)
	}

	st, dec, err := o.OnFlowCompleted(st, StepFailed)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Kind != DecisionAborted {
		t.Errorf("decision = %+v, want aborted", dec)
	}
	if st.Phase != PhaseFailed {
		t.Errorf("phase = %s, want failed", st.Phase)
	}
}

func TestContinueOnFailureAdvances(t *testing.T) {
	o := New(WithContinueOnFailure())
	st, _, err := o.Start(Definition{Flows: []string{"implement", "review"}})
	if err != nil {
		t.Fatal(err)
	}

	st, dec, err := o.OnFlowCompleted(st, StepFailed)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Kind != DecisionAdvance || dec.Next != "review" {
		t.Errorf("decision = %+v, want advance to review", dec)
	}
	if st.Phase != PhaseRunning {
		t.Errorf("phase = %s, want still running", st.Phase)
	}
}

func TestCancellationAbortsEvenWithContinueOnFailure(t *testing.T) {
	o := New(WithContinueOnFailure())
	st, _, err := o.Start(Definition{Flows: []string{"implement", "review"}})
	if err != nil {
		t.Fatal(err)
	}

	st, dec, err := o.OnFlowCompleted(st, StepCanceled)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Kind != DecisionAborted {
		t.Errorf("decision = %+v, want aborted", dec)
	}
	if st.Phase != PhaseAborted {
		t.Errorf("phase = %s, want aborted", st.Phase)
	}
}

func TestCompletedPipelineRejectsFurtherSteps(t *testing.T) {
	o := New()
	st, _, err := o.Start(Definition{Flows: []string{"implement"}})
	if err != nil {
		t.Fatal(err)
	}
	st, _, err = o.OnFlowCompleted(st, StepSucceeded)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := o.OnFlowCompleted(st, StepSucceeded); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}
