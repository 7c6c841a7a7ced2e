package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dlowe-net/runward/internal/errors"
	"github.com/dlowe-net/runward/internal/launcher"
	"github.com/dlowe-net/runward/internal/lockstore"
	"github.com/dlowe-net/runward/internal/pipeline"
	"github.com/dlowe-net/runward/internal/resource"
	"github.com/dlowe-net/runward/internal/scheduler"
)

// failingStore wraps a Store and fails Apply on demand, simulating a
// document write error: permanently while failApply is set, or for the
// next failNext calls.
type failingStore struct {
	resource.Store
	failApply bool
	failNext  int
}

func (s *failingStore) Apply(key string, patch resource.Patch) (*resource.Document, error) {
	if s.failNext > 0 {
		s.failNext--
		return nil, errors.New("disk full")
	}
	if s.failApply {
		return nil, errors.New("disk full")
	}
	return s.Store.Apply(key, patch)
}

type fixture struct {
	coord *Coordinator
	docs  *resource.FileStore
	locks *lockstore.Store
	dir   string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()

	locks, err := lockstore.Open(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("open lock store: %v", err)
	}
	docs := resource.NewFileStore(filepath.Join(dir, "tasks"))

	coord, err := New(Config{
		Scheduler:  scheduler.Config{MaxConcurrent: 4, HardLimit: 100},
		Locks:      locks,
		Docs:       docs,
		ResultsDir: filepath.Join(dir, "results"),
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(coord.Close)

	return &fixture{coord: coord, docs: docs, locks: locks, dir: dir}
}

func (f *fixture) writeDoc(t *testing.T, key string, doc resource.Document) {
	t.Helper()
	if err := f.docs.Save(key, &doc); err != nil {
		t.Fatalf("save document: %v", err)
	}
}

func (f *fixture) writePayload(t *testing.T, runID string, p Payload) {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(f.dir, "results", runID+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) loadDoc(t *testing.T, key string) *resource.Document {
	t.Helper()
	doc, err := f.docs.Load(key)
	if err != nil {
		t.Fatalf("load document: %v", err)
	}
	return doc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueueRunMarksDocumentRunning(t *testing.T) {
	f := newFixture(t)
	f.writeDoc(t, "a.yaml", resource.Document{Title: "task a"})

	res, err := f.coord.EnqueueRun("a.yaml", "implement")
	if err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	if res.Outcome != scheduler.OutcomeEnqueued {
		t.Fatalf("outcome = %s, want enqueued", res.Outcome)
	}

	doc := f.loadDoc(t, "a.yaml")
	if doc.Status != resource.StatusRunning {
		t.Errorf("status = %s, want running", doc.Status)
	}
	if doc.Flow != "implement" {
		t.Errorf("flow = %q, want implement", doc.Flow)
	}
	if len(doc.AuditLog) != 1 || !strings.Contains(doc.AuditLog[0], res.RunID) {
		t.Errorf("audit log = %v, want one entry tagged %s", doc.AuditLog, res.RunID)
	}
}

func TestEnqueueRunMissingDocument(t *testing.T) {
	f := newFixture(t)

	if _, err := f.coord.EnqueueRun("missing.yaml", "implement"); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEnqueueRunRollsBackOnDocumentWriteFailure(t *testing.T) {
	dir := t.TempDir()
	locks, err := lockstore.Open(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatal(err)
	}
	inner := resource.NewFileStore(filepath.Join(dir, "tasks"))
	docs := &failingStore{Store: inner}

	coord, err := New(Config{
		Scheduler:  scheduler.Config{MaxConcurrent: 4, HardLimit: 100},
		Locks:      locks,
		Docs:       docs,
		ResultsDir: filepath.Join(dir, "results"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Close()

	if err := inner.Save("a.yaml", &resource.Document{Title: "task a"}); err != nil {
		t.Fatal(err)
	}

	docs.failApply = true
	if _, err := coord.EnqueueRun("a.yaml", "implement"); err == nil {
		t.Fatal("EnqueueRun succeeded despite document write failure")
	}

	// The admission must have been rolled back: no lock, no run.
	if holder, ok := locks.Holder("a.yaml"); ok {
		t.Errorf("lock still held by %s after rollback", holder)
	}
	if snap := coord.Scheduler().Snapshot(); snap.RunningByFlow["implement"] != 0 {
		t.Errorf("run survived rollback: %+v", snap.RunningByFlow)
	}

	// A later enqueue on the same resource succeeds.
	docs.failApply = false
	res, err := coord.EnqueueRun("a.yaml", "implement")
	if err != nil || res.Outcome != scheduler.OutcomeEnqueued {
		t.Errorf("re-enqueue after rollback = %+v, %v; want enqueued", res, err)
	}
}

func TestCompleteRunFallsBackToStatusOnlyWrite(t *testing.T) {
	dir := t.TempDir()
	locks, err := lockstore.Open(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatal(err)
	}
	inner := resource.NewFileStore(filepath.Join(dir, "tasks"))
	docs := &failingStore{Store: inner}

	coord, err := New(Config{
		Scheduler:  scheduler.Config{MaxConcurrent: 4, HardLimit: 100},
		Locks:      locks,
		Docs:       docs,
		ResultsDir: filepath.Join(dir, "results"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Close()

	if err := inner.Save("a.yaml", &resource.Document{
		Checklist: []resource.ChecklistItem{{Label: "works"}},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := coord.EnqueueRun("a.yaml", "implement")
	if err != nil {
		t.Fatal(err)
	}

	payload, err := json.Marshal(Payload{
		Status:          "succeeded",
		Summary:         "done",
		CheckedCriteria: []int{0},
	})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "results", res.RunID+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatal(err)
	}

	// The full completion patch fails once; the status-only retry lands.
	docs.failNext = 1
	doc, err := coord.CompleteRun("a.yaml", res.RunID, scheduler.OutcomeSucceeded)
	if err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	if doc.Status != resource.StatusDone {
		t.Errorf("status = %s, want done", doc.Status)
	}
	if doc.Checklist[0].Done {
		t.Error("checklist updated by the degraded write")
	}
	if len(doc.AuditLog) == 0 {
		t.Error("no audit entry recorded by the degraded write")
	}
	if _, ok := locks.Holder("a.yaml"); ok {
		t.Error("lock held after completion")
	}
}

func TestCompleteRunImplementTogglesChecklist(t *testing.T) {
	f := newFixture(t)
	f.writeDoc(t, "a.yaml", resource.Document{
		Checklist: []resource.ChecklistItem{
			{Label: "compiles"},
			{Label: "tested"},
			{Label: "documented"},
		},
	})

	res, err := f.coord.EnqueueRun("a.yaml", "implement")
	if err != nil {
		t.Fatal(err)
	}
	f.writePayload(t, res.RunID, Payload{
		Status:          "succeeded",
		Summary:         "done",
		CheckedCriteria: []int{0, 2},
	})

	doc, err := f.coord.CompleteRun("a.yaml", res.RunID, scheduler.OutcomeSucceeded)
	if err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	if doc.Status != resource.StatusDone {
		t.Errorf("status = %s, want done", doc.Status)
	}
	wantDone := []bool{true, false, true}
	for i, item := range doc.Checklist {
		if item.Done != wantDone[i] {
			t.Errorf("checklist[%d].Done = %v, want %v", i, item.Done, wantDone[i])
		}
	}
	if _, ok := f.locks.Holder("a.yaml"); ok {
		t.Error("lock held after completion")
	}
}

func TestCompleteRunPayloadStatusOverridesOutcome(t *testing.T) {
	f := newFixture(t)
	f.writeDoc(t, "a.yaml", resource.Document{})

	res, err := f.coord.EnqueueRun("a.yaml", "implement")
	if err != nil {
		t.Fatal(err)
	}
	// Worker exited zero but reported failure in the payload.
	f.writePayload(t, res.RunID, Payload{Status: "failed", Summary: "tests red"})

	doc, err := f.coord.CompleteRun("a.yaml", res.RunID, scheduler.OutcomeSucceeded)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != resource.StatusFailed {
		t.Errorf("status = %s, want failed (payload wins)", doc.Status)
	}
}

func TestCompleteRunMalformedPayloadForcesFailed(t *testing.T) {
	f := newFixture(t)
	f.writeDoc(t, "a.yaml", resource.Document{})

	res, err := f.coord.EnqueueRun("a.yaml", "implement")
	if err != nil {
		t.Fatal(err)
	}
	// No payload written at all.

	doc, err := f.coord.CompleteRun("a.yaml", res.RunID, scheduler.OutcomeSucceeded)
	if err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if doc.Status != resource.StatusFailed {
		t.Errorf("status = %s, want failed", doc.Status)
	}
	if !doc.Status.IsTerminal() {
		t.Error("completion left a non-terminal status")
	}
	last := doc.AuditLog[len(doc.AuditLog)-1]
	if !strings.Contains(last, res.RunID+".log") {
		t.Errorf("audit diagnostic %q does not name the worker log", last)
	}
	if _, ok := f.locks.Holder("a.yaml"); ok {
		t.Error("lock held after forced failure")
	}
}

func TestCompleteRunReviewTalliesFindings(t *testing.T) {
	f := newFixture(t)
	f.writeDoc(t, "a.yaml", resource.Document{
		Checklist: []resource.ChecklistItem{{Label: "unchanged"}},
	})

	res, err := f.coord.EnqueueRun("a.yaml", "review")
	if err != nil {
		t.Fatal(err)
	}
	f.writePayload(t, res.RunID, Payload{
		Status: "succeeded",
		Findings: []Finding{
			{Severity: "high"}, {Severity: "low"}, {Severity: "high"},
		},
	})

	doc, err := f.coord.CompleteRun("a.yaml", res.RunID, scheduler.OutcomeSucceeded)
	if err != nil {
		t.Fatal(err)
	}
	last := doc.AuditLog[len(doc.AuditLog)-1]
	if !strings.Contains(last, "2 high, 1 low") {
		t.Errorf("audit line %q missing severity tally", last)
	}
	if doc.Checklist[0].Done {
		t.Error("review completion mutated the checklist")
	}
}

func TestCompleteRunResearchCountsSources(t *testing.T) {
	f := newFixture(t)
	f.writeDoc(t, "a.yaml", resource.Document{})

	res, err := f.coord.EnqueueRun("a.yaml", "research")
	if err != nil {
		t.Fatal(err)
	}
	f.writePayload(t, res.RunID, Payload{
		Status: "succeeded",
		Sources: []Source{
			{Title: "one", URL: "https://example.com/1"},
			{Title: "two", URL: "https://example.com/2"},
		},
	})

	doc, err := f.coord.CompleteRun("a.yaml", res.RunID, scheduler.OutcomeSucceeded)
	if err != nil {
		t.Fatal(err)
	}
	last := doc.AuditLog[len(doc.AuditLog)-1]
	if !strings.Contains(last, "2 sources") {
		t.Errorf("audit line %q missing source count", last)
	}
}

func TestCompleteRunCanceledSkipsPayload(t *testing.T) {
	f := newFixture(t)
	f.writeDoc(t, "a.yaml", resource.Document{})

	res, err := f.coord.EnqueueRun("a.yaml", "implement")
	if err != nil {
		t.Fatal(err)
	}

	doc, err := f.coord.CompleteRun("a.yaml", res.RunID, scheduler.OutcomeCanceled)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != resource.StatusCanceled {
		t.Errorf("status = %s, want canceled", doc.Status)
	}
}

func TestStartPipelineRunsAllFlows(t *testing.T) {
	f := newFixture(t)
	f.writeDoc(t, "a.yaml", resource.Document{Risk: "low"})

	res, def, err := f.coord.StartPipeline("a.yaml")
	if err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	if got := def.Flows; len(got) != 2 || got[0] != "implement" || got[1] != "review" {
		t.Fatalf("definition = %v, want [implement review]", got)
	}

	// Step 1: implement succeeds.
	f.writePayload(t, res.RunID, Payload{Status: "succeeded"})
	if _, err := f.coord.CompleteRun("a.yaml", res.RunID, scheduler.OutcomeSucceeded); err != nil {
		t.Fatal(err)
	}

	// The review step was enqueued automatically on the same resource.
	reviewID, ok := f.locks.Holder("a.yaml")
	if !ok {
		t.Fatal("no run holds the resource after advance")
	}
	if reviewID == res.RunID {
		t.Fatal("advance reused the implement run")
	}
	if doc := f.loadDoc(t, "a.yaml"); doc.Flow != "review" {
		t.Errorf("flow = %q, want review", doc.Flow)
	}

	// Step 2: review succeeds; pipeline completes.
	f.writePayload(t, reviewID, Payload{Status: "succeeded"})
	if _, err := f.coord.CompleteRun("a.yaml", reviewID, scheduler.OutcomeSucceeded); err != nil {
		t.Fatal(err)
	}
	if _, active := f.coord.PipelineState("a.yaml"); active {
		t.Error("pipeline state retained after completion")
	}
	if doc := f.loadDoc(t, "a.yaml"); doc.Status != resource.StatusDone {
		t.Errorf("final status = %s, want done", doc.Status)
	}
}

func TestPipelineHaltsOnFailedFlow(t *testing.T) {
	f := newFixture(t)
	f.writeDoc(t, "a.yaml", resource.Document{Risk: "low"})

	res, _, err := f.coord.StartPipeline("a.yaml")
	if err != nil {
		t.Fatal(err)
	}

	f.writePayload(t, res.RunID, Payload{Status: "failed", Summary: "broke the build"})
	if _, err := f.coord.CompleteRun("a.yaml", res.RunID, scheduler.OutcomeSucceeded); err != nil {
		t.Fatal(err)
	}

	if _, ok := f.locks.Holder("a.yaml"); ok {
		t.Error("a new run was enqueued despite the halt-on-failure policy")
	}
	if _, active := f.coord.PipelineState("a.yaml"); active {
		t.Error("pipeline state retained after halt")
	}
	if doc := f.loadDoc(t, "a.yaml"); doc.Status != resource.StatusFailed {
		t.Errorf("status = %s, want failed", doc.Status)
	}
}

func TestStartPipelineExplicitFlow(t *testing.T) {
	f := newFixture(t)
	f.writeDoc(t, "a.yaml", resource.Document{Flow: "review"})

	_, def, err := f.coord.StartPipeline("a.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(def.Flows) != 1 || def.Flows[0] != "review" {
		t.Errorf("definition = %v, want [review]", def.Flows)
	}
}

// payloadLauncher is a scripted worker: it writes the configured payload
// to the result path and returns the configured error.
type payloadLauncher struct {
	payload *Payload
	err     error
}

func (l *payloadLauncher) Launch(ctx context.Context, req launcher.Request) error {
	if l.payload != nil {
		data, err := json.Marshal(l.payload)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(req.ResultPath), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(req.ResultPath, data, 0644); err != nil {
			return err
		}
	}
	return l.err
}

func TestDispatchCompletesThroughLauncher(t *testing.T) {
	launch := &payloadLauncher{payload: &Payload{Status: "succeeded", Summary: "all green"}}
	f := newFixture(t, WithLauncher(launch))
	f.writeDoc(t, "a.yaml", resource.Document{})

	if _, err := f.coord.EnqueueRun("a.yaml", "implement"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "document to reach done", func() bool {
		return f.loadDoc(t, "a.yaml").Status == resource.StatusDone
	})
	if _, ok := f.locks.Holder("a.yaml"); ok {
		t.Error("lock held after dispatch completion")
	}
}

func TestDispatchLaunchFailureExhaustsAndFails(t *testing.T) {
	launch := &payloadLauncher{err: errors.NewLaunchError("start worker", errors.New("no such binary"))}
	f := newFixture(t, WithLauncher(launch))
	f.writeDoc(t, "a.yaml", resource.Document{})

	// Zero retry budget: the first launch failure is terminal.
	if _, err := f.coord.EnqueueRun("a.yaml", "implement"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "document to reach failed", func() bool {
		return f.loadDoc(t, "a.yaml").Status == resource.StatusFailed
	})
	doc := f.loadDoc(t, "a.yaml")
	last := doc.AuditLog[len(doc.AuditLog)-1]
	if !strings.Contains(last, "launch failed") {
		t.Errorf("audit line %q does not record the launch failure", last)
	}
	if _, ok := f.locks.Holder("a.yaml"); ok {
		t.Error("lock held after exhausted launch failure")
	}
}

func TestDispatchExecutionFailure(t *testing.T) {
	launch := &payloadLauncher{
		payload: &Payload{Status: "failed", Summary: "exit 1"},
		err:     errors.New("worker exited: exit status 1"),
	}
	f := newFixture(t, WithLauncher(launch))
	f.writeDoc(t, "a.yaml", resource.Document{})

	if _, err := f.coord.EnqueueRun("a.yaml", "implement"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "document to reach failed", func() bool {
		return f.loadDoc(t, "a.yaml").Status == resource.StatusFailed
	})
}

func TestPipelineStateReflectsProgress(t *testing.T) {
	f := newFixture(t)
	f.writeDoc(t, "a.yaml", resource.Document{Risk: "medium"})

	res, def, err := f.coord.StartPipeline("a.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(def.Flows) != 3 {
		t.Fatalf("definition = %v, want 3 flows", def.Flows)
	}

	st, ok := f.coord.PipelineState("a.yaml")
	if !ok || st.StepIndex != 0 || st.Phase != pipeline.PhaseRunning {
		t.Fatalf("state = %+v, %v; want running at step 0", st, ok)
	}

	f.writePayload(t, res.RunID, Payload{Status: "succeeded"})
	if _, err := f.coord.CompleteRun("a.yaml", res.RunID, scheduler.OutcomeSucceeded); err != nil {
		t.Fatal(err)
	}

	st, ok = f.coord.PipelineState("a.yaml")
	if !ok || st.StepIndex != 1 {
		t.Errorf("state after first step = %+v, %v; want step 1", st, ok)
	}
}
