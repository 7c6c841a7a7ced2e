// Package lifecycle binds scheduler runs to their external task
// documents. The coordinator is the only writer of the document fields
// runward owns: it marks documents running on admission, reconciles
// worker result payloads into checklist and audit updates on completion,
// and keeps lock state and document state from desyncing by rolling back
// admissions whose document write failed.
package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dlowe-net/runward/internal/errors"
	"github.com/dlowe-net/runward/internal/event"
	"github.com/dlowe-net/runward/internal/launcher"
	"github.com/dlowe-net/runward/internal/lockstore"
	"github.com/dlowe-net/runward/internal/logging"
	"github.com/dlowe-net/runward/internal/pipeline"
	"github.com/dlowe-net/runward/internal/resource"
	"github.com/dlowe-net/runward/internal/scheduler"
)

// Config holds the coordinator's required collaborators and settings.
type Config struct {
	// Scheduler is the capacity configuration for the coordinator's
	// internal scheduler.
	Scheduler scheduler.Config

	// Locks is the durable resource-lock store.
	Locks *lockstore.Store

	// Docs is the task-document store.
	Docs resource.Store

	// ResultsDir is where workers write their per-run result payloads.
	ResultsDir string

	// LogsDir is where per-run worker logs are written. Defaults to
	// ResultsDir.
	LogsDir string
}

// Coordinator drives the full run lifecycle: admission, dispatch through
// the worker launcher, completion reconciliation, and pipeline chaining.
type Coordinator struct {
	sched  *scheduler.Scheduler
	docs   resource.Store
	launch launcher.Launcher
	orch   *pipeline.Orchestrator
	bus    *event.Bus
	log    *logging.Logger
	cfg    Config
	now    func() time.Time

	mu        sync.Mutex
	pipelines map[string]pipeline.State // resourceKey -> pipeline progress
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLauncher sets the worker launcher. Without one, dispatched runs
// stay running until CompleteRun is called, which is how tests drive the
// coordinator directly.
func WithLauncher(l launcher.Launcher) Option {
	return func(c *Coordinator) { c.launch = l }
}

// WithOrchestrator sets the pipeline orchestrator used for flow chaining.
func WithOrchestrator(o *pipeline.Orchestrator) Option {
	return func(c *Coordinator) { c.orch = o }
}

// WithBus sets the event bus.
func WithBus(bus *event.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithLogger sets the coordinator's logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithClock overrides the time source used for audit-log timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator and its internal scheduler. Extra scheduler
// options (test clocks, ID functions) are passed through.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	return NewWithSchedulerOptions(cfg, nil, opts...)
}

// NewWithSchedulerOptions is New with additional scheduler options,
// used by tests to inject deterministic timers and IDs.
func NewWithSchedulerOptions(cfg Config, schedOpts []scheduler.Option, opts ...Option) (*Coordinator, error) {
	if cfg.Docs == nil {
		return nil, errors.New("lifecycle: document store is required")
	}
	if cfg.ResultsDir == "" {
		return nil, errors.New("lifecycle: results directory is required")
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = cfg.ResultsDir
	}

	c := &Coordinator{
		docs:      cfg.Docs,
		orch:      pipeline.New(),
		log:       logging.Nop(),
		cfg:       cfg,
		now:       time.Now,
		pipelines: make(map[string]pipeline.State),
	}
	for _, opt := range opts {
		opt(c)
	}

	schedOpts = append(schedOpts, scheduler.WithLogger(c.log))
	if c.bus != nil {
		schedOpts = append(schedOpts, scheduler.WithBus(c.bus))
	}
	if c.launch != nil {
		schedOpts = append(schedOpts, scheduler.WithDispatch(c.dispatch))
	}

	sched, err := scheduler.New(cfg.Scheduler, cfg.Locks, schedOpts...)
	if err != nil {
		return nil, err
	}
	c.sched = sched
	return c, nil
}

// Scheduler exposes the internal scheduler for snapshots and cancellation.
func (c *Coordinator) Scheduler() *scheduler.Scheduler {
	return c.sched
}

// Close shuts down the internal scheduler.
func (c *Coordinator) Close() {
	c.sched.Close()
}

// EnqueueRun admits a run for the document at key and, on admission,
// records the run on the document: status running, the active flow, and
// an audit entry tagged with the run ID. The admission and the document
// write form a logical transaction: if the write fails, the run is
// aborted so the just-acquired lock does not outlive a document that
// never learned about it.
func (c *Coordinator) EnqueueRun(key, flow string) (scheduler.Result, error) {
	doc, err := c.docs.Load(key)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("load document: %w", err)
	}

	res, err := c.sched.Enqueue(scheduler.Request{
		ResourceKey: key,
		Flow:        flow,
		Group:       doc.Group,
		Parallel:    doc.Parallel,
	})
	if err != nil || res.Outcome != scheduler.OutcomeEnqueued {
		return res, err
	}

	_, applyErr := c.docs.Apply(key, resource.Patch{
		Status:      resource.StatusPtr(resource.StatusRunning),
		Flow:        resource.StringPtr(flow),
		AuditAppend: []string{c.auditLine(res.RunID, fmt.Sprintf("enqueued flow %s", flow))},
	})
	if applyErr != nil {
		// Roll the admission back; lock state must not outrun the document.
		if abortErr := c.sched.Abort(res.RunID); abortErr != nil {
			c.log.Error("abort after failed document write",
				"run_id", res.RunID, "resource", key, "error", abortErr)
		}
		return scheduler.Result{}, fmt.Errorf("mark document running: %w", applyErr)
	}

	c.log.Info("run enqueued", "run_id", res.RunID, "resource", key, "flow", flow)
	return res, nil
}

// CompleteRun reconciles a finished dispatch attempt into the document
// and releases the run's capacity and lock. The worker's result payload
// refines the outcome and drives flow-specific updates; a malformed or
// missing payload forces a failed outcome with a diagnostic naming the
// run's log. Completion never leaves the document non-terminal.
func (c *Coordinator) CompleteRun(key, runID string, outcome scheduler.Outcome) (*resource.Document, error) {
	run, ok := c.sched.Run(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrRunNotFound, runID)
	}

	patch := resource.Patch{}
	var audit string

	if outcome == scheduler.OutcomeCanceled {
		audit = fmt.Sprintf("run canceled during flow %s", run.Flow)
	} else {
		payload, err := readPayload(c.resultPath(runID))
		if err != nil {
			outcome = scheduler.OutcomeFailed
			audit = fmt.Sprintf("result payload unreadable (%v); worker log: %s",
				errors.Unwrap(err), c.logPath(runID))
			c.log.Warn("malformed result payload",
				"run_id", runID, "resource", key, "error", err)
		} else {
			outcome = payloadOutcome(payload.Status)
			audit = c.reconcile(run.Flow, payload, &patch)
		}
	}

	status := statusFor(outcome)
	patch.Status = &status
	patch.AuditAppend = []string{c.auditLine(runID, audit)}

	doc, applyErr := c.docs.Apply(key, patch)
	if applyErr != nil {
		c.log.Error("apply completion patch", "run_id", runID, "resource", key, "error", applyErr)
		// Retry with the terminal status and audit line alone so a store
		// fault cannot strand the document in running.
		fallback := resource.Patch{Status: patch.Status, AuditAppend: patch.AuditAppend}
		if d, err := c.docs.Apply(key, fallback); err == nil {
			doc, applyErr = d, nil
			c.log.Warn("completion patch degraded to status-only write",
				"run_id", runID, "resource", key)
		} else {
			c.log.Error("apply status fallback", "run_id", runID, "resource", key, "error", err)
		}
	}

	if _, err := c.sched.Finish(runID, outcome); err != nil {
		return doc, fmt.Errorf("finish run: %w", err)
	}
	if applyErr != nil {
		return doc, fmt.Errorf("update document: %w", applyErr)
	}

	c.log.Info("run completed",
		"run_id", runID, "resource", key, "flow", run.Flow, "outcome", string(outcome))
	c.advancePipeline(key, outcome)
	return doc, nil
}

// reconcile applies flow-specific payload handling to the patch and
// returns the audit message.
func (c *Coordinator) reconcile(flow string, p *Payload, patch *resource.Patch) string {
	msg := fmt.Sprintf("flow %s %s", flow, p.Status)
	if p.Summary != "" {
		msg += ": " + p.Summary
	}

	switch flow {
	case pipeline.FlowImplement:
		patch.CheckIndices = p.CheckedCriteria
	case pipeline.FlowReview:
		if len(p.Findings) > 0 {
			msg += fmt.Sprintf(" (findings: %s)", tallyFindings(p.Findings))
		}
	case pipeline.FlowResearch:
		msg += fmt.Sprintf(" (%d sources)", len(p.Sources))
	}
	return msg
}

// StartPipeline suggests a flow sequence for the document at key and
// enqueues its first step. The result reports the first step's admission;
// a non-admitted first step leaves no pipeline state behind.
func (c *Coordinator) StartPipeline(key string) (scheduler.Result, pipeline.Definition, error) {
	doc, err := c.docs.Load(key)
	if err != nil {
		return scheduler.Result{}, pipeline.Definition{}, fmt.Errorf("load document: %w", err)
	}

	def := c.orch.Suggest(pipeline.Meta{Flow: doc.Flow, Risk: doc.Risk})
	st, first, err := c.orch.Start(def)
	if err != nil {
		return scheduler.Result{}, def, err
	}

	c.mu.Lock()
	if _, exists := c.pipelines[key]; exists {
		c.mu.Unlock()
		return scheduler.Result{}, def, fmt.Errorf("pipeline already active for %s", key)
	}
	c.pipelines[key] = st
	c.mu.Unlock()

	res, err := c.EnqueueRun(key, first)
	if err != nil || res.Outcome != scheduler.OutcomeEnqueued {
		c.mu.Lock()
		delete(c.pipelines, key)
		c.mu.Unlock()
		return res, def, err
	}
	return res, def, nil
}

// PipelineState returns the active pipeline state for key, if any.
func (c *Coordinator) PipelineState(key string) (pipeline.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.pipelines[key]
	return st, ok
}

// advancePipeline feeds a completed run's outcome into the resource's
// active pipeline, if it has one, and enqueues the next flow on Advance.
func (c *Coordinator) advancePipeline(key string, outcome scheduler.Outcome) {
	c.mu.Lock()
	st, ok := c.pipelines[key]
	if !ok {
		c.mu.Unlock()
		return
	}

	st, dec, err := c.orch.OnFlowCompleted(st, stepOutcome(outcome))
	if err != nil {
		delete(c.pipelines, key)
		c.mu.Unlock()
		c.log.Error("pipeline transition", "resource", key, "error", err)
		return
	}

	if dec.Kind == pipeline.DecisionAdvance {
		c.pipelines[key] = st
	} else {
		delete(c.pipelines, key)
	}
	c.mu.Unlock()

	switch dec.Kind {
	case pipeline.DecisionAdvance:
		c.publish(event.NewPipelineAdvancedEvent(key, dec.Next, st.StepIndex))
		if res, err := c.EnqueueRun(key, dec.Next); err != nil {
			c.log.Error("enqueue next pipeline flow", "resource", key, "flow", dec.Next, "error", err)
			c.dropPipeline(key)
		} else if res.Outcome != scheduler.OutcomeEnqueued {
			c.log.Warn("next pipeline flow not admitted",
				"resource", key, "flow", dec.Next, "outcome", string(res.Outcome))
			c.dropPipeline(key)
		}
	case pipeline.DecisionCompleted:
		c.publish(event.NewPipelineFinishedEvent(key, true, st.Phase.String()))
	case pipeline.DecisionAborted:
		c.publish(event.NewPipelineFinishedEvent(key, false, st.Phase.String()))
	}
}

func (c *Coordinator) dropPipeline(key string) {
	c.mu.Lock()
	delete(c.pipelines, key)
	c.mu.Unlock()
}

// dispatch is the scheduler's dispatch hook. It runs one worker attempt
// and routes the outcome: launch failures back into the scheduler for
// backoff retry, everything else through CompleteRun. Every path leaves
// the run terminal or scheduled for retry; nothing is silently dropped.
func (c *Coordinator) dispatch(ctx context.Context, run scheduler.Run) {
	req := launcher.Request{
		RunID:       run.ID,
		ResourceKey: run.ResourceKey,
		Flow:        run.Flow,
		Attempt:     run.Attempt,
		ResultPath:  c.resultPath(run.ID),
		LogPath:     c.logPath(run.ID),
	}

	err := c.launch.Launch(ctx, req)
	switch {
	case err == nil:
		if _, cerr := c.CompleteRun(run.ResourceKey, run.ID, scheduler.OutcomeSucceeded); cerr != nil {
			c.log.Error("complete run", "run_id", run.ID, "error", cerr)
		}

	case errors.Is(err, context.Canceled):
		if _, cerr := c.CompleteRun(run.ResourceKey, run.ID, scheduler.OutcomeCanceled); cerr != nil {
			c.log.Error("complete canceled run", "run_id", run.ID, "error", cerr)
		}

	case errors.IsLaunchFailure(err):
		c.log.Warn("worker launch failed",
			"run_id", run.ID, "attempt", run.Attempt, "error", err)
		fr, ferr := c.sched.Finish(run.ID, scheduler.OutcomeLaunchFailed)
		if ferr != nil {
			c.log.Error("finish launch-failed run", "run_id", run.ID, "error", ferr)
			return
		}
		if !fr.Retried {
			c.finalizeLaunchFailure(run, err)
		}

	default:
		// The worker ran and reported failure through its exit status; the
		// payload, if any, refines the terminal outcome.
		if _, cerr := c.CompleteRun(run.ResourceKey, run.ID, scheduler.OutcomeFailed); cerr != nil {
			c.log.Error("complete failed run", "run_id", run.ID, "error", cerr)
		}
	}
}

// finalizeLaunchFailure records a terminal failed status after the retry
// budget is exhausted. The scheduler has already released the lock.
func (c *Coordinator) finalizeLaunchFailure(run scheduler.Run, cause error) {
	_, err := c.docs.Apply(run.ResourceKey, resource.Patch{
		Status: resource.StatusPtr(resource.StatusFailed),
		AuditAppend: []string{c.auditLine(run.ID,
			fmt.Sprintf("launch failed after %d attempts: %v", run.Attempt, cause))},
	})
	if err != nil {
		c.log.Error("record launch failure", "run_id", run.ID, "resource", run.ResourceKey, "error", err)
	}
	c.advancePipeline(run.ResourceKey, scheduler.OutcomeFailed)
}

func (c *Coordinator) resultPath(runID string) string {
	return filepath.Join(c.cfg.ResultsDir, runID+".json")
}

func (c *Coordinator) logPath(runID string) string {
	return filepath.Join(c.cfg.LogsDir, runID+".log")
}

func (c *Coordinator) auditLine(runID, msg string) string {
	return fmt.Sprintf("%s [%s] %s", c.now().UTC().Format(time.RFC3339), runID, msg)
}

func (c *Coordinator) publish(ev event.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// payloadOutcome maps a payload status to the scheduler outcome.
func payloadOutcome(status string) scheduler.Outcome {
	switch status {
	case "succeeded":
		return scheduler.OutcomeSucceeded
	case "canceled":
		return scheduler.OutcomeCanceled
	default:
		return scheduler.OutcomeFailed
	}
}

// statusFor maps a terminal scheduler outcome to the document status.
func statusFor(o scheduler.Outcome) resource.Status {
	switch o {
	case scheduler.OutcomeSucceeded:
		return resource.StatusDone
	case scheduler.OutcomeCanceled:
		return resource.StatusCanceled
	default:
		return resource.StatusFailed
	}
}

// stepOutcome maps a scheduler outcome to a pipeline step outcome.
func stepOutcome(o scheduler.Outcome) pipeline.StepOutcome {
	switch o {
	case scheduler.OutcomeSucceeded:
		return pipeline.StepSucceeded
	case scheduler.OutcomeCanceled:
		return pipeline.StepCanceled
	default:
		return pipeline.StepFailed
	}
}
