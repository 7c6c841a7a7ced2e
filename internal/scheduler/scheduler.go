// Package scheduler coordinates run admission for file-addressed work.
//
// A single mutex-guarded monitor owns all mutable state: the run table,
// per-flow FIFO queues, capacity counters, and retry timers. Admission
// serializes concurrent enqueue attempts per resource through the durable
// lock store, so at most one run can ever hold a resource, and repeated
// enqueues while a run is in flight return the existing run instead of
// creating a duplicate. Work is dispatched outside the critical section,
// after the resource is reserved.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dlowe-net/runward/internal/errors"
	"github.com/dlowe-net/runward/internal/event"
	"github.com/dlowe-net/runward/internal/lockstore"
	"github.com/dlowe-net/runward/internal/logging"
)

// Dispatch executes one attempt of a run. It is invoked on its own
// goroutine, outside the scheduler's critical section; ctx is cancelled
// when the run is canceled or the scheduler shuts down. The dispatch
// implementation must eventually report the attempt through Finish (or a
// completion path that calls it).
type Dispatch func(ctx context.Context, run Run)

// run is the scheduler's internal bookkeeping around a Run.
type run struct {
	Run
	cancel  context.CancelFunc
	timer   *time.Timer
	backoff bool
}

// Scheduler is the single-writer admission monitor.
type Scheduler struct {
	mu           sync.Mutex
	cfg          Config
	locks        *lockstore.Store
	dispatch     Dispatch
	bus          *event.Bus
	log          *logging.Logger
	runs         map[string]*run   // runID -> run (queued, backoff, running)
	queues       map[string][]*run // flow -> FIFO by EnqueuedAt
	running      map[string]int
	runningTotal int
	now          func() time.Time
	afterFunc    func(time.Duration, func()) *time.Timer
	newID        func() string
	wg           sync.WaitGroup
	closed       bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDispatch sets the dispatch function invoked for each attempt.
// Without one, admitted runs stay running until Finish is called, which
// is how the scheduler is driven in tests.
func WithDispatch(d Dispatch) Option {
	return func(s *Scheduler) { s.dispatch = d }
}

// WithBus sets the event bus run and lock events are published to.
func WithBus(bus *event.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithLogger sets the scheduler's logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithClock overrides the time source. Tests use this together with
// WithAfterFunc to make retry timing deterministic.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithAfterFunc overrides timer creation for retry backoff.
func WithAfterFunc(after func(time.Duration, func()) *time.Timer) Option {
	return func(s *Scheduler) { s.afterFunc = after }
}

// WithIDFunc overrides run ID generation.
func WithIDFunc(newID func() string) Option {
	return func(s *Scheduler) { s.newID = newID }
}

// New creates a Scheduler over the given lock store.
func New(cfg Config, locks *lockstore.Store, opts ...Option) (*Scheduler, error) {
	if locks == nil {
		return nil, errors.New("scheduler: lock store is required")
	}
	if cfg.MaxConcurrent < 1 {
		return nil, errors.New("scheduler: MaxConcurrent must be at least 1")
	}
	if cfg.HardLimit > 0 && cfg.SoftLimit > cfg.HardLimit {
		return nil, errors.New("scheduler: SoftLimit must not exceed HardLimit")
	}
	for flow, limit := range cfg.PerFlow {
		if limit < 1 {
			return nil, fmt.Errorf("scheduler: per-flow limit for %q must be at least 1", flow)
		}
	}

	s := &Scheduler{
		cfg:       cfg,
		locks:     locks,
		log:       logging.Nop(),
		runs:      make(map[string]*run),
		queues:    make(map[string][]*run),
		running:   make(map[string]int),
		now:       time.Now,
		afterFunc: time.AfterFunc,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enqueue admits, queues, or rejects a request. It is idempotent per
// resource: while a run holds the resource, further enqueues return
// AlreadyRunning with that run's ID and never create a duplicate.
func (s *Scheduler) Enqueue(req Request) (Result, error) {
	if req.ResourceKey == "" {
		return Result{}, errors.New("scheduler: resource key is required")
	}
	if req.Flow == "" {
		return Result{}, errors.New("scheduler: flow is required")
	}
	if req.Group == "" {
		req.Group = filepath.Dir(req.ResourceKey)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, errors.ErrSchedulerClosed
	}

	var evs []event.Event
	res, err := s.enqueueLocked(req, &evs)
	s.mu.Unlock()

	s.publish(evs)
	return res, err
}

func (s *Scheduler) enqueueLocked(req Request, evs *[]event.Event) (Result, error) {
	if holder, ok := s.locks.Holder(req.ResourceKey); ok {
		return Result{Outcome: OutcomeAlreadyRunning, RunID: holder}, nil
	}

	// Depth counts running, queued, and backoff runs: a run waiting out a
	// retry still holds its lock and will consume capacity when its timer
	// fires, so it occupies a slot for both limits.
	depth := len(s.runs)
	if s.cfg.HardLimit > 0 && depth >= s.cfg.HardLimit {
		return Result{
			Outcome:      OutcomeDeferred,
			Backpressure: &Backpressure{Limit: s.cfg.HardLimit, Depth: depth},
		}, nil
	}

	runID := s.newID()
	if _, err := s.locks.Acquire(req.ResourceKey, runID); err != nil {
		return Result{}, fmt.Errorf("acquire resource lock: %w", err)
	}
	*evs = append(*evs, event.NewLockAcquiredEvent(req.ResourceKey, runID))

	r := &run{Run: Run{
		ID:          runID,
		ResourceKey: req.ResourceKey,
		Flow:        req.Flow,
		Group:       req.Group,
		Parallel:    req.Parallel,
		State:       StateQueued,
		EnqueuedAt:  s.now(),
	}}
	s.runs[runID] = r

	queued := true
	if s.canStartLocked(r, true) {
		s.startLocked(r, evs)
		queued = false
	} else {
		s.queues[r.Flow] = append(s.queues[r.Flow], r)
	}
	*evs = append(*evs, event.NewRunEnqueuedEvent(runID, req.ResourceKey, req.Flow, queued))

	res := Result{Outcome: OutcomeEnqueued, RunID: runID}
	if s.cfg.SoftLimit > 0 && depth >= s.cfg.SoftLimit {
		res.Backpressure = &Backpressure{Limit: s.cfg.SoftLimit, Depth: depth}
	}
	return res, nil
}

// canStartLocked reports whether the run may begin a dispatch attempt now.
// When strict is true (fresh admission), any other run in the same group
// blocks a non-parallelizable run, queued ones included; during promotion
// only runs that hold capacity or a pending retry block it.
func (s *Scheduler) canStartLocked(r *run, strict bool) bool {
	if s.runningTotal >= s.cfg.MaxConcurrent {
		return false
	}
	if limit, ok := s.cfg.PerFlow[r.Flow]; ok && s.running[r.Flow] >= limit {
		return false
	}
	if r.Parallel {
		return true
	}
	for _, other := range s.runs {
		if other.ID == r.ID || other.Group != r.Group {
			continue
		}
		if strict || other.State == StateRunning || other.backoff {
			return false
		}
	}
	return true
}

// startLocked transitions a run to Running and launches its dispatch
// attempt outside the critical section.
func (s *Scheduler) startLocked(r *run, evs *[]event.Event) {
	r.State = StateRunning
	r.Attempt++
	s.runningTotal++
	s.running[r.Flow]++

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	*evs = append(*evs, event.NewRunStartedEvent(r.ID, r.ResourceKey, r.Flow, r.Attempt))

	if s.dispatch != nil {
		cp := r.Run
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, cp)
		}()
	}
}

// Finish reports the outcome of a dispatch attempt. Launch failures with
// remaining retry budget are rescheduled after a backoff delay while the
// resource lock stays held, so no unrelated run can claim the resource
// mid-backoff. Every other outcome is terminal: the run is removed, the
// lock released, and queued work promoted through the admission predicate.
func (s *Scheduler) Finish(runID string, outcome Outcome) (FinishResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return FinishResult{}, errors.ErrSchedulerClosed
	}
	var evs []event.Event
	res, err := s.finishLocked(runID, outcome, &evs)
	s.mu.Unlock()

	s.publish(evs)
	return res, err
}

func (s *Scheduler) finishLocked(runID string, outcome Outcome, evs *[]event.Event) (FinishResult, error) {
	r, ok := s.runs[runID]
	if !ok {
		return FinishResult{}, fmt.Errorf("%w: %s", errors.ErrRunNotFound, runID)
	}
	if r.State != StateRunning {
		return FinishResult{}, fmt.Errorf("%w: cannot finish run %s in state %s", errors.ErrInvalidTransition, runID, r.State)
	}

	s.runningTotal--
	s.running[r.Flow]--
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}

	if outcome == OutcomeLaunchFailed {
		if delay, ok := s.cfg.Retry.Delay(r.Attempt); ok {
			r.State = StateQueued
			r.backoff = true
			r.timer = s.afterFunc(delay, func() { s.retryExpired(runID) })
			*evs = append(*evs, event.NewRunRetryingEvent(runID, r.ResourceKey, r.Attempt, delay))
			s.log.Info("launch failed, retry scheduled",
				"run_id", runID, "attempt", r.Attempt, "delay", delay.String())
			// Backoff frees capacity, so queued work may start meanwhile.
			s.promoteLocked(evs)
			return FinishResult{Retried: true, Delay: delay, Attempt: r.Attempt}, nil
		}
		s.log.Warn("launch retries exhausted", "run_id", runID, "attempts", r.Attempt)
		outcome = OutcomeFailed
	}

	s.removeLocked(r, outcome, evs)
	s.promoteLocked(evs)
	return FinishResult{}, nil
}

// removeLocked makes the run terminal: drops it from the table, releases
// its resource lock, and publishes the terminal events.
func (s *Scheduler) removeLocked(r *run, outcome Outcome, evs *[]event.Event) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.State = terminalState(outcome)
	delete(s.runs, r.ID)

	if err := s.locks.Release(r.ResourceKey); err != nil {
		s.log.Error("release resource lock", "resource", r.ResourceKey, "error", err)
	}
	*evs = append(*evs,
		event.NewRunFinishedEvent(r.ID, r.ResourceKey, r.Flow, string(r.State)),
		event.NewLockReleasedEvent(r.ResourceKey),
	)
}

// promoteLocked starts every queued run the admission predicate now
// allows. Within a flow the scan is FIFO; a group-blocked head does not
// starve eligible runs behind it.
func (s *Scheduler) promoteLocked(evs *[]event.Event) {
	for {
		started := false
		for _, flow := range s.sortedQueueFlowsLocked() {
			q := s.queues[flow]
			for i, r := range q {
				if r.backoff || !s.canStartLocked(r, false) {
					continue
				}
				s.queues[flow] = append(q[:i:i], q[i+1:]...)
				s.startLocked(r, evs)
				started = true
				break
			}
		}
		if !started {
			return
		}
	}
}

func (s *Scheduler) sortedQueueFlowsLocked() []string {
	flows := make([]string, 0, len(s.queues))
	for flow, q := range s.queues {
		if len(q) > 0 {
			flows = append(flows, flow)
		}
	}
	sort.Strings(flows)
	return flows
}

// retryExpired re-admits a run whose backoff delay elapsed. It keeps its
// original enqueue timestamp, so it rejoins the flow queue ahead of
// younger work when capacity is still unavailable.
func (s *Scheduler) retryExpired(runID string) {
	s.mu.Lock()
	var evs []event.Event
	if r, ok := s.runs[runID]; ok && r.backoff && !s.closed {
		r.backoff = false
		r.timer = nil
		if s.canStartLocked(r, false) {
			s.startLocked(r, &evs)
		} else {
			s.insertQueuedLocked(r)
		}
	}
	s.mu.Unlock()

	s.publish(evs)
}

// insertQueuedLocked places a run into its flow queue in EnqueuedAt order.
func (s *Scheduler) insertQueuedLocked(r *run) {
	q := s.queues[r.Flow]
	i := sort.Search(len(q), func(i int) bool {
		return q[i].EnqueuedAt.After(r.EnqueuedAt)
	})
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = r
	s.queues[r.Flow] = q
}

// Cancel cancels a run. Queued and backoff runs are removed immediately,
// releasing the lock and recording a Canceled terminal outcome. For a
// running run, the launch context is cancelled; the dispatch path reports
// the cancellation through its completion call.
func (s *Scheduler) Cancel(runID string) error {
	s.mu.Lock()
	var evs []event.Event
	err := s.cancelLocked(runID, false, &evs)
	s.mu.Unlock()

	s.publish(evs)
	return err
}

// Abort forcibly removes a run regardless of state, releasing its lock and
// promoting queued work. The lifecycle coordinator uses it to roll back an
// admission whose external resource write failed.
func (s *Scheduler) Abort(runID string) error {
	s.mu.Lock()
	var evs []event.Event
	err := s.cancelLocked(runID, true, &evs)
	s.mu.Unlock()

	s.publish(evs)
	return err
}

func (s *Scheduler) cancelLocked(runID string, force bool, evs *[]event.Event) error {
	if s.closed {
		return errors.ErrSchedulerClosed
	}
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrRunNotFound, runID)
	}

	if r.State == StateRunning {
		if r.cancel != nil {
			r.cancel()
		}
		if !force {
			// The in-flight attempt observes the cancelled context and
			// finishes with a canceled outcome.
			return nil
		}
		r.cancel = nil
		s.runningTotal--
		s.running[r.Flow]--
	} else {
		s.dequeueLocked(r)
	}

	s.removeLocked(r, OutcomeCanceled, evs)
	s.promoteLocked(evs)
	return nil
}

// dequeueLocked removes a queued run from its flow queue, if present.
func (s *Scheduler) dequeueLocked(r *run) {
	q := s.queues[r.Flow]
	for i, queued := range q {
		if queued.ID == r.ID {
			s.queues[r.Flow] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// Run returns a copy of the run with the given ID.
func (s *Scheduler) Run(runID string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return Run{}, false
	}
	return r.Run, true
}

// Snapshot returns a read-only projection of scheduler state for
// observability and tests. It never mutates state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		RunningByFlow: make(map[string]int, len(s.running)),
		QueuedByFlow:  make(map[string]int, len(s.queues)),
	}
	for flow, n := range s.running {
		if n > 0 {
			snap.RunningByFlow[flow] = n
		}
	}
	for flow, q := range s.queues {
		if len(q) > 0 {
			snap.QueuedByFlow[flow] = len(q)
		}
	}
	for _, r := range s.runs {
		if r.backoff {
			snap.WaitingRetry++
		}
	}
	snap.LockedResources = s.locks.Keys()
	return snap
}

// Close shuts the scheduler down: pending retries are cancelled, in-flight
// launch contexts are cancelled, and Close blocks until dispatch
// goroutines return. Locks held by unfinished runs are deliberately left
// in the store so a restart can observe them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, r := range s.runs {
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		if r.cancel != nil {
			r.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) publish(evs []event.Event) {
	if s.bus == nil {
		return
	}
	for _, ev := range evs {
		s.bus.Publish(ev)
	}
}
