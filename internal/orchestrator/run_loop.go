package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gafferd/gaffer/internal/assign"
	"github.com/gafferd/gaffer/internal/bus"
	"github.com/gafferd/gaffer/internal/recovery"
	"github.com/gafferd/gaffer/internal/worker"
	"github.com/gafferd/gaffer/pkg/models"
)

// maxReruns bounds consecutive rejected submissions for one subtask. A
// subtask whose workers keep contradicting the graph stops re-running
// and fails instead.
const maxReruns = 3

// inflight tracks one dispatched subtask.
type inflight struct {
	subtaskID string
	workerID  string
	claimID   int64
	startedAt time.Time
	cancel    context.CancelFunc
}

// outcome is what a worker goroutine reports back to the loop.
type outcome struct {
	subtaskID string
	workerID  string
	claimID   int64
	result    *worker.Result
	err       error
}

// runLoop drives dispatch until the graph drains or the context is
// canceled. All graph and status mutations happen on this goroutine;
// worker goroutines only execute and report.
func (o *Orchestrator) runLoop(ctx context.Context) error {
	inflightTasks := make(map[string]*inflight)
	var inflightMu sync.Mutex
	completionCh := make(chan outcome, o.maxWorkers)
	lastSweep := time.Now()

	cancelInflight := func() {
		inflightMu.Lock()
		for _, inf := range inflightTasks {
			inf.cancel()
		}
		inflightMu.Unlock()
	}

	// takeOutcome claims an outcome for processing. Duplicate or late
	// signals find no in-flight entry and are dropped.
	takeOutcome := func(out outcome) bool {
		inflightMu.Lock()
		inf, ok := inflightTasks[out.subtaskID]
		if ok {
			delete(inflightTasks, out.subtaskID)
		}
		inflightMu.Unlock()
		if ok {
			inf.cancel()
		} else {
			debugLog("dropped duplicate completion signal for %s", out.subtaskID)
		}
		return ok
	}

	for {
		select {
		case <-ctx.Done():
			cancelInflight()
			return ctx.Err()
		case out := <-completionCh:
			if takeOutcome(out) {
				o.handleOutcome(ctx, out)
			}
		case id := <-o.retryCh:
			o.retryDelivered(id)
		default:
			if o.cfg.Queue.SweepInterval > 0 && time.Since(lastSweep) >= o.cfg.Queue.SweepInterval {
				o.sweepStale(inflightTasks, &inflightMu)
				lastSweep = time.Now()
			}

			o.promoteReady()

			if err := o.pauseCtrl.WaitIfPaused(ctx); err != nil {
				cancelInflight()
				return err
			}

			dispatched := o.dispatch(ctx, inflightTasks, &inflightMu, completionCh)

			inflightMu.Lock()
			running := len(inflightTasks)
			inflightMu.Unlock()
			o.mu.RLock()
			pendingRetries := o.retryTimers
			o.mu.RUnlock()

			if running == 0 && dispatched == 0 && pendingRetries == 0 {
				if len(o.assigner.Unclaimed()) == 0 {
					// Drained: everything is done, permanently failed, or
					// blocked behind a failure.
					return nil
				}
				if !o.anyEventuallyDispatchable() {
					// Claimable work that no registered worker can ever
					// take. Waiting will not help.
					log.Printf("[orchestrator] run %s stalled: no capable worker for remaining subtasks", o.runID)
					return nil
				}
				// Open circuits cool down on their own; wait them out.
			}

			if dispatched == 0 {
				select {
				case <-ctx.Done():
					cancelInflight()
					return ctx.Err()
				case out := <-completionCh:
					if takeOutcome(out) {
						o.handleOutcome(ctx, out)
					}
				case id := <-o.retryCh:
					o.retryDelivered(id)
				case <-time.After(o.pollInterval):
				}
			}
		}
	}
}

// promoteReady walks the ready frontier: pending subtasks whose
// dependencies are all done become ready and join the claim queue.
func (o *Orchestrator) promoteReady() {
	for _, id := range o.graph.GetReady() {
		st, err := o.graph.Get(id)
		if err != nil {
			continue
		}
		if st.Status == models.SubtaskPending {
			if !o.transition(st, models.SubtaskReady) {
				continue
			}
			debugLog("subtask %s promoted to ready", id)
			o.emit(Event{Type: EventSubtaskReady, SubtaskID: id})
		}
		if st.Status == models.SubtaskReady {
			o.assigner.Enqueue(st)
		}
	}
}

// dispatch hands out claimable subtasks to capable workers until the
// concurrency cap is reached. Returns how many were dispatched.
func (o *Orchestrator) dispatch(ctx context.Context, inflightTasks map[string]*inflight, inflightMu *sync.Mutex, completionCh chan outcome) int {
	inflightMu.Lock()
	slots := o.maxWorkers - len(inflightTasks)
	inflightMu.Unlock()
	if slots <= 0 {
		return 0
	}

	dispatched := 0
	for _, entry := range o.assigner.Unclaimed() {
		if dispatched >= slots {
			break
		}
		st, err := o.graph.Get(entry.SubtaskID)
		if err != nil {
			continue
		}
		if st.Status != models.SubtaskReady {
			continue
		}
		// Never run ahead of the graph, whatever the queue says.
		if !o.depsDone(st.ID) {
			continue
		}

		w := o.pickWorker(st)
		if w == nil {
			continue
		}

		if err := o.assigner.Claim(st.ID, w.ID); err != nil {
			var raced *assign.AlreadyClaimedError
			if !errors.As(err, &raced) {
				log.Printf("[orchestrator] claim %s: %v", st.ID, err)
			}
			continue
		}

		st.AssignedTo = w.ID
		if !o.transition(st, models.SubtaskClaimed) {
			st.AssignedTo = ""
			o.assigner.Release(st.ID)
			continue
		}
		claimID := o.persistClaim(st.ID, w.ID)
		o.registry.IncLoad(w.ID)
		o.broadcast(bus.NewClaimMessage(busSender, st.ID, w.ID, false))
		o.emit(Event{Type: EventSubtaskClaimed, SubtaskID: st.ID, WorkerID: w.ID})

		st.Attempts++
		o.transition(st, models.SubtaskRunning)
		o.assigner.Touch(st.ID)
		o.emit(Event{Type: EventSubtaskStarted, SubtaskID: st.ID, WorkerID: w.ID, Attempt: st.Attempts})

		timeout := o.cfg.Timeouts.ForPriority(st.Priority)
		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		inf := &inflight{
			subtaskID: st.ID,
			workerID:  w.ID,
			claimID:   claimID,
			startedAt: time.Now(),
			cancel:    cancel,
		}
		inflightMu.Lock()
		inflightTasks[st.ID] = inf
		inflightMu.Unlock()

		o.spawn(taskCtx, st, w.ID, claimID, completionCh)
		dispatched++
		log.Printf("[orchestrator] dispatched %s to %s (attempt %d, timeout %s)", st.ID, w.ID, st.Attempts, timeout)
	}
	return dispatched
}

// depsDone reports whether every dependency of id is observably done.
func (o *Orchestrator) depsDone(id string) bool {
	for _, depID := range o.graph.GetDependencies(id) {
		dep, err := o.graph.Get(depID)
		if err != nil || dep.Status != models.SubtaskDone {
			return false
		}
	}
	return true
}

// pickWorker selects a worker for st, or nil when nobody fits right now.
func (o *Orchestrator) pickWorker(st *models.Subtask) *models.Worker {
	o.mu.RLock()
	hard := o.fallbackExclude[st.ID]
	soft := o.rerunExclude[st.ID]
	o.mu.RUnlock()

	var pool, rerunPool []*models.Worker
	for _, w := range o.registry.Workers() {
		if hard[w.ID] {
			continue
		}
		if soft[w.ID] {
			rerunPool = append(rerunPool, w)
			continue
		}
		pool = append(pool, w)
	}

	if w := o.matchAllowed(st, pool); w != nil {
		return w
	}
	// A re-evaluation prefers a fresh worker but falls back to a prior
	// submitter when nobody else is capable.
	if len(rerunPool) > 0 {
		return o.matchAllowed(st, rerunPool)
	}
	return nil
}

// matchAllowed picks the best capability match whose circuit admits the
// dispatch. The breaker is consulted only for the chosen candidate, so a
// passed-over worker's half-open probe slot is never consumed.
func (o *Orchestrator) matchAllowed(st *models.Subtask, candidates []*models.Worker) *models.Worker {
	for len(candidates) > 0 {
		w, err := o.assigner.MatchWorker(st, candidates)
		if err != nil {
			return nil
		}
		if o.engine.AllowDispatch(w.ID, st.Capabilities) {
			return w
		}
		debugLog("worker %s circuit open, rematching %s", w.ID, st.ID)
		// Circuit open for this worker; drop it and rematch.
		filtered := make([]*models.Worker, 0, len(candidates)-1)
		for _, c := range candidates {
			if c.ID != w.ID {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}
	return nil
}

// spawn runs the subtask on its worker's runner and reports the outcome.
// completionCh is buffered to the concurrency cap, so the send cannot
// block even when the loop is winding down.
func (o *Orchestrator) spawn(taskCtx context.Context, st *models.Subtask, workerID string, claimID int64, completionCh chan outcome) {
	runner, ok := o.registry.RunnerFor(workerID)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		var res *worker.Result
		var err error
		if !ok {
			err = fmt.Errorf("worker %s has no runner", workerID)
		} else {
			res, err = runner.Run(taskCtx, st)
		}
		completionCh <- outcome{
			subtaskID: st.ID,
			workerID:  workerID,
			claimID:   claimID,
			result:    res,
			err:       err,
		}
	}()
}

// handleOutcome routes one worker outcome. Runs on the loop goroutine.
func (o *Orchestrator) handleOutcome(ctx context.Context, out outcome) {
	st, err := o.graph.Get(out.subtaskID)
	if err != nil {
		log.Printf("[orchestrator] completion for unknown subtask %s", out.subtaskID)
		return
	}
	o.registry.DecLoad(out.workerID)
	if st.Status != models.SubtaskRunning {
		log.Printf("[orchestrator] ignoring completion for %s in status %s", st.ID, st.Status)
		return
	}
	if out.err != nil {
		o.handleFailure(ctx, st, out)
		return
	}
	o.handleSuccess(st, out)
}

// handleSuccess processes a successful execution: prerequisite check,
// conflict detection and resolution, then completion or a re-run.
func (o *Orchestrator) handleSuccess(st *models.Subtask, out outcome) {
	// The worker answered; whatever becomes of the output, the circuit
	// sees a healthy dispatch.
	o.engine.HandleSuccess(st.ID, out.workerID, st.Capabilities)

	// Reject the submission outright when the worker's view of its
	// prerequisites contradicts the graph. The output never lands and
	// the subtask goes back for a re-run on a different worker.
	if out.result != nil && out.result.Prerequisites != nil {
		recorded := o.graph.GetDependencies(st.ID)
		if c := o.detector.CheckDependencies(st.ID, out.workerID, out.result.Prerequisites, recorded); c != nil {
			o.handleDependencyConflict(st, out, c)
			return
		}
	}

	// A re-run that lands settles the re-evaluations that caused it:
	// the rejected outputs become history before the new one is judged.
	o.mu.Lock()
	pending := o.pendingReruns[st.ID]
	delete(o.pendingReruns, st.ID)
	o.mu.Unlock()
	for _, res := range pending {
		o.detector.ApplyResolution(res)
		o.persistSuperseded(res.LoserIDs)
		o.emit(Event{Type: EventConflictResolved, SubtaskID: st.ID, ConflictID: res.ConflictID, Message: "re-evaluation completed"})
	}

	output := models.Output{
		ID:          uuid.New().String()[:8],
		SubtaskID:   st.ID,
		WorkerID:    out.workerID,
		SubmittedAt: time.Now(),
	}
	if out.result != nil {
		output.Payload = out.result.Payload
		output.ScopeKey = out.result.ScopeKey
	}
	raised := o.detector.Submit(output)
	o.persistOutput(&output)

	rerun := false
	for _, c := range raised {
		o.persistConflict(c)
		o.emit(Event{Type: EventConflictDetected, SubtaskID: c.SubtaskID, ConflictID: c.ID, Message: string(c.Type)})
		res, err := o.resolver.Resolve(c)
		if err != nil {
			log.Printf("[orchestrator] resolve conflict %s: %v", c.ID, err)
			continue
		}
		o.persistResolution(res)
		o.broadcast(bus.NewConflictMessage(busSender, *c, res))
		if res.RequiresEscalation {
			o.emit(Event{Type: EventEscalationRaised, SubtaskID: c.SubtaskID, ConflictID: c.ID, Message: string(c.Type) + " needs an external decision"})
			continue
		}
		if res.RerunSubtaskID != "" {
			o.stashRerun(c, res)
			if res.RerunSubtaskID == st.ID {
				rerun = true
			}
			continue
		}
		o.detector.ApplyResolution(res)
		o.persistSuperseded(res.LoserIDs)
		o.emit(Event{
			Type:       EventConflictResolved,
			SubtaskID:  c.SubtaskID,
			ConflictID: c.ID,
			Message:    fmt.Sprintf("%s settled via %s", c.Type, res.Strategy),
		})
	}

	if rerun {
		o.scheduleRerun(st, out)
		return
	}

	now := time.Now()
	st.CompletedAt = &now
	st.Error = ""
	o.transition(st, models.SubtaskDone)
	o.graph.MarkComplete(st.ID)
	o.assigner.Archive(st.ID)
	o.persistClaimRelease(out.claimID, "done")
	o.mu.Lock()
	delete(o.rerunExclude, st.ID)
	delete(o.fallbackExclude, st.ID)
	o.mu.Unlock()
	o.broadcast(bus.NewResultMessage(busSender, output, ""))
	o.emit(Event{Type: EventSubtaskCompleted, SubtaskID: st.ID, WorkerID: out.workerID})
	log.Printf("[orchestrator] subtask %s completed by %s", st.ID, out.workerID)
}

// handleDependencyConflict rejects a submission whose prerequisite view
// contradicts the graph and schedules the re-evaluation.
func (o *Orchestrator) handleDependencyConflict(st *models.Subtask, out outcome, c *models.Conflict) {
	o.persistConflict(c)
	o.emit(Event{
		Type:       EventConflictDetected,
		SubtaskID:  st.ID,
		ConflictID: c.ID,
		WorkerID:   out.workerID,
		Message:    string(c.Type),
	})

	o.mu.RLock()
	priorReruns := len(o.pendingReruns[st.ID])
	o.mu.RUnlock()

	res, err := o.resolver.Resolve(c)
	if err == nil {
		o.persistResolution(res)
		o.broadcast(bus.NewConflictMessage(busSender, *c, res))
	}
	if err != nil || res.RerunSubtaskID == "" || priorReruns >= maxReruns {
		// Without a re-run verdict, or past the re-run budget, the
		// submission stays rejected and the subtask is left failed for
		// the final accounting.
		log.Printf("[orchestrator] dependency conflict on %s not re-evaluated (reruns=%d): %v", st.ID, priorReruns, err)
		st.Error = "prerequisite view contradicts the graph"
		st.AssignedTo = ""
		o.transition(st, models.SubtaskFailed)
		o.assigner.Archive(st.ID)
		o.persistClaimRelease(out.claimID, "rejected")
		return
	}

	o.stashRerun(c, res)
	o.scheduleRerun(st, out)
}

// stashRerun records a re-evaluation verdict: the resolution waits for
// the re-run to land, and the conflicting submitters are avoided when
// the subtask is handed out again.
func (o *Orchestrator) stashRerun(c *models.Conflict, res *models.Resolution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := res.RerunSubtaskID
	o.pendingReruns[id] = append(o.pendingReruns[id], res)
	if o.rerunExclude[id] == nil {
		o.rerunExclude[id] = make(map[string]bool)
	}
	for _, co := range c.Outputs {
		if co.WorkerID != "" {
			o.rerunExclude[id][co.WorkerID] = true
		}
	}
	debugLog("re-evaluation pending for %s, avoiding %d prior submitters", id, len(o.rerunExclude[id]))
}

// scheduleRerun returns a running subtask to the queue for a fresh
// attempt after its submission was rejected.
func (o *Orchestrator) scheduleRerun(st *models.Subtask, out outcome) {
	st.Error = ""
	st.AssignedTo = ""
	o.transition(st, models.SubtaskFailed)
	o.transition(st, models.SubtaskReady)
	o.assigner.Release(st.ID)
	o.persistClaimRelease(out.claimID, "rejected")
	o.emit(Event{Type: EventSubtaskRetry, SubtaskID: st.ID, Message: "re-evaluation on a different worker"})
	log.Printf("[orchestrator] subtask %s scheduled for re-evaluation", st.ID)
}

// handleFailure processes a failed execution attempt through the
// recovery engine.
func (o *Orchestrator) handleFailure(ctx context.Context, st *models.Subtask, out outcome) {
	st.Error = out.err.Error()
	o.transition(st, models.SubtaskFailed)
	o.persistClaimRelease(out.claimID, "failed")
	o.broadcast(bus.NewResultMessage(busSender, models.Output{SubtaskID: st.ID, WorkerID: out.workerID}, out.err.Error()))

	severity := worker.Classify(out.err)
	decision := o.engine.HandleFailure(st.ID, out.workerID, severity, out.err.Error(), st.Capabilities)
	o.persistRecovery(st.ID)
	o.emit(Event{
		Type:      EventSubtaskFailed,
		SubtaskID: st.ID,
		WorkerID:  out.workerID,
		Attempt:   decision.Attempt,
		Error:     out.err.Error(),
	})

	// The queue entry comes back only when the strategy says so; a
	// failed subtask is never immediately claimable.
	o.assigner.Archive(st.ID)
	st.AssignedTo = ""

	switch decision.Strategy {
	case recovery.StrategyRetry:
		o.scheduleRetry(ctx, st.ID, decision.Delay)
	case recovery.StrategyFallbackWorker:
		o.tryFallback(st, decision)
	case recovery.StrategyEscalate:
		o.emit(Event{
			Type:      EventEscalationRaised,
			SubtaskID: st.ID,
			WorkerID:  out.workerID,
			Error:     out.err.Error(),
			Message:   "critical failure needs an external decision",
		})
		log.Printf("[orchestrator] subtask %s escalated: %s", st.ID, out.err)
	}
}

// tryFallback reassigns a subtask whose retries are exhausted, or gives
// it up when no capable worker remains.
func (o *Orchestrator) tryFallback(st *models.Subtask, decision recovery.Decision) {
	o.mu.Lock()
	if o.fallbackExclude[st.ID] == nil {
		o.fallbackExclude[st.ID] = make(map[string]bool)
	}
	for _, id := range decision.ExcludeWorkers {
		o.fallbackExclude[st.ID][id] = true
	}
	excluded := o.fallbackExclude[st.ID]
	o.mu.Unlock()

	available := false
	for _, w := range o.registry.Workers() {
		if excluded[w.ID] || w.Status == models.WorkerUnavailable {
			continue
		}
		if w.CanServe(st.Capabilities) {
			available = true
			break
		}
	}
	if !available {
		o.engine.NoFallback(st.ID)
		o.persistRecovery(st.ID)
		log.Printf("[orchestrator] subtask %s: no fallback worker available, giving it up", st.ID)
		return
	}

	if o.transition(st, models.SubtaskReady) {
		o.assigner.Enqueue(st)
		o.emit(Event{
			Type:      EventSubtaskRetry,
			SubtaskID: st.ID,
			Attempt:   o.engine.FailureCount(st.ID),
			Message:   "reassigned to a fallback worker",
		})
	}
}

// scheduleRetry arms a timer that returns the subtask to the queue after
// the backoff delay.
func (o *Orchestrator) scheduleRetry(ctx context.Context, subtaskID string, delay time.Duration) {
	o.mu.Lock()
	o.retryTimers++
	o.mu.Unlock()
	log.Printf("[orchestrator] subtask %s retries in %s", subtaskID, delay)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			o.mu.Lock()
			o.retryTimers--
			o.mu.Unlock()
			return
		}
		select {
		case o.retryCh <- subtaskID:
		case <-ctx.Done():
			o.mu.Lock()
			o.retryTimers--
			o.mu.Unlock()
		}
	}()
}

// retryDelivered moves a failed subtask back to ready after its backoff
// delay elapsed.
func (o *Orchestrator) retryDelivered(id string) {
	o.mu.Lock()
	o.retryTimers--
	o.mu.Unlock()

	st, err := o.graph.Get(id)
	if err != nil {
		return
	}
	if st.Status != models.SubtaskFailed {
		return
	}
	st.AssignedTo = ""
	if o.transition(st, models.SubtaskReady) {
		o.assigner.Enqueue(st)
		o.emit(Event{
			Type:      EventSubtaskRetry,
			SubtaskID: id,
			Attempt:   o.engine.FailureCount(id),
			Message:   "retrying after backoff",
		})
	}
}

// sweepStale releases claims that stopped making progress. In-flight
// work is alive as long as its goroutine is, so those claims are
// refreshed first; only truly abandoned ones age out.
func (o *Orchestrator) sweepStale(inflightTasks map[string]*inflight, inflightMu *sync.Mutex) {
	inflightMu.Lock()
	for id := range inflightTasks {
		o.assigner.Touch(id)
	}
	inflightMu.Unlock()

	for _, id := range o.assigner.SweepStale(o.cfg.Queue.ClaimTTL) {
		st, err := o.graph.Get(id)
		if err != nil {
			continue
		}
		if st.Status != models.SubtaskClaimed {
			log.Printf("[orchestrator] stale claim on %s in status %s left alone", id, st.Status)
			continue
		}
		holder := st.AssignedTo
		st.AssignedTo = ""
		o.transition(st, models.SubtaskReady)
		if holder != "" {
			o.registry.DecLoad(holder)
		}
		o.persistOpenClaimRelease(id, "stale")
		o.broadcast(bus.NewClaimMessage(busSender, id, holder, true))
		o.emit(Event{Type: EventClaimReleased, SubtaskID: id, WorkerID: holder, Message: "stale claim swept"})
		log.Printf("[orchestrator] released stale claim on %s held by %s", id, holder)
	}
}

// anyEventuallyDispatchable reports whether some claimable subtask could
// ever be taken by a registered worker, ignoring circuit state.
func (o *Orchestrator) anyEventuallyDispatchable() bool {
	workers := o.registry.Workers()
	for _, entry := range o.assigner.Unclaimed() {
		st, err := o.graph.Get(entry.SubtaskID)
		if err != nil || st.Status != models.SubtaskReady {
			continue
		}
		o.mu.RLock()
		hard := o.fallbackExclude[st.ID]
		o.mu.RUnlock()
		for _, w := range workers {
			if hard[w.ID] {
				continue
			}
			if w.CanServe(st.Capabilities) {
				return true
			}
		}
	}
	return false
}
