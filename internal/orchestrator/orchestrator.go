// Package orchestrator drives a run end to end. It promotes subtasks
// through the lifecycle state machine, dispatches claimed work to the
// executor fleet under a concurrency cap, arbitrates conflicting
// outputs, and applies the recovery engine's verdicts until the
// dependency graph drains or the run degrades to a partial result.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gafferd/gaffer/internal/assign"
	"github.com/gafferd/gaffer/internal/bus"
	"github.com/gafferd/gaffer/internal/config"
	"github.com/gafferd/gaffer/internal/conflict"
	"github.com/gafferd/gaffer/internal/graph"
	"github.com/gafferd/gaffer/internal/recovery"
	"github.com/gafferd/gaffer/internal/state"
	"github.com/gafferd/gaffer/internal/worker"
	"github.com/gafferd/gaffer/pkg/models"
)

// busSender identifies the orchestrator on the message bus.
const busSender = "orchestrator"

// Config wires the orchestrator's collaborators.
type Config struct {
	// RunID identifies the run. A fresh ID is generated when empty.
	RunID string
	// Goal is a human description of what the run is for.
	Goal string
	// Config supplies tuning knobs. config.Default() is used when nil.
	Config *config.Config
	// Registry is the executor fleet. Required. Workers added after Run
	// starts join the candidate pool on the next dispatch cycle.
	Registry *worker.Registry
	// StateDB persists run state for resume and audit. Optional; without
	// it the orchestrator runs fully in memory.
	StateDB state.StateStore
	// Bus carries coordination messages to listening participants.
	// Optional.
	Bus *bus.Bus
	// DebugLogDir, when set, enables verbose tracing to
	// <dir>/logs/orchestrator-debug.log.
	DebugLogDir string
}

// Orchestrator owns one run. Create with New, start with Run, abort with
// Stop or by canceling the context passed to Run.
type Orchestrator struct {
	runID string
	goal  string
	cfg   *config.Config

	graph    *graph.DependencyGraph
	assigner *assign.Assigner
	detector *conflict.Detector
	resolver *conflict.Resolver
	engine   *recovery.Engine
	registry *worker.Registry
	stateDB  state.StateStore
	msgBus   *bus.Bus

	emitter   *EventEmitter
	pauseCtrl *PauseController
	logger    *DebugLogger

	maxWorkers   int
	pollInterval time.Duration

	mu          sync.RWMutex
	started     bool
	stopped     bool
	retryTimers int
	// fallbackExclude holds workers barred from a subtask after the
	// recovery engine sought a fallback for it.
	fallbackExclude map[string]map[string]bool
	// rerunExclude holds workers a re-evaluation would rather avoid.
	// Soft: ignored when nobody else is capable.
	rerunExclude map[string]map[string]bool
	// pendingReruns holds re-evaluation resolutions that apply only once
	// the re-run completes.
	pendingReruns map[string][]*models.Resolution
	// priorUnresolved carries conflict IDs a previous execution of this
	// run left unresolved, loaded when the run resumes.
	priorUnresolved []string

	stopCh  chan struct{}
	retryCh chan string
	wg      sync.WaitGroup
}

// New creates an orchestrator from c.
func New(c Config) (*Orchestrator, error) {
	if c.Registry == nil {
		return nil, fmt.Errorf("orchestrator: registry is required")
	}
	cfg := c.Config
	if cfg == nil {
		cfg = config.Default()
	}
	runID := c.RunID
	if runID == "" {
		runID = uuid.New().String()[:8]
	}
	maxWorkers := cfg.Scheduler.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	poll := cfg.Scheduler.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	logger := NewDebugLoggerForDir(c.DebugLogDir)

	scope := recovery.ScopeWorker
	if cfg.Recovery.BreakerScope == string(recovery.ScopeCapability) {
		scope = recovery.ScopeCapability
	}
	engine := recovery.NewEngine(
		recovery.WithBackoffPolicy(recovery.BackoffPolicy{
			BaseDelay:   cfg.Recovery.BaseDelay,
			MaxDelay:    cfg.Recovery.MaxDelay,
			Multiplier:  cfg.Recovery.Multiplier,
			MaxAttempts: cfg.Recovery.MaxAttempts,
		}),
		recovery.WithBreaker(recovery.NewCircuitBreaker(
			cfg.Recovery.BreakerThreshold,
			cfg.Recovery.BreakerWindow,
			cfg.Recovery.BreakerCooldown,
		)),
		recovery.WithBreakerScope(scope),
		recovery.WithAcceptanceThreshold(cfg.Recovery.AcceptanceThreshold),
		recovery.WithDebugLog(logger.Log),
	)

	o := &Orchestrator{
		runID:           runID,
		goal:            c.Goal,
		cfg:             cfg,
		graph:           graph.New(),
		assigner:        assign.NewAssigner(),
		detector:        conflict.NewDetector(),
		engine:          engine,
		registry:        c.Registry,
		stateDB:         c.StateDB,
		msgBus:          c.Bus,
		emitter:         NewEventEmitter(cfg.Scheduler.EventBuffer),
		pauseCtrl:       NewPauseController(),
		maxWorkers:      maxWorkers,
		pollInterval:    poll,
		fallbackExclude: make(map[string]map[string]bool),
		rerunExclude:    make(map[string]map[string]bool),
		pendingReruns:   make(map[string][]*models.Resolution),
		stopCh:          make(chan struct{}),
		retryCh:         make(chan string, maxWorkers),
	}
	o.resolver = conflict.NewResolver(c.Registry.RankOf, conflict.WithResolverDebugLog(logger.Log))
	o.logger = logger
	setPackageLogger(logger)
	o.graph.SetDebugLog(logger.Log)
	o.assigner.SetDebugLog(logger.Log)
	o.detector.SetDebugLog(logger.Log)
	if o.msgBus != nil {
		o.msgBus.SetDebugLog(logger.Log)
	}
	return o, nil
}

// Run executes the subtasks until the graph drains, the run degrades, or
// the context is canceled. It blocks for the life of the run. The
// returned document describes what completed; the error is nil when the
// run finished fully or degraded at or above the acceptance threshold.
// An orchestrator runs once.
func (o *Orchestrator) Run(ctx context.Context, subtasks []*models.Subtask) (*models.PartialResult, error) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator: run already started")
	}
	if o.stopped {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator: stopped")
	}
	o.started = true
	o.mu.Unlock()

	defer o.emitter.Close()
	defer o.logger.Close()

	if len(subtasks) == 0 {
		return nil, fmt.Errorf("orchestrator: no subtasks to run")
	}
	for _, st := range subtasks {
		applyDefaults(st)
	}
	if err := o.graph.Build(subtasks); err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}
	// Resumed runs carry history: completed subtasks seed the graph so
	// their dependents are immediately eligible, and failed ones get a
	// fresh chance.
	for _, st := range subtasks {
		switch st.Status {
		case models.SubtaskDone:
			o.graph.MarkComplete(st.ID)
		case models.SubtaskFailed:
			st.Status = models.SubtaskReady
			st.AssignedTo = ""
		}
	}

	if err := o.persistRunStart(); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}
	for _, st := range subtasks {
		o.persistSubtaskCreate(st)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	log.Printf("[orchestrator] run %s started: %d subtasks, %d workers, cap %d",
		o.runID, len(subtasks), o.registry.Count(), o.maxWorkers)
	o.emit(Event{Type: EventRunStarted, Message: o.goal})

	loopErr := o.runLoop(runCtx)
	cancel()
	o.wg.Wait()

	return o.finish(loopErr)
}

// finish evaluates the terminal state and assembles the final document.
func (o *Orchestrator) finish(loopErr error) (*models.PartialResult, error) {
	subtasks := o.graph.Subtasks()
	unresolved := append(append([]string(nil), o.priorUnresolved...), o.detector.UnresolvedIDs()...)

	if loopErr != nil {
		pr, _ := o.engine.Degrade(o.runID, subtasks, unresolved)
		o.persistPartialResult(pr)
		o.persistRunEnd(models.RunAborted, pr.Fraction)
		o.emit(Event{Type: EventRunAborted, Fraction: pr.Fraction, Error: loopErr.Error()})
		o.broadcast(bus.NewHandoffMessage(busSender, *pr))
		log.Printf("[orchestrator] run %s aborted: %v", o.runID, loopErr)
		return pr, loopErr
	}

	if allDone(subtasks) {
		pr := &models.PartialResult{
			RunID:               o.runID,
			CompletedIDs:        o.graph.GetCompletedIDs(),
			Fraction:            1,
			UnresolvedConflicts: unresolved,
			AcceptedAt:          time.Now(),
		}
		o.persistRunEnd(models.RunCompleted, 1)
		o.emit(Event{Type: EventRunCompleted, Fraction: 1})
		log.Printf("[orchestrator] run %s completed: %d subtasks", o.runID, len(subtasks))
		return pr, nil
	}

	pr, accepted := o.engine.Degrade(o.runID, subtasks, unresolved)
	o.persistPartialResult(pr)
	status := models.RunPartial
	if !accepted {
		status = models.RunFailed
	}
	o.persistRunEnd(status, pr.Fraction)
	o.emit(Event{
		Type:     EventRunDegraded,
		Fraction: pr.Fraction,
		Message: fmt.Sprintf("%d completed, %d failed, %d pending",
			len(pr.CompletedIDs), len(pr.Failed), len(pr.PendingIDs)),
	})
	o.broadcast(bus.NewHandoffMessage(busSender, *pr))
	if !accepted {
		return pr, fmt.Errorf("run %s: completed weight %.0f%% is below the acceptance threshold",
			o.runID, pr.Fraction*100)
	}
	log.Printf("[orchestrator] run %s accepted partial result at %.0f%%", o.runID, pr.Fraction*100)
	return pr, nil
}

// Stop aborts the run. In-flight work is canceled; Run returns once the
// loop winds down. Safe to call more than once and from any goroutine.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()
	close(o.stopCh)
	o.pauseCtrl.Stop()
}

// Pause suspends new dispatch. In-flight subtasks run to completion.
func (o *Orchestrator) Pause() {
	o.pauseCtrl.Pause()
}

// Resume lifts a pause.
func (o *Orchestrator) Resume() {
	o.pauseCtrl.Resume()
}

// IsPaused reports whether dispatch is paused.
func (o *Orchestrator) IsPaused() bool {
	return o.pauseCtrl.IsPaused()
}

// RunID returns the run identifier.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Events returns the event stream. Closed when Run returns.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// DroppedEvents returns how many events were dropped by a slow consumer.
func (o *Orchestrator) DroppedEvents() uint64 {
	return o.emitter.DroppedCount()
}

// Graph exposes the dependency graph for status reporting.
func (o *Orchestrator) Graph() *graph.DependencyGraph {
	return o.graph
}

// Detector exposes the conflict detector for status reporting.
func (o *Orchestrator) Detector() *conflict.Detector {
	return o.detector
}

// Engine exposes the recovery engine for status reporting.
func (o *Orchestrator) Engine() *recovery.Engine {
	return o.engine
}

// transition moves st to next when the state machine allows it, persists
// the change, and announces it on the bus. Returns false and leaves st
// untouched on an illegal transition.
func (o *Orchestrator) transition(st *models.Subtask, next models.SubtaskStatus) bool {
	prev := st.Status
	if !prev.CanTransition(next) {
		log.Printf("[orchestrator] illegal transition for %s: %s -> %s", st.ID, prev, next)
		return false
	}
	st.Status = next
	o.persistSubtask(st)
	o.broadcast(bus.NewStatusMessage(busSender, st.ID, prev, next))
	return true
}

func (o *Orchestrator) emit(ev Event) {
	ev.RunID = o.runID
	ev.Timestamp = time.Now()
	o.emitter.Emit(ev)
}

func (o *Orchestrator) broadcast(msg bus.Message) {
	if o.msgBus == nil {
		return
	}
	o.msgBus.Broadcast(msg)
}

// applyDefaults fills the fields a caller may legitimately omit.
func applyDefaults(st *models.Subtask) {
	if st.Status == "" {
		st.Status = models.SubtaskPending
	}
	if !st.Priority.Valid() {
		st.Priority = models.PriorityMedium
	}
	if st.Weight <= 0 {
		st.Weight = 1
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
}

func allDone(subtasks []*models.Subtask) bool {
	for _, st := range subtasks {
		if st.Status != models.SubtaskDone {
			return false
		}
	}
	return true
}
