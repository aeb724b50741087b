// Package recovery decides what happens after a subtask execution fails:
// retry with exponential backoff, reassignment to a fallback worker,
// graceful degradation into a partial result, or escalation. A circuit
// breaker scoped per worker or per capability class guards dispatch to
// repeatedly failing executors.
package recovery

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gafferd/gaffer/pkg/models"
)

// Strategy represents the chosen recovery action after a failure.
type Strategy int

const (
	// StrategyRetry re-executes the subtask after a backoff delay.
	StrategyRetry Strategy = iota
	// StrategyFallbackWorker reassigns the subtask to a different capable worker.
	StrategyFallbackWorker
	// StrategyGracefulDegradation gives the subtask up and lets the plan
	// finish partially if enough weight has completed.
	StrategyGracefulDegradation
	// StrategyEscalate surfaces the failure for an external decision.
	StrategyEscalate
)

// String returns a human-readable representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyRetry:
		return "retry"
	case StrategyFallbackWorker:
		return "fallback_worker"
	case StrategyGracefulDegradation:
		return "graceful_degradation"
	case StrategyEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a strategy name back to its value, as when reloading
// persisted records. The boolean is false for unknown names.
func ParseStrategy(s string) (Strategy, bool) {
	switch s {
	case "retry":
		return StrategyRetry, true
	case "fallback_worker":
		return StrategyFallbackWorker, true
	case "graceful_degradation":
		return StrategyGracefulDegradation, true
	case "escalate":
		return StrategyEscalate, true
	default:
		return StrategyRetry, false
	}
}

// BreakerScope selects what a circuit guards.
type BreakerScope string

const (
	// ScopeWorker keys circuits by worker ID.
	ScopeWorker BreakerScope = "worker"
	// ScopeCapability keys circuits by the subtask's required capability tags.
	ScopeCapability BreakerScope = "capability"
)

// Record tracks recovery state for one subtask. It persists for the life of
// the plan; a later success does not erase the failure history.
type Record struct {
	// SubtaskID is the subtask this record tracks.
	SubtaskID string `json:"subtask_id"`
	// FailureCount is the number of failures observed so far.
	FailureCount int `json:"failure_count"`
	// LastClassification is the severity of the most recent failure.
	LastClassification models.Severity `json:"last_classification"`
	// LastError is the most recent failure message.
	LastError string `json:"last_error,omitempty"`
	// BreakerState snapshots the guarding circuit at the last update.
	BreakerState BreakerState `json:"breaker_state"`
	// ChosenStrategy is the strategy picked at the last failure.
	ChosenStrategy Strategy `json:"chosen_strategy"`
	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Decision is the engine's verdict on a failure.
type Decision struct {
	// Strategy is the action the scheduler should take.
	Strategy Strategy
	// Delay is how long to wait before a retry; zero otherwise.
	Delay time.Duration
	// ExcludeWorkers lists workers that must not receive the subtask again.
	ExcludeWorkers []string
	// Attempt is the failure count after this failure.
	Attempt int
}

// Engine owns retry pacing, the circuit breaker, and degradation
// acceptance. All state lives on the engine, passed in explicitly by the
// scheduler; there are no package-level registries.
type Engine struct {
	mu            sync.Mutex
	backoff       BackoffPolicy
	breaker       *CircuitBreaker
	scope         BreakerScope
	acceptance    float64
	records       map[string]*Record
	failedWorkers map[string]map[string]bool
	debugLog      func(format string, args ...interface{})
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackoffPolicy overrides the default retry pacing.
func WithBackoffPolicy(p BackoffPolicy) Option {
	return func(e *Engine) { e.backoff = p }
}

// WithBreaker supplies a pre-configured circuit breaker.
func WithBreaker(b *CircuitBreaker) Option {
	return func(e *Engine) {
		if b != nil {
			e.breaker = b
		}
	}
}

// WithBreakerScope selects worker or capability-class circuits.
func WithBreakerScope(s BreakerScope) Option {
	return func(e *Engine) {
		if s == ScopeWorker || s == ScopeCapability {
			e.scope = s
		}
	}
}

// WithAcceptanceThreshold sets the completed-weight fraction at which a
// degraded plan is still accepted. Values outside (0,1] keep the default.
func WithAcceptanceThreshold(t float64) Option {
	return func(e *Engine) {
		if t > 0 && t <= 1 {
			e.acceptance = t
		}
	}
}

// WithDebugLog sets the debug logging function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(e *Engine) {
		if fn != nil {
			e.debugLog = fn
		}
	}
}

// NewEngine creates a recovery engine with default policy: stock backoff,
// a 5-failure/1m-window/30s-cooldown breaker scoped per worker, and a 50%
// degradation acceptance threshold.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		backoff:       DefaultBackoffPolicy(),
		breaker:       NewCircuitBreaker(5, time.Minute, 30*time.Second),
		scope:         ScopeWorker,
		acceptance:    0.5,
		records:       make(map[string]*Record),
		failedWorkers: make(map[string]map[string]bool),
		debugLog:      func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// scopeKeys maps a failure or dispatch to its circuit keys.
func (e *Engine) scopeKeys(workerID string, capabilities []string) []string {
	if e.scope == ScopeCapability && len(capabilities) > 0 {
		keys := make([]string, len(capabilities))
		for i, c := range capabilities {
			keys[i] = "cap:" + c
		}
		return keys
	}
	return []string{"worker:" + workerID}
}

// HandleFailure records a failure and decides the next action. Critical
// failures are never retried; they escalate immediately. Otherwise the
// subtask retries until the attempt budget is exhausted, then moves to a
// fallback worker.
func (e *Engine) HandleFailure(subtaskID, workerID string, severity models.Severity, errMsg string, capabilities []string) Decision {
	keys := e.scopeKeys(workerID, capabilities)
	for _, key := range keys {
		e.breaker.RecordFailure(key)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[subtaskID]
	if !ok {
		rec = &Record{SubtaskID: subtaskID}
		e.records[subtaskID] = rec
	}
	rec.FailureCount++
	rec.LastClassification = severity
	rec.LastError = errMsg
	rec.BreakerState = e.breaker.State(keys[0])
	rec.UpdatedAt = time.Now()

	if e.failedWorkers[subtaskID] == nil {
		e.failedWorkers[subtaskID] = make(map[string]bool)
	}
	if workerID != "" {
		e.failedWorkers[subtaskID][workerID] = true
	}

	decision := Decision{Attempt: rec.FailureCount}
	switch {
	case severity == models.SeverityCritical:
		decision.Strategy = StrategyEscalate
		log.Printf("[recovery] subtask %s: critical failure, escalating without retry", subtaskID)
	case !e.backoff.Exhausted(rec.FailureCount):
		decision.Strategy = StrategyRetry
		decision.Delay = e.backoff.Delay(rec.FailureCount - 1)
		log.Printf("[recovery] subtask %s: failure %d/%d, retrying in %s", subtaskID, rec.FailureCount, e.backoff.MaxAttempts, decision.Delay)
	default:
		decision.Strategy = StrategyFallbackWorker
		decision.ExcludeWorkers = e.failedWorkersLocked(subtaskID)
		log.Printf("[recovery] subtask %s: retries exhausted after %d failures, seeking fallback worker", subtaskID, rec.FailureCount)
	}

	rec.ChosenStrategy = decision.Strategy
	return decision
}

// NoFallback records that no fallback worker exists for a subtask and moves
// its strategy to graceful degradation. The scheduler marks the subtask
// permanently failed and lets the rest of the plan proceed.
func (e *Engine) NoFallback(subtaskID string) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[subtaskID]
	if !ok {
		rec = &Record{SubtaskID: subtaskID}
		e.records[subtaskID] = rec
	}
	rec.ChosenStrategy = StrategyGracefulDegradation
	rec.UpdatedAt = time.Now()
	log.Printf("[recovery] subtask %s: no fallback worker available, degrading", subtaskID)

	return Decision{Strategy: StrategyGracefulDegradation, Attempt: rec.FailureCount}
}

// HandleSuccess records a successful execution. The guarding circuits see
// the success; the failure history on the record is kept for the audit trail.
func (e *Engine) HandleSuccess(subtaskID, workerID string, capabilities []string) {
	for _, key := range e.scopeKeys(workerID, capabilities) {
		e.breaker.RecordSuccess(key)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.records[subtaskID]; ok {
		rec.UpdatedAt = time.Now()
	}
}

// AllowDispatch reports whether the breaker permits dispatching to the
// worker for work requiring the given capabilities. Call it immediately
// before invoking the worker so half-open probe slots are not wasted.
func (e *Engine) AllowDispatch(workerID string, capabilities []string) bool {
	return e.breaker.AllowAll(e.scopeKeys(workerID, capabilities))
}

// BreakerState exposes the circuit state for a worker/capability pairing.
func (e *Engine) BreakerState(workerID string, capabilities []string) BreakerState {
	return e.breaker.State(e.scopeKeys(workerID, capabilities)[0])
}

// FailedWorkers returns the workers that have failed a subtask, sorted.
func (e *Engine) FailedWorkers(subtaskID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failedWorkersLocked(subtaskID)
}

func (e *Engine) failedWorkersLocked(subtaskID string) []string {
	var out []string
	for id := range e.failedWorkers[subtaskID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FailureCount returns the failures recorded for a subtask.
func (e *Engine) FailureCount(subtaskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec, ok := e.records[subtaskID]; ok {
		return rec.FailureCount
	}
	return 0
}

// RestoreRecord seeds the failure history for a subtask from a persisted
// record, replacing any in-memory state, so a resumed run keeps its retry
// budget. Failed-worker exclusions are not part of the persisted record
// and start empty.
func (e *Engine) RestoreRecord(rec Record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := rec
	e.records[rec.SubtaskID] = &r
}

// GetRecord returns a copy of the recovery record for a subtask.
func (e *Engine) GetRecord(subtaskID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[subtaskID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns copies of all recovery records, sorted by subtask ID.
func (e *Engine) Records() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Record, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubtaskID < out[j].SubtaskID })
	return out
}

// AcceptanceThreshold returns the configured degradation threshold.
func (e *Engine) AcceptanceThreshold() float64 {
	return e.acceptance
}

// ShouldDegrade reports whether a plan with the given completed and total
// weight clears the acceptance threshold for partial completion.
func (e *Engine) ShouldDegrade(completedWeight, totalWeight float64) bool {
	return completionFraction(completedWeight, totalWeight, 0, 0) >= e.acceptance
}

// Degrade assembles the partial result for a run that cannot fully
// complete. The boolean reports whether the completed-weight fraction
// clears the acceptance threshold; below it the run is a hard failure,
// though the document is still returned for the final report.
func (e *Engine) Degrade(runID string, subtasks []*models.Subtask, unresolvedConflicts []string) (*models.PartialResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pr := &models.PartialResult{
		RunID:               runID,
		UnresolvedConflicts: unresolvedConflicts,
		AcceptedAt:          time.Now(),
	}

	var completedWeight, totalWeight float64
	completedCount := 0
	for _, st := range subtasks {
		totalWeight += st.Weight
		switch st.Status {
		case models.SubtaskDone:
			completedWeight += st.Weight
			completedCount++
			pr.CompletedIDs = append(pr.CompletedIDs, st.ID)
		case models.SubtaskFailed:
			failed := models.FailedSubtask{ID: st.ID, Classification: models.SeverityMedium, Error: st.Error}
			if rec, ok := e.records[st.ID]; ok {
				if rec.LastClassification.Valid() {
					failed.Classification = rec.LastClassification
				}
				if failed.Error == "" {
					failed.Error = rec.LastError
				}
			}
			pr.Failed = append(pr.Failed, failed)
		default:
			pr.PendingIDs = append(pr.PendingIDs, st.ID)
		}
	}

	sort.Strings(pr.CompletedIDs)
	sort.Strings(pr.PendingIDs)
	sort.Slice(pr.Failed, func(i, j int) bool { return pr.Failed[i].ID < pr.Failed[j].ID })

	pr.Fraction = completionFraction(completedWeight, totalWeight, completedCount, len(subtasks))
	accepted := pr.Fraction >= e.acceptance
	log.Printf("[recovery] run %s: degraded completion %.0f%% (threshold %.0f%%), accepted=%v",
		runID, pr.Fraction*100, e.acceptance*100, accepted)
	return pr, accepted
}

// completionFraction is completed weight over total weight. When every
// weight is zero it falls back to subtask counts; an empty plan counts as
// fully complete.
func completionFraction(completedWeight, totalWeight float64, completedCount, totalCount int) float64 {
	if totalWeight > 0 {
		return completedWeight / totalWeight
	}
	if totalCount > 0 {
		return float64(completedCount) / float64(totalCount)
	}
	return 1
}
