package recovery

import (
	"testing"
	"time"

	"github.com/gafferd/gaffer/pkg/models"
)

func TestHandleFailure_CriticalNeverRetries(t *testing.T) {
	e := NewEngine()

	d := e.HandleFailure("st1", "w1", models.SeverityCritical, "data corruption", nil)
	if d.Strategy != StrategyEscalate {
		t.Fatalf("strategy = %s, want escalate", d.Strategy)
	}
	if d.Delay != 0 {
		t.Errorf("delay = %v, want 0 for escalation", d.Delay)
	}
	if e.FailureCount("st1") != 1 {
		t.Errorf("FailureCount = %d, want 1", e.FailureCount("st1"))
	}
}

func TestHandleFailure_RetriesThenFallback(t *testing.T) {
	policy := BackoffPolicy{
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
		MaxAttempts: 3,
	}
	e := NewEngine(WithBackoffPolicy(policy))

	d := e.HandleFailure("st1", "w1", models.SeverityMedium, "timeout", nil)
	if d.Strategy != StrategyRetry {
		t.Fatalf("failure 1 strategy = %s, want retry", d.Strategy)
	}
	if d.Delay != 50*time.Millisecond {
		t.Errorf("failure 1 delay = %v, want 50ms", d.Delay)
	}

	d = e.HandleFailure("st1", "w1", models.SeverityMedium, "timeout", nil)
	if d.Strategy != StrategyRetry {
		t.Fatalf("failure 2 strategy = %s, want retry", d.Strategy)
	}
	if d.Delay != 100*time.Millisecond {
		t.Errorf("failure 2 delay = %v, want 100ms", d.Delay)
	}

	d = e.HandleFailure("st1", "w2", models.SeverityMedium, "timeout", nil)
	if d.Strategy != StrategyFallbackWorker {
		t.Fatalf("failure 3 strategy = %s, want fallback_worker", d.Strategy)
	}
	if len(d.ExcludeWorkers) != 2 || d.ExcludeWorkers[0] != "w1" || d.ExcludeWorkers[1] != "w2" {
		t.Errorf("ExcludeWorkers = %v, want [w1 w2]", d.ExcludeWorkers)
	}
}

func TestHandleSuccess_KeepsFailureHistory(t *testing.T) {
	e := NewEngine()

	// Two failures then a success: the record must still show both failures.
	e.HandleFailure("st1", "w1", models.SeverityMedium, "flaky", nil)
	e.HandleFailure("st1", "w1", models.SeverityMedium, "flaky again", nil)
	e.HandleSuccess("st1", "w1", nil)

	rec, ok := e.GetRecord("st1")
	if !ok {
		t.Fatal("record should persist after success")
	}
	if rec.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", rec.FailureCount)
	}
	if rec.LastError != "flaky again" {
		t.Errorf("LastError = %q, want the second failure message", rec.LastError)
	}
}

func TestNoFallback_MovesToDegradation(t *testing.T) {
	e := NewEngine(WithBackoffPolicy(BackoffPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 1}))

	e.HandleFailure("st1", "w1", models.SeverityMedium, "boom", nil)
	d := e.NoFallback("st1")
	if d.Strategy != StrategyGracefulDegradation {
		t.Fatalf("strategy = %s, want graceful_degradation", d.Strategy)
	}

	rec, _ := e.GetRecord("st1")
	if rec.ChosenStrategy != StrategyGracefulDegradation {
		t.Errorf("record strategy = %s, want graceful_degradation", rec.ChosenStrategy)
	}
}

func TestAllowDispatch_BreakerGates(t *testing.T) {
	breaker := NewCircuitBreaker(2, time.Minute, time.Hour)
	e := NewEngine(WithBreaker(breaker))

	if !e.AllowDispatch("w1", nil) {
		t.Fatal("fresh worker should be dispatchable")
	}
	e.HandleFailure("st1", "w1", models.SeverityMedium, "err", nil)
	e.HandleFailure("st2", "w1", models.SeverityMedium, "err", nil)

	if e.AllowDispatch("w1", nil) {
		t.Error("worker with an open circuit must be refused")
	}
	if e.BreakerState("w1", nil) != BreakerOpen {
		t.Errorf("BreakerState = %s, want open", e.BreakerState("w1", nil))
	}
	if !e.AllowDispatch("w2", nil) {
		t.Error("other workers must be unaffected")
	}
}

func TestCapabilityScope_SharesCircuitAcrossWorkers(t *testing.T) {
	breaker := NewCircuitBreaker(2, time.Minute, time.Hour)
	e := NewEngine(WithBreaker(breaker), WithBreakerScope(ScopeCapability))

	caps := []string{"sql"}
	e.HandleFailure("st1", "w1", models.SeverityMedium, "err", caps)
	e.HandleFailure("st2", "w2", models.SeverityMedium, "err", caps)

	// The class circuit is open, so every worker is refused for that class.
	if e.AllowDispatch("w3", caps) {
		t.Error("capability-class circuit should refuse all workers for the class")
	}
	if !e.AllowDispatch("w3", []string{"docs"}) {
		t.Error("other capability classes must be unaffected")
	}
}

func degradeSubtasks() []*models.Subtask {
	done := func(id string, w float64) *models.Subtask {
		return &models.Subtask{ID: id, Status: models.SubtaskDone, Weight: w}
	}
	return []*models.Subtask{
		done("a", 3),
		done("b", 4),
		{ID: "c", Status: models.SubtaskFailed, Weight: 3, Error: "exhausted"},
	}
}

func TestDegrade_AcceptsAboveThreshold(t *testing.T) {
	e := NewEngine()
	e.HandleFailure("c", "w1", models.SeverityHigh, "exhausted", nil)

	// 7 of 10 weight complete against the default 50% threshold.
	pr, accepted := e.Degrade("run1", degradeSubtasks(), nil)
	if !accepted {
		t.Fatal("70% completion must clear a 50% threshold")
	}
	if pr.Fraction != 0.7 {
		t.Errorf("Fraction = %v, want 0.7", pr.Fraction)
	}
	if len(pr.CompletedIDs) != 2 {
		t.Errorf("CompletedIDs = %v, want [a b]", pr.CompletedIDs)
	}
	if len(pr.Failed) != 1 || pr.Failed[0].ID != "c" {
		t.Fatalf("Failed = %v, want [c]", pr.Failed)
	}
	if pr.Failed[0].Classification != models.SeverityHigh {
		t.Errorf("failed classification = %s, want high (from the recovery record)", pr.Failed[0].Classification)
	}
}

func TestDegrade_RejectsBelowThreshold(t *testing.T) {
	e := NewEngine(WithAcceptanceThreshold(0.8))

	pr, accepted := e.Degrade("run1", degradeSubtasks(), nil)
	if accepted {
		t.Fatal("70% completion must not clear an 80% threshold")
	}
	if pr == nil {
		t.Fatal("the document is still produced for the final report")
	}
}

func TestDegrade_ListsPending(t *testing.T) {
	e := NewEngine()
	subtasks := append(degradeSubtasks(),
		&models.Subtask{ID: "d", Status: models.SubtaskPending, Weight: 1},
		&models.Subtask{ID: "e", Status: models.SubtaskReady, Weight: 1},
	)

	pr, _ := e.Degrade("run1", subtasks, []string{"conflict-9"})
	if len(pr.PendingIDs) != 2 || pr.PendingIDs[0] != "d" || pr.PendingIDs[1] != "e" {
		t.Errorf("PendingIDs = %v, want [d e]", pr.PendingIDs)
	}
	if len(pr.UnresolvedConflicts) != 1 || pr.UnresolvedConflicts[0] != "conflict-9" {
		t.Errorf("UnresolvedConflicts = %v, want [conflict-9]", pr.UnresolvedConflicts)
	}
}

func TestDegrade_EmptyPlanIsComplete(t *testing.T) {
	e := NewEngine()
	pr, accepted := e.Degrade("run1", nil, nil)
	if !accepted || pr.Fraction != 1 {
		t.Errorf("empty plan: fraction = %v accepted = %v, want 1 and true", pr.Fraction, accepted)
	}
}

func TestStrategy_String(t *testing.T) {
	tests := []struct {
		s    Strategy
		want string
	}{
		{StrategyRetry, "retry"},
		{StrategyFallbackWorker, "fallback_worker"},
		{StrategyGracefulDegradation, "graceful_degradation"},
		{StrategyEscalate, "escalate"},
		{Strategy(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Strategy(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

func TestParseStrategy_RoundTrip(t *testing.T) {
	for _, s := range []Strategy{StrategyRetry, StrategyFallbackWorker, StrategyGracefulDegradation, StrategyEscalate} {
		got, ok := ParseStrategy(s.String())
		if !ok || got != s {
			t.Errorf("ParseStrategy(%q) = %v, %v, want %v, true", s.String(), got, ok, s)
		}
	}
	if _, ok := ParseStrategy("unknown"); ok {
		t.Error("ParseStrategy(unknown) ok = true, want false")
	}
}

func TestRestoreRecord_ContinuesRetryBudget(t *testing.T) {
	policy := BackoffPolicy{
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
		MaxAttempts: 3,
	}
	e := NewEngine(WithBackoffPolicy(policy))

	e.RestoreRecord(Record{
		SubtaskID:          "st1",
		FailureCount:       2,
		LastClassification: models.SeverityMedium,
		LastError:          "timeout",
		ChosenStrategy:     StrategyRetry,
		UpdatedAt:          time.Now().Add(-time.Hour),
	})

	if e.FailureCount("st1") != 2 {
		t.Fatalf("FailureCount after restore = %d, want 2", e.FailureCount("st1"))
	}
	rec, ok := e.GetRecord("st1")
	if !ok || rec.LastError != "timeout" {
		t.Fatalf("GetRecord after restore = %+v, %v", rec, ok)
	}

	// The third failure exhausts the restored budget.
	d := e.HandleFailure("st1", "w2", models.SeverityMedium, "timeout", nil)
	if d.Strategy != StrategyFallbackWorker {
		t.Errorf("strategy after restored budget = %s, want fallback_worker", d.Strategy)
	}
	if d.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", d.Attempt)
	}
}
