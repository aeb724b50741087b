package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gafferd/gaffer/internal/config"
	"github.com/gafferd/gaffer/internal/state"
	"github.com/gafferd/gaffer/internal/worker"
	"github.com/gafferd/gaffer/pkg/models"
)

// testConfig returns settings tuned for fast tests: tight poll interval,
// millisecond backoff, sweeping disabled.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Scheduler.MaxWorkers = 3
	cfg.Scheduler.PollInterval = 2 * time.Millisecond
	cfg.Scheduler.EventBuffer = 256
	cfg.Queue.ClaimTTL = time.Minute
	cfg.Queue.SweepInterval = 0
	cfg.Recovery.BaseDelay = time.Millisecond
	cfg.Recovery.MaxDelay = 5 * time.Millisecond
	cfg.Recovery.Multiplier = 2
	cfg.Recovery.MaxAttempts = 3
	cfg.Recovery.BreakerThreshold = 100
	cfg.Recovery.BreakerWindow = time.Minute
	cfg.Recovery.BreakerCooldown = 5 * time.Millisecond
	cfg.Recovery.AcceptanceThreshold = 0.5
	cfg.Timeouts.Critical = time.Second
	cfg.Timeouts.High = time.Second
	cfg.Timeouts.Medium = time.Second
	cfg.Timeouts.Low = time.Second
	return cfg
}

func testSubtask(id string, deps ...string) *models.Subtask {
	return &models.Subtask{
		ID:           id,
		Description:  "work on " + id,
		Priority:     models.PriorityMedium,
		Weight:       1,
		DependsOn:    deps,
		Capabilities: []string{"go"},
	}
}

// recorder captures execution order across workers as "subtask/worker".
type recorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *recorder) add(subtaskID, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, subtaskID+"/"+workerID)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

func (r *recorder) subtasks() []string {
	var out []string
	for _, e := range r.list() {
		out = append(out, e[:strings.Index(e, "/")])
	}
	return out
}

func (r *recorder) indexOf(subtaskID string) int {
	for i, id := range r.subtasks() {
		if id == subtaskID {
			return i
		}
	}
	return -1
}

// okWorker registers a worker that records the execution and succeeds.
func okWorker(t *testing.T, reg *worker.Registry, id string, rec *recorder) {
	t.Helper()
	fn := worker.RunFunc(func(ctx context.Context, st *models.Subtask) (*worker.Result, error) {
		rec.add(st.ID, id)
		return &worker.Result{Payload: "done " + st.ID}, nil
	})
	if err := reg.Add(&models.Worker{ID: id, Capabilities: []string{"go"}}, fn); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

// eventTap drains the event stream in the background so tests can wait
// on specific events without racing the run loop.
type eventTap struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func tapEvents(o *Orchestrator) *eventTap {
	tap := &eventTap{done: make(chan struct{})}
	go func() {
		defer close(tap.done)
		for ev := range o.Events() {
			tap.mu.Lock()
			tap.events = append(tap.events, ev)
			tap.mu.Unlock()
		}
	}()
	return tap
}

// all blocks until the stream closes, then returns everything seen.
func (tp *eventTap) all() []Event {
	<-tp.done
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return append([]Event(nil), tp.events...)
}

// seen reports whether an event of the given type has arrived, optionally
// filtered by subtask.
func (tp *eventTap) seen(want EventType, subtaskID string) bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, ev := range tp.events {
		if ev.Type == want && (subtaskID == "" || ev.SubtaskID == subtaskID) {
			return true
		}
	}
	return false
}

func hasEvent(events []Event, want EventType) bool {
	for _, ev := range events {
		if ev.Type == want {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestRunCompletesLinearChain(t *testing.T) {
	reg := worker.NewRegistry()
	rec := &recorder{}
	okWorker(t, reg, "w1", rec)
	o, err := New(Config{Goal: "linear chain", Config: testConfig(), Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	pr, err := o.Run(context.Background(), []*models.Subtask{
		testSubtask("a"),
		testSubtask("b", "a"),
		testSubtask("c", "b"),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if pr.Fraction != 1 {
		t.Errorf("Fraction = %v, want 1", pr.Fraction)
	}
	if len(pr.CompletedIDs) != 3 {
		t.Errorf("CompletedIDs = %v, want 3 entries", pr.CompletedIDs)
	}

	got := rec.subtasks()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("executions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("execution %d = %s, want %s", i, got[i], want[i])
		}
	}

	for _, id := range want {
		st, err := o.Graph().Get(id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if st.Status != models.SubtaskDone {
			t.Errorf("subtask %s status = %s, want done", id, st.Status)
		}
	}
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	reg := worker.NewRegistry()
	rec := &recorder{}
	okWorker(t, reg, "w1", rec)
	okWorker(t, reg, "w2", rec)
	o, err := New(Config{Config: testConfig(), Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Diamond: a fans out to b and c, d joins them.
	_, err = o.Run(context.Background(), []*models.Subtask{
		testSubtask("a"),
		testSubtask("b", "a"),
		testSubtask("c", "a"),
		testSubtask("d", "b", "c"),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rec.indexOf("a") != 0 {
		t.Errorf("a executed at index %d, want 0", rec.indexOf("a"))
	}
	if idx := rec.indexOf("d"); idx != 3 {
		t.Errorf("d executed at index %d, want 3 (after b and c)", idx)
	}
}

func TestRunHonorsConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.MaxWorkers = 1

	var mu sync.Mutex
	cur, peak := 0, 0
	reg := worker.NewRegistry()
	for _, id := range []string{"w1", "w2", "w3"} {
		fn := worker.RunFunc(func(ctx context.Context, st *models.Subtask) (*worker.Result, error) {
			mu.Lock()
			cur++
			if cur > peak {
				peak = cur
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			cur--
			mu.Unlock()
			return &worker.Result{Payload: "ok"}, nil
		})
		if err := reg.Add(&models.Worker{ID: id, Capabilities: []string{"go"}}, fn); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	o, err := New(Config{Config: cfg, Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = o.Run(context.Background(), []*models.Subtask{
		testSubtask("a"), testSubtask("b"), testSubtask("c"),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestRunDispatchesCriticalFirst(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.MaxWorkers = 1

	reg := worker.NewRegistry()
	rec := &recorder{}
	okWorker(t, reg, "w1", rec)
	o, err := New(Config{Config: cfg, Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Named so alphabetical order would pick the low one first if
	// priority were ignored.
	low := testSubtask("a-low")
	low.Priority = models.PriorityLow
	crit := testSubtask("z-crit")
	crit.Priority = models.PriorityCritical

	_, err = o.Run(context.Background(), []*models.Subtask{low, crit})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := rec.subtasks()
	if len(got) != 2 || got[0] != "z-crit" {
		t.Errorf("execution order = %v, want z-crit first", got)
	}
}

func TestRunPauseHoldsDispatch(t *testing.T) {
	reg := worker.NewRegistry()
	rec := &recorder{}
	okWorker(t, reg, "w1", rec)
	o, err := New(Config{Config: testConfig(), Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	o.Pause()
	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		_, runErr = o.Run(context.Background(), []*models.Subtask{testSubtask("a")})
	}()

	time.Sleep(30 * time.Millisecond)
	if got := rec.list(); len(got) != 0 {
		t.Errorf("executions while paused = %v, want none", got)
	}
	if !o.IsPaused() {
		t.Error("IsPaused = false while paused")
	}

	o.Resume()
	<-done
	if runErr != nil {
		t.Fatalf("Run failed after resume: %v", runErr)
	}
	if got := rec.subtasks(); len(got) != 1 || got[0] != "a" {
		t.Errorf("executions after resume = %v, want [a]", got)
	}
}

func TestRunAbortReturnsPartialResult(t *testing.T) {
	reg := worker.NewRegistry()
	fn := worker.RunFunc(func(ctx context.Context, st *models.Subtask) (*worker.Result, error) {
		if st.ID == "a" {
			return &worker.Result{Payload: "ok"}, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err := reg.Add(&models.Worker{ID: "w1", Capabilities: []string{"go"}}, fn); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	o, err := New(Config{Config: testConfig(), Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tap := tapEvents(o)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pr *models.PartialResult
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		pr, runErr = o.Run(ctx, []*models.Subtask{testSubtask("a"), testSubtask("b", "a")})
	}()

	waitFor(t, 2*time.Second, func() bool {
		return tap.seen(EventSubtaskCompleted, "a")
	}, "subtask a to complete")
	cancel()
	<-done

	if !errors.Is(runErr, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", runErr)
	}
	if pr == nil {
		t.Fatal("Run returned nil result on abort")
	}
	if len(pr.CompletedIDs) != 1 || pr.CompletedIDs[0] != "a" {
		t.Errorf("CompletedIDs = %v, want [a]", pr.CompletedIDs)
	}
	if len(pr.PendingIDs) != 1 || pr.PendingIDs[0] != "b" {
		t.Errorf("PendingIDs = %v, want [b]", pr.PendingIDs)
	}
	if !hasEvent(tap.all(), EventRunAborted) {
		t.Error("event stream missing run_aborted")
	}
}

func TestStopAbortsRun(t *testing.T) {
	reg := worker.NewRegistry()
	fn := worker.RunFunc(func(ctx context.Context, st *models.Subtask) (*worker.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err := reg.Add(&models.Worker{ID: "w1", Capabilities: []string{"go"}}, fn); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	o, err := New(Config{Config: testConfig(), Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tap := tapEvents(o)

	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, runErr = o.Run(context.Background(), []*models.Subtask{testSubtask("a")})
	}()

	waitFor(t, 2*time.Second, func() bool {
		return tap.seen(EventSubtaskStarted, "a")
	}, "subtask a to start")
	o.Stop()
	o.Stop() // second call is a no-op
	<-done

	if runErr == nil {
		t.Fatal("Run returned nil error after Stop")
	}
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	reg := worker.NewRegistry()
	rec := &recorder{}
	okWorker(t, reg, "w1", rec)
	o, err := New(Config{Config: testConfig(), Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tap := tapEvents(o)

	if _, err := o.Run(context.Background(), []*models.Subtask{testSubtask("a")}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := tap.all()
	for _, want := range []EventType{
		EventRunStarted,
		EventSubtaskReady,
		EventSubtaskClaimed,
		EventSubtaskStarted,
		EventSubtaskCompleted,
		EventRunCompleted,
	} {
		if !hasEvent(got, want) {
			t.Errorf("event stream missing %s", want)
		}
	}
	for _, ev := range got {
		if ev.RunID != o.RunID() {
			t.Errorf("event %s carries run ID %q, want %q", ev.Type, ev.RunID, o.RunID())
		}
	}
}

func TestRunRejectsEmptyPlan(t *testing.T) {
	reg := worker.NewRegistry()
	rec := &recorder{}
	okWorker(t, reg, "w1", rec)
	o, err := New(Config{Config: testConfig(), Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := o.Run(context.Background(), nil); err == nil {
		t.Error("Run with no subtasks did not error")
	}
}

func TestRunTwiceFails(t *testing.T) {
	reg := worker.NewRegistry()
	rec := &recorder{}
	okWorker(t, reg, "w1", rec)
	o, err := New(Config{Config: testConfig(), Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := o.Run(context.Background(), []*models.Subtask{testSubtask("a")}); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	_, err = o.Run(context.Background(), []*models.Subtask{testSubtask("b")})
	if err == nil || !strings.Contains(err.Error(), "already started") {
		t.Errorf("second Run error = %v, want already started", err)
	}
}

func TestRunNoCapableWorkerDegrades(t *testing.T) {
	reg := worker.NewRegistry()
	rec := &recorder{}
	okWorker(t, reg, "w1", rec) // serves "go" only
	o, err := New(Config{Config: testConfig(), Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	st := testSubtask("x")
	st.Capabilities = []string{"rust"}
	pr, err := o.Run(context.Background(), []*models.Subtask{st})
	if err == nil {
		t.Fatal("Run with no capable worker returned nil error")
	}
	if pr == nil {
		t.Fatal("Run returned nil result")
	}
	if len(pr.PendingIDs) != 1 || pr.PendingIDs[0] != "x" {
		t.Errorf("PendingIDs = %v, want [x]", pr.PendingIDs)
	}
	if got := rec.list(); len(got) != 0 {
		t.Errorf("executions = %v, want none", got)
	}
}

func TestRunRequiresRegistry(t *testing.T) {
	if _, err := New(Config{Config: testConfig()}); err == nil {
		t.Error("New without a registry did not error")
	}
}

func TestSweepLeavesLiveClaimsAlone(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.ClaimTTL = time.Millisecond
	cfg.Queue.SweepInterval = time.Millisecond

	reg := worker.NewRegistry()
	fn := worker.RunFunc(func(ctx context.Context, st *models.Subtask) (*worker.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return &worker.Result{Payload: "slow but alive"}, nil
	})
	if err := reg.Add(&models.Worker{ID: "w1", Capabilities: []string{"go"}}, fn); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	o, err := New(Config{Config: cfg, Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tap := tapEvents(o)

	pr, err := o.Run(context.Background(), []*models.Subtask{testSubtask("a")})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if pr.Fraction != 1 {
		t.Errorf("Fraction = %v, want 1", pr.Fraction)
	}
	if hasEvent(tap.all(), EventClaimReleased) {
		t.Error("sweep released a claim whose worker was still running")
	}
}

func TestResumeRestoresRecoveryState(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// Seed what a previous execution of this run would have left behind:
	// two of three failures spent on "a" and a conflict nobody settled.
	started := time.Now().Add(-time.Hour)
	if err := db.CreateRun(&state.Run{ID: "run-1", Goal: "resume me", Status: models.RunActive, StartedAt: started}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := db.SaveRecoveryRecord(&state.RecoveryRecord{
		RunID:              "run-1",
		SubtaskID:          "a",
		FailureCount:       2,
		LastClassification: models.SeverityMedium,
		LastError:          "timeout",
		Strategy:           "retry",
		BreakerState:       "closed",
		UpdatedAt:          started,
	}); err != nil {
		t.Fatalf("save recovery record: %v", err)
	}
	if err := db.SaveConflict("run-1", &models.Conflict{
		ID:        "c-old",
		Type:      models.ConflictDivergentOutput,
		SubtaskID: "a",
		Outputs: []models.Output{
			{ID: "o1", SubtaskID: "a", WorkerID: "w1", Payload: "x", SubmittedAt: started},
			{ID: "o2", SubtaskID: "a", WorkerID: "w2", Payload: "y", SubmittedAt: started},
		},
		DetectedAt: started,
	}); err != nil {
		t.Fatalf("save conflict: %v", err)
	}

	reg := worker.NewRegistry()
	rec := &recorder{}
	fn := worker.RunFunc(func(ctx context.Context, st *models.Subtask) (*worker.Result, error) {
		rec.add(st.ID, "w1")
		return nil, errors.New("boom")
	})
	if err := reg.Add(&models.Worker{ID: "w1", Capabilities: []string{"go"}}, fn); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	o, err := New(Config{RunID: "run-1", Config: testConfig(), Registry: reg, StateDB: db})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	pr, runErr := o.Run(context.Background(), []*models.Subtask{testSubtask("a")})
	if runErr == nil {
		t.Fatal("Run succeeded, want acceptance-threshold error")
	}
	if pr == nil {
		t.Fatal("Run returned nil result")
	}

	// The restored budget leaves one attempt: the next failure moves
	// straight to fallback, and with no other worker the subtask degrades.
	if got := rec.list(); len(got) != 1 {
		t.Errorf("executions = %v, want exactly one", got)
	}
	if len(pr.Failed) != 1 || pr.Failed[0].ID != "a" {
		t.Errorf("Failed = %v, want [a]", pr.Failed)
	}

	found := false
	for _, id := range pr.UnresolvedConflicts {
		if id == "c-old" {
			found = true
		}
	}
	if !found {
		t.Errorf("UnresolvedConflicts = %v, want to carry c-old", pr.UnresolvedConflicts)
	}

	persisted, err := db.GetPartialResult("run-1")
	if err != nil {
		t.Fatalf("get partial result: %v", err)
	}
	if persisted == nil {
		t.Fatal("no partial result persisted")
	}
	if len(persisted.UnresolvedConflicts) != len(pr.UnresolvedConflicts) {
		t.Errorf("persisted UnresolvedConflicts = %v, want %v", persisted.UnresolvedConflicts, pr.UnresolvedConflicts)
	}
}
