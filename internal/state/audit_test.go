package state

import (
	"testing"
	"time"

	"github.com/gafferd/gaffer/pkg/models"
)

// Claim audit tests

func TestRecordClaim(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	id, err := db.RecordClaim("run-1", "st-1", "worker-1")
	if err != nil {
		t.Fatalf("RecordClaim failed: %v", err)
	}
	if id == 0 {
		t.Error("expected non-zero claim id")
	}

	claims, err := db.ListClaims("run-1", "st-1")
	if err != nil {
		t.Fatalf("ListClaims failed: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("ListClaims returned %d, want 1", len(claims))
	}
	if claims[0].WorkerID != "worker-1" {
		t.Errorf("WorkerID = %s, want worker-1", claims[0].WorkerID)
	}
	if claims[0].ReleasedAt != nil {
		t.Errorf("expected open claim, got released at %v", claims[0].ReleasedAt)
	}
}

func TestReleaseClaim(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	id, err := db.RecordClaim("run-1", "st-1", "worker-1")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := db.ReleaseClaim(id, "done"); err != nil {
		t.Fatalf("ReleaseClaim failed: %v", err)
	}

	claims, err := db.ListClaims("run-1", "st-1")
	if err != nil {
		t.Fatalf("ListClaims failed: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("ListClaims returned %d, want 1", len(claims))
	}
	if claims[0].ReleasedAt == nil {
		t.Error("ReleasedAt should not be nil after release")
	}
	if claims[0].Reason != "done" {
		t.Errorf("Reason = %q, want done", claims[0].Reason)
	}
}

func TestListClaims_History(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	// A subtask claimed, released stale, then claimed again keeps both rows
	first, err := db.RecordClaim("run-1", "st-1", "worker-1")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := db.ReleaseClaim(first, "stale"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := db.RecordClaim("run-1", "st-1", "worker-2"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	claims, err := db.ListClaims("run-1", "st-1")
	if err != nil {
		t.Fatalf("ListClaims failed: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("ListClaims returned %d, want 2", len(claims))
	}
	if claims[0].WorkerID != "worker-1" || claims[1].WorkerID != "worker-2" {
		t.Errorf("claim order wrong: %s then %s", claims[0].WorkerID, claims[1].WorkerID)
	}
	if claims[0].Reason != "stale" {
		t.Errorf("first claim reason = %q, want stale", claims[0].Reason)
	}
}

func TestListOpenClaims(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	released, err := db.RecordClaim("run-1", "st-1", "worker-1")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := db.ReleaseClaim(released, "done"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := db.RecordClaim("run-1", "st-2", "worker-2"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	open, err := db.ListOpenClaims("run-1")
	if err != nil {
		t.Fatalf("ListOpenClaims failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("ListOpenClaims returned %d, want 1", len(open))
	}
	if open[0].SubtaskID != "st-2" {
		t.Errorf("open claim subtask = %s, want st-2", open[0].SubtaskID)
	}
}

// Output audit tests

func TestSaveOutput(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	out := &models.Output{
		ID:          "out-1",
		SubtaskID:   "st-1",
		WorkerID:    "worker-1",
		Payload:     "result payload",
		ScopeKey:    "config/schema",
		SubmittedAt: time.Now(),
	}
	if err := db.SaveOutput("run-1", out); err != nil {
		t.Fatalf("SaveOutput failed: %v", err)
	}

	outputs, err := db.ListOutputs("run-1", "st-1")
	if err != nil {
		t.Fatalf("ListOutputs failed: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("ListOutputs returned %d, want 1", len(outputs))
	}
	if outputs[0].Payload != "result payload" {
		t.Errorf("Payload = %q, want result payload", outputs[0].Payload)
	}
	if outputs[0].ScopeKey != "config/schema" {
		t.Errorf("ScopeKey = %q, want config/schema", outputs[0].ScopeKey)
	}
	if outputs[0].Superseded {
		t.Error("fresh output should not be superseded")
	}
}

func TestMarkOutputSuperseded(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	base := time.Now()
	outputs := []*models.Output{
		{ID: "out-1", SubtaskID: "st-1", WorkerID: "worker-1", Payload: "A", SubmittedAt: base},
		{ID: "out-2", SubtaskID: "st-1", WorkerID: "worker-2", Payload: "B", SubmittedAt: base.Add(time.Second)},
	}
	for _, o := range outputs {
		if err := db.SaveOutput("run-1", o); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	if err := db.MarkOutputSuperseded("out-2"); err != nil {
		t.Fatalf("MarkOutputSuperseded failed: %v", err)
	}

	// Superseded rows stay listed for audit
	got, err := db.ListOutputs("run-1", "st-1")
	if err != nil {
		t.Fatalf("ListOutputs failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListOutputs returned %d, want 2", len(got))
	}
	if got[0].Superseded {
		t.Error("out-1 should not be superseded")
	}
	if !got[1].Superseded {
		t.Error("out-2 should be superseded")
	}
}

// Conflict audit tests

func TestSaveAndGetConflict(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := &models.Conflict{
		ID:        "conf-1",
		Type:      models.ConflictDivergentOutput,
		SubtaskID: "st-1",
		Outputs: []models.Output{
			{ID: "out-1", SubtaskID: "st-1", WorkerID: "worker-1", Payload: "A", SubmittedAt: base},
			{ID: "out-2", SubtaskID: "st-1", WorkerID: "worker-2", Payload: "B", SubmittedAt: base.Add(time.Second)},
		},
		DetectedAt: base.Add(2 * time.Second),
	}
	if err := db.SaveConflict("run-1", c); err != nil {
		t.Fatalf("SaveConflict failed: %v", err)
	}

	got, err := db.GetConflict("run-1", "conf-1")
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetConflict returned nil")
	}
	if got.Type != models.ConflictDivergentOutput {
		t.Errorf("Type = %s, want %s", got.Type, models.ConflictDivergentOutput)
	}
	if got.SubtaskID != "st-1" {
		t.Errorf("SubtaskID = %s, want st-1", got.SubtaskID)
	}
	if len(got.Outputs) != 2 {
		t.Fatalf("Outputs len = %d, want 2", len(got.Outputs))
	}
	if got.Outputs[1].Payload != "B" {
		t.Errorf("snapshot payload = %q, want B", got.Outputs[1].Payload)
	}

	// A different run cannot see it
	seedRun(t, db, "run-2")
	other, err := db.GetConflict("run-2", "conf-1")
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if other != nil {
		t.Errorf("expected nil for conflict of another run, got %+v", other)
	}
}

func TestGetConflict_Nonexistent(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	got, err := db.GetConflict("run-1", "nonexistent")
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for nonexistent conflict, got %+v", got)
	}
}

func TestListConflicts(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conflicts := []*models.Conflict{
		{ID: "conf-1", Type: models.ConflictDuplicateOutput, SubtaskID: "st-1", DetectedAt: base},
		{ID: "conf-2", Type: models.ConflictInterpretation, ScopeKey: "config/schema", DetectedAt: base.Add(time.Minute)},
	}
	for _, c := range conflicts {
		if err := db.SaveConflict("run-1", c); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	list, err := db.ListConflicts("run-1")
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListConflicts returned %d, want 2", len(list))
	}
	if list[0].ID != "conf-1" || list[1].ID != "conf-2" {
		t.Errorf("conflict order wrong: %s then %s", list[0].ID, list[1].ID)
	}
	if list[1].ScopeKey != "config/schema" {
		t.Errorf("ScopeKey = %q, want config/schema", list[1].ScopeKey)
	}
}

// Resolution audit tests

func TestSaveAndGetResolution(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := &models.Conflict{ID: "conf-1", Type: models.ConflictDivergentOutput, SubtaskID: "st-1", DetectedAt: base}
	if err := db.SaveConflict("run-1", c); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	r := &models.Resolution{
		ConflictID: "conf-1",
		Strategy:   models.StrategyVoting,
		WinnerID:   "out-1",
		LoserIDs:   []string{"out-2", "out-3"},
		Confidence: 2.0 / 3.0,
		ResolvedAt: base.Add(time.Second),
	}
	if err := db.SaveResolution("run-1", r); err != nil {
		t.Fatalf("SaveResolution failed: %v", err)
	}

	got, err := db.GetResolution("conf-1")
	if err != nil {
		t.Fatalf("GetResolution failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetResolution returned nil")
	}
	if got.Strategy != models.StrategyVoting {
		t.Errorf("Strategy = %s, want %s", got.Strategy, models.StrategyVoting)
	}
	if got.WinnerID != "out-1" {
		t.Errorf("WinnerID = %s, want out-1", got.WinnerID)
	}
	if len(got.LoserIDs) != 2 {
		t.Errorf("LoserIDs len = %d, want 2", len(got.LoserIDs))
	}
	if got.Confidence < 0.66 || got.Confidence > 0.67 {
		t.Errorf("Confidence = %v, want 2/3", got.Confidence)
	}
	if got.RequiresEscalation {
		t.Error("resolution should not require escalation")
	}
}

func TestGetResolution_Nonexistent(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetResolution("nonexistent")
	if err != nil {
		t.Fatalf("GetResolution failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for nonexistent resolution, got %+v", got)
	}
}

func TestSaveResolution_ReplacesEscalation(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := &models.Conflict{ID: "conf-1", Type: models.ConflictDivergentOutput, SubtaskID: "st-1", DetectedAt: base}
	if err := db.SaveConflict("run-1", c); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	// First attempt tied and escalated
	escalated := &models.Resolution{
		ConflictID:         "conf-1",
		Strategy:           models.StrategyVoting,
		RequiresEscalation: true,
		ResolvedAt:         base.Add(time.Second),
	}
	if err := db.SaveResolution("run-1", escalated); err != nil {
		t.Fatalf("SaveResolution failed: %v", err)
	}

	// The escalation decision settles it later
	settled := &models.Resolution{
		ConflictID: "conf-1",
		Strategy:   models.StrategyPriority,
		WinnerID:   "out-1",
		Confidence: 1.0,
		ResolvedAt: base.Add(time.Minute),
	}
	if err := db.SaveResolution("run-1", settled); err != nil {
		t.Fatalf("SaveResolution replace failed: %v", err)
	}

	got, err := db.GetResolution("conf-1")
	if err != nil {
		t.Fatalf("GetResolution failed: %v", err)
	}
	if got.RequiresEscalation {
		t.Error("replaced resolution should not require escalation")
	}
	if got.Strategy != models.StrategyPriority || got.WinnerID != "out-1" {
		t.Errorf("got %+v, want settled priority resolution", got)
	}
}

func TestListUnresolvedConflicts(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conflicts := []*models.Conflict{
		{ID: "conf-resolved", Type: models.ConflictDivergentOutput, SubtaskID: "st-1", DetectedAt: base},
		{ID: "conf-escalated", Type: models.ConflictDivergentOutput, SubtaskID: "st-2", DetectedAt: base.Add(time.Second)},
		{ID: "conf-untouched", Type: models.ConflictDependency, SubtaskID: "st-3", DetectedAt: base.Add(2 * time.Second)},
	}
	for _, c := range conflicts {
		if err := db.SaveConflict("run-1", c); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	resolved := &models.Resolution{
		ConflictID: "conf-resolved",
		Strategy:   models.StrategyVoting,
		WinnerID:   "out-1",
		Confidence: 1.0,
		ResolvedAt: base.Add(time.Minute),
	}
	if err := db.SaveResolution("run-1", resolved); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	escalated := &models.Resolution{
		ConflictID:         "conf-escalated",
		Strategy:           models.StrategyVoting,
		RequiresEscalation: true,
		ResolvedAt:         base.Add(time.Minute),
	}
	if err := db.SaveResolution("run-1", escalated); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	unresolved, err := db.ListUnresolvedConflicts("run-1")
	if err != nil {
		t.Fatalf("ListUnresolvedConflicts failed: %v", err)
	}
	if len(unresolved) != 2 {
		t.Fatalf("ListUnresolvedConflicts returned %d, want 2", len(unresolved))
	}
	if unresolved[0].ID != "conf-escalated" || unresolved[1].ID != "conf-untouched" {
		t.Errorf("unresolved order wrong: %s then %s", unresolved[0].ID, unresolved[1].ID)
	}
}
