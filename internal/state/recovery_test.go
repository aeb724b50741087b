package state

import (
	"testing"
	"time"

	"github.com/gafferd/gaffer/pkg/models"
)

// Recovery record tests

func TestSaveRecoveryRecord_Upsert(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	rec := &RecoveryRecord{
		RunID:              "run-1",
		SubtaskID:          "st-1",
		FailureCount:       1,
		LastClassification: models.SeverityMedium,
		LastError:          "connection refused",
		Strategy:           "retry",
		BreakerState:       "closed",
		UpdatedAt:          time.Now(),
	}
	if err := db.SaveRecoveryRecord(rec); err != nil {
		t.Fatalf("SaveRecoveryRecord failed: %v", err)
	}

	// Second failure updates the same row
	rec.FailureCount = 2
	rec.LastError = "connection refused again"
	rec.Strategy = "fallback_worker"
	if err := db.SaveRecoveryRecord(rec); err != nil {
		t.Fatalf("SaveRecoveryRecord upsert failed: %v", err)
	}

	got, err := db.GetRecoveryRecord("run-1", "st-1")
	if err != nil {
		t.Fatalf("GetRecoveryRecord failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetRecoveryRecord returned nil")
	}
	if got.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", got.FailureCount)
	}
	if got.LastError != "connection refused again" {
		t.Errorf("LastError = %q, want updated message", got.LastError)
	}
	if got.Strategy != "fallback_worker" {
		t.Errorf("Strategy = %q, want fallback_worker", got.Strategy)
	}
	if got.LastClassification != models.SeverityMedium {
		t.Errorf("LastClassification = %s, want %s", got.LastClassification, models.SeverityMedium)
	}

	// Still only one row
	records, err := db.ListRecoveryRecords("run-1")
	if err != nil {
		t.Fatalf("ListRecoveryRecords failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("ListRecoveryRecords returned %d, want 1", len(records))
	}
}

func TestGetRecoveryRecord_Nonexistent(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	got, err := db.GetRecoveryRecord("run-1", "nonexistent")
	if err != nil {
		t.Fatalf("GetRecoveryRecord failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for nonexistent record, got %+v", got)
	}
}

func TestListRecoveryRecords(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	records := []*RecoveryRecord{
		{RunID: "run-1", SubtaskID: "st-a", FailureCount: 1, LastClassification: models.SeverityLow, Strategy: "retry", BreakerState: "closed", UpdatedAt: time.Now()},
		{RunID: "run-1", SubtaskID: "st-b", FailureCount: 3, LastClassification: models.SeverityHigh, Strategy: "graceful_degradation", BreakerState: "open", UpdatedAt: time.Now()},
	}
	for _, rec := range records {
		if err := db.SaveRecoveryRecord(rec); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	list, err := db.ListRecoveryRecords("run-1")
	if err != nil {
		t.Fatalf("ListRecoveryRecords failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListRecoveryRecords returned %d, want 2", len(list))
	}
	if list[0].SubtaskID != "st-a" || list[1].SubtaskID != "st-b" {
		t.Errorf("record order wrong: %s then %s", list[0].SubtaskID, list[1].SubtaskID)
	}
	if list[1].BreakerState != "open" {
		t.Errorf("BreakerState = %q, want open", list[1].BreakerState)
	}
}

// Partial result tests

func TestSaveAndGetPartialResult(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run-1")

	p := &models.PartialResult{
		RunID:        "run-1",
		CompletedIDs: []string{"st-a", "st-b"},
		Failed: []models.FailedSubtask{
			{ID: "st-c", Classification: models.SeverityHigh, Error: "worker crashed"},
		},
		PendingIDs:          []string{"st-d", "st-e"},
		Fraction:            0.7,
		UnresolvedConflicts: []string{"conf-9"},
		AcceptedAt:          time.Now(),
	}
	if err := db.SavePartialResult(p); err != nil {
		t.Fatalf("SavePartialResult failed: %v", err)
	}

	got, err := db.GetPartialResult("run-1")
	if err != nil {
		t.Fatalf("GetPartialResult failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetPartialResult returned nil")
	}
	if len(got.CompletedIDs) != 2 {
		t.Errorf("CompletedIDs len = %d, want 2", len(got.CompletedIDs))
	}
	if len(got.Failed) != 1 || got.Failed[0].Classification != models.SeverityHigh {
		t.Errorf("Failed = %+v, want st-c classified high", got.Failed)
	}
	if len(got.PendingIDs) != 2 {
		t.Errorf("PendingIDs len = %d, want 2", len(got.PendingIDs))
	}
	if got.Fraction != 0.7 {
		t.Errorf("Fraction = %v, want 0.7", got.Fraction)
	}
	if len(got.UnresolvedConflicts) != 1 || got.UnresolvedConflicts[0] != "conf-9" {
		t.Errorf("UnresolvedConflicts = %v, want [conf-9]", got.UnresolvedConflicts)
	}
}

func TestGetPartialResult_Nonexistent(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetPartialResult("nonexistent")
	if err != nil {
		t.Fatalf("GetPartialResult failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for nonexistent partial result, got %+v", got)
	}
}

// ResumeManager tests

func TestNewResumeManager(t *testing.T) {
	db := setupTestDB(t)
	rm := NewResumeManager(db)
	if rm == nil {
		t.Fatal("NewResumeManager returned nil")
	}
	if rm.db != db {
		t.Error("ResumeManager.db not set correctly")
	}
}

func TestCheckForInterrupted_NoRuns(t *testing.T) {
	db := setupTestDB(t)
	rm := NewResumeManager(db)

	interrupted, err := rm.CheckForInterrupted()
	if err != nil {
		t.Fatalf("CheckForInterrupted failed: %v", err)
	}
	if interrupted != nil {
		t.Errorf("expected nil when no runs, got %+v", interrupted)
	}
}

func TestCheckForInterrupted_TerminalRuns(t *testing.T) {
	db := setupTestDB(t)
	rm := NewResumeManager(db)

	now := time.Now()
	runs := []*Run{
		{ID: "run-done", Goal: "finished", Status: models.RunCompleted, StartedAt: now.Add(-2 * time.Hour)},
		{ID: "run-partial", Goal: "degraded", Status: models.RunPartial, StartedAt: now.Add(-1 * time.Hour)},
		{ID: "run-aborted", Goal: "canceled", Status: models.RunAborted, StartedAt: now},
	}
	for _, r := range runs {
		if err := db.CreateRun(r); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	interrupted, err := rm.CheckForInterrupted()
	if err != nil {
		t.Fatalf("CheckForInterrupted failed: %v", err)
	}
	if interrupted != nil {
		t.Errorf("expected nil for terminal runs, got %+v", interrupted)
	}
}

func TestCheckForInterrupted_ActiveRun(t *testing.T) {
	db := setupTestDB(t)
	rm := NewResumeManager(db)

	started := time.Now().Add(-1 * time.Hour)
	run := &Run{ID: "run-live", Goal: "ongoing", Status: models.RunActive, StartedAt: started}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	subtasks := []*models.Subtask{
		{ID: "st-claimed", Status: models.SubtaskClaimed, Priority: models.PriorityMedium, AssignedTo: "w1", Weight: 1, CreatedAt: started},
		{ID: "st-running", Status: models.SubtaskRunning, Priority: models.PriorityMedium, AssignedTo: "w2", Weight: 1, CreatedAt: started},
		{ID: "st-done", Status: models.SubtaskDone, Priority: models.PriorityMedium, Weight: 1, CreatedAt: started},
	}
	for _, st := range subtasks {
		if err := db.CreateSubtask("run-live", st); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}
	if _, err := db.RecordClaim("run-live", "st-claimed", "w1"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	interrupted, err := rm.CheckForInterrupted()
	if err != nil {
		t.Fatalf("CheckForInterrupted failed: %v", err)
	}
	if interrupted == nil {
		t.Fatal("expected interrupted run, got nil")
	}
	if interrupted.RunID != "run-live" {
		t.Errorf("RunID = %s, want run-live", interrupted.RunID)
	}
	if interrupted.InFlight != 2 {
		t.Errorf("InFlight = %d, want 2", interrupted.InFlight)
	}
	// The open claim is newer than the run start
	if !interrupted.LastActivity.After(started) {
		t.Errorf("LastActivity = %v, want after %v", interrupted.LastActivity, started)
	}
}

func TestResume(t *testing.T) {
	db := setupTestDB(t)
	rm := NewResumeManager(db)
	seedRun(t, db, "run-1")

	subtasks := []*models.Subtask{
		{ID: "st-claimed", Status: models.SubtaskClaimed, Priority: models.PriorityMedium, AssignedTo: "w1", Weight: 1, CreatedAt: time.Now()},
		{ID: "st-running", Status: models.SubtaskRunning, Priority: models.PriorityMedium, AssignedTo: "w2", Weight: 1, CreatedAt: time.Now()},
		{ID: "st-done", Status: models.SubtaskDone, Priority: models.PriorityMedium, Weight: 1, CreatedAt: time.Now()},
	}
	for _, st := range subtasks {
		if err := db.CreateSubtask("run-1", st); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}
	if _, err := db.RecordClaim("run-1", "st-claimed", "w1"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := db.RecordClaim("run-1", "st-running", "w2"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := rm.Resume("run-1"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	// In-flight subtasks went back to ready with assignment cleared
	for _, id := range []string{"st-claimed", "st-running"} {
		got, err := db.GetSubtask("run-1", id)
		if err != nil {
			t.Fatalf("GetSubtask failed: %v", err)
		}
		if got.Status != models.SubtaskReady {
			t.Errorf("%s status = %s, want %s", id, got.Status, models.SubtaskReady)
		}
		if got.AssignedTo != "" {
			t.Errorf("%s still assigned to %s", id, got.AssignedTo)
		}
	}

	// Completed work is untouched
	done, err := db.GetSubtask("run-1", "st-done")
	if err != nil {
		t.Fatalf("GetSubtask failed: %v", err)
	}
	if done.Status != models.SubtaskDone {
		t.Errorf("st-done status = %s, want %s", done.Status, models.SubtaskDone)
	}

	// Claims were released with the resume reason
	open, err := db.ListOpenClaims("run-1")
	if err != nil {
		t.Fatalf("ListOpenClaims failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open claims after resume, got %d", len(open))
	}
	claims, err := db.ListClaims("run-1", "st-claimed")
	if err != nil {
		t.Fatalf("ListClaims failed: %v", err)
	}
	if len(claims) != 1 || claims[0].Reason != "resume" {
		t.Errorf("claim not released with resume reason: %+v", claims)
	}
}

func TestResume_NotFound(t *testing.T) {
	db := setupTestDB(t)
	rm := NewResumeManager(db)

	if err := rm.Resume("nonexistent"); err == nil {
		t.Error("expected error resuming nonexistent run")
	}
}

func TestClean(t *testing.T) {
	db := setupTestDB(t)
	rm := NewResumeManager(db)
	seedRun(t, db, "run-1")

	subtasks := []*models.Subtask{
		{ID: "st-running", Status: models.SubtaskRunning, Priority: models.PriorityMedium, AssignedTo: "w1", Weight: 1, CreatedAt: time.Now()},
		{ID: "st-done", Status: models.SubtaskDone, Priority: models.PriorityMedium, Weight: 1, CreatedAt: time.Now()},
	}
	for _, st := range subtasks {
		if err := db.CreateSubtask("run-1", st); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}
	if _, err := db.RecordClaim("run-1", "st-running", "w1"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := rm.Clean("run-1"); err != nil {
		t.Fatalf("Clean failed: %v", err)
	}

	// In-flight work is failed
	got, err := db.GetSubtask("run-1", "st-running")
	if err != nil {
		t.Fatalf("GetSubtask failed: %v", err)
	}
	if got.Status != models.SubtaskFailed {
		t.Errorf("st-running status = %s, want %s", got.Status, models.SubtaskFailed)
	}
	if got.Error != "run interrupted" {
		t.Errorf("st-running error = %q, want run interrupted", got.Error)
	}

	// Run is aborted with a completion time
	run, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != models.RunAborted {
		t.Errorf("run status = %s, want %s", run.Status, models.RunAborted)
	}
	if run.CompletedAt == nil {
		t.Error("run CompletedAt should be set after clean")
	}

	// No open claims remain
	open, err := db.ListOpenClaims("run-1")
	if err != nil {
		t.Fatalf("ListOpenClaims failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open claims after clean, got %d", len(open))
	}
}
