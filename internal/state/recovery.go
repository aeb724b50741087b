package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gafferd/gaffer/pkg/models"
)

// RecoveryRecord is the persisted failure history for one subtask. It
// survives for the life of the run; a later success does not erase it.
type RecoveryRecord struct {
	// RunID is the run the record belongs to.
	RunID string `json:"run_id"`
	// SubtaskID is the subtask this record tracks.
	SubtaskID string `json:"subtask_id"`
	// FailureCount is the number of failures observed so far.
	FailureCount int `json:"failure_count"`
	// LastClassification is the severity of the most recent failure.
	LastClassification models.Severity `json:"last_classification"`
	// LastError is the most recent failure message.
	LastError string `json:"last_error,omitempty"`
	// Strategy is the recovery action chosen at the last failure.
	Strategy string `json:"strategy"`
	// BreakerState snapshots the guarding circuit at the last update.
	BreakerState string `json:"breaker_state"`
	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Recovery record operations

// SaveRecoveryRecord inserts or updates the failure history for a subtask.
func (db *DB) SaveRecoveryRecord(rec *RecoveryRecord) error {
	_, err := db.Exec(`
		INSERT INTO recovery_records (run_id, subtask_id, failure_count, last_classification,
			last_error, strategy, breaker_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, subtask_id) DO UPDATE SET
			failure_count = excluded.failure_count,
			last_classification = excluded.last_classification,
			last_error = excluded.last_error,
			strategy = excluded.strategy,
			breaker_state = excluded.breaker_state,
			updated_at = excluded.updated_at
	`, rec.RunID, rec.SubtaskID, rec.FailureCount, string(rec.LastClassification),
		rec.LastError, rec.Strategy, rec.BreakerState, formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save recovery record: %w", err)
	}
	return nil
}

// GetRecoveryRecord retrieves the failure history for a subtask.
func (db *DB) GetRecoveryRecord(runID, subtaskID string) (*RecoveryRecord, error) {
	row := db.QueryRow(`
		SELECT run_id, subtask_id, failure_count, last_classification, last_error,
			strategy, breaker_state, updated_at
		FROM recovery_records WHERE run_id = ? AND subtask_id = ?
	`, runID, subtaskID)

	rec, err := scanRecoveryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recovery record: %w", err)
	}
	return rec, nil
}

// ListRecoveryRecords lists all failure histories in a run.
func (db *DB) ListRecoveryRecords(runID string) ([]RecoveryRecord, error) {
	rows, err := db.Query(`
		SELECT run_id, subtask_id, failure_count, last_classification, last_error,
			strategy, breaker_state, updated_at
		FROM recovery_records WHERE run_id = ? ORDER BY subtask_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list recovery records: %w", err)
	}
	defer rows.Close()

	var records []RecoveryRecord
	for rows.Next() {
		rec, err := scanRecoveryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recovery record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, nil
}

// scanRecoveryRow scans a single recovery record row.
func scanRecoveryRow(row scanner) (*RecoveryRecord, error) {
	var rec RecoveryRecord
	var updatedAt string
	var classification, lastError, strategy, breakerState sql.NullString
	err := row.Scan(&rec.RunID, &rec.SubtaskID, &rec.FailureCount, &classification,
		&lastError, &strategy, &breakerState, &updatedAt)
	if err != nil {
		return nil, err
	}

	if classification.Valid {
		rec.LastClassification = models.Severity(classification.String)
	}
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	if strategy.Valid {
		rec.Strategy = strategy.String
	}
	if breakerState.Valid {
		rec.BreakerState = breakerState.String
	}
	rec.UpdatedAt, _ = parseTime(updatedAt)
	return &rec, nil
}

// Partial result operations

// SavePartialResult persists the partial result accepted for a run.
func (db *DB) SavePartialResult(p *models.PartialResult) error {
	completed, _ := json.Marshal(p.CompletedIDs)
	failed, _ := json.Marshal(p.Failed)
	pending, _ := json.Marshal(p.PendingIDs)
	unresolved, _ := json.Marshal(p.UnresolvedConflicts)

	_, err := db.Exec(`
		INSERT INTO partial_results (run_id, completed, failed, pending, fraction, unresolved, accepted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			completed = excluded.completed,
			failed = excluded.failed,
			pending = excluded.pending,
			fraction = excluded.fraction,
			unresolved = excluded.unresolved,
			accepted_at = excluded.accepted_at
	`, p.RunID, string(completed), string(failed), string(pending), p.Fraction,
		string(unresolved), formatTime(p.AcceptedAt))
	if err != nil {
		return fmt.Errorf("save partial result: %w", err)
	}
	return nil
}

// GetPartialResult retrieves the partial result for a run, if one exists.
func (db *DB) GetPartialResult(runID string) (*models.PartialResult, error) {
	row := db.QueryRow(`
		SELECT run_id, completed, failed, pending, fraction, unresolved, accepted_at
		FROM partial_results WHERE run_id = ?
	`, runID)

	var p models.PartialResult
	var acceptedAt string
	var completed, failed, pending, unresolved sql.NullString
	err := row.Scan(&p.RunID, &completed, &failed, &pending, &p.Fraction, &unresolved, &acceptedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get partial result: %w", err)
	}

	if completed.Valid {
		json.Unmarshal([]byte(completed.String), &p.CompletedIDs)
	}
	if failed.Valid {
		json.Unmarshal([]byte(failed.String), &p.Failed)
	}
	if pending.Valid {
		json.Unmarshal([]byte(pending.String), &p.PendingIDs)
	}
	if unresolved.Valid {
		json.Unmarshal([]byte(unresolved.String), &p.UnresolvedConflicts)
	}
	p.AcceptedAt, _ = parseTime(acceptedAt)
	return &p, nil
}

// InterruptedRun contains information about an interrupted run detected on startup.
type InterruptedRun struct {
	RunID        string
	StartedAt    time.Time
	LastActivity time.Time
	InFlight     int
	Status       string
}

// ResumeManager handles detection and recovery of interrupted runs.
type ResumeManager struct {
	db *DB
}

// NewResumeManager creates a new ResumeManager with the given database.
func NewResumeManager(db *DB) *ResumeManager {
	return &ResumeManager{db: db}
}

// CheckForInterrupted detects any interrupted run on startup.
// It looks for runs that never reached a terminal status and counts the
// subtasks still claimed or running. Returns nil if nothing was interrupted.
func (rm *ResumeManager) CheckForInterrupted() (*InterruptedRun, error) {
	runs, err := rm.db.ListRuns(nil)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	for _, r := range runs {
		// Skip runs that reached a terminal status
		if r.Status != models.RunActive {
			continue
		}

		inFlight, err := rm.db.ListInFlightSubtasks(r.ID)
		if err != nil {
			return nil, fmt.Errorf("list in-flight subtasks: %w", err)
		}

		// The newest open claim is the best signal of when work last moved
		lastActivity := r.StartedAt
		claims, err := rm.db.ListOpenClaims(r.ID)
		if err != nil {
			return nil, fmt.Errorf("list open claims: %w", err)
		}
		for _, c := range claims {
			if c.ClaimedAt.After(lastActivity) {
				lastActivity = c.ClaimedAt
			}
		}

		return &InterruptedRun{
			RunID:        r.ID,
			StartedAt:    r.StartedAt,
			LastActivity: lastActivity,
			InFlight:     len(inFlight),
			Status:       string(r.Status),
		}, nil
	}

	return nil, nil
}

// Resume prepares an interrupted run to continue. Claimed and running
// subtasks go back to ready with their assignment cleared, and their open
// claims are released, so the scheduler can hand them out again.
func (rm *ResumeManager) Resume(runID string) error {
	run, err := rm.db.GetRun(runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	inFlight, err := rm.db.ListInFlightSubtasks(runID)
	if err != nil {
		return fmt.Errorf("list in-flight subtasks: %w", err)
	}

	for _, st := range inFlight {
		st.Status = models.SubtaskReady
		st.AssignedTo = ""
		if err := rm.db.UpdateSubtask(runID, &st); err != nil {
			return fmt.Errorf("reset subtask %s: %w", st.ID, err)
		}
		log.Printf("[state] reset interrupted subtask %s to ready", st.ID)
	}

	claims, err := rm.db.ListOpenClaims(runID)
	if err != nil {
		return fmt.Errorf("list open claims: %w", err)
	}
	for _, c := range claims {
		if err := rm.db.ReleaseClaim(c.ID, "resume"); err != nil {
			return fmt.Errorf("release claim %d: %w", c.ID, err)
		}
	}

	log.Printf("[state] run %s resumed, %d subtasks returned to ready", runID, len(inFlight))
	return nil
}

// Clean abandons an interrupted run. In-flight subtasks are marked failed,
// open claims are released, and the run is marked aborted.
func (rm *ResumeManager) Clean(runID string) error {
	run, err := rm.db.GetRun(runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	inFlight, err := rm.db.ListInFlightSubtasks(runID)
	if err != nil {
		return fmt.Errorf("list in-flight subtasks: %w", err)
	}

	for _, st := range inFlight {
		st.Status = models.SubtaskFailed
		st.AssignedTo = ""
		st.Error = "run interrupted"
		if err := rm.db.UpdateSubtask(runID, &st); err != nil {
			return fmt.Errorf("fail subtask %s: %w", st.ID, err)
		}
	}

	claims, err := rm.db.ListOpenClaims(runID)
	if err != nil {
		return fmt.Errorf("list open claims: %w", err)
	}
	for _, c := range claims {
		if err := rm.db.ReleaseClaim(c.ID, "clean"); err != nil {
			return fmt.Errorf("release claim %d: %w", c.ID, err)
		}
	}

	now := time.Now()
	run.Status = models.RunAborted
	run.CompletedAt = &now
	if err := rm.db.UpdateRun(run); err != nil {
		return fmt.Errorf("mark run aborted: %w", err)
	}

	log.Printf("[state] run %s cleaned up and marked aborted", runID)
	return nil
}
