package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gafferd/gaffer/pkg/models"
)

// Claim is one row in the claim audit trail. Every successful claim is
// recorded, and releases (worker done, stale sweep, resume) close the row
// rather than delete it.
type Claim struct {
	// ID is the auto-assigned row identifier.
	ID int64 `json:"id"`
	// RunID is the run the claim belongs to.
	RunID string `json:"run_id"`
	// SubtaskID is the claimed subtask.
	SubtaskID string `json:"subtask_id"`
	// WorkerID is the worker that won the claim.
	WorkerID string `json:"worker_id"`
	// ClaimedAt is when the claim was taken.
	ClaimedAt time.Time `json:"claimed_at"`
	// ReleasedAt is when the claim was released, if it has been.
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	// Reason records why the claim was released.
	Reason string `json:"reason,omitempty"`
}

// Claim audit operations

// RecordClaim appends a claim to the audit trail and returns its row ID.
func (db *DB) RecordClaim(runID, subtaskID, workerID string) (int64, error) {
	result, err := db.Exec(`
		INSERT INTO claims (run_id, subtask_id, worker_id, claimed_at)
		VALUES (?, ?, ?, ?)
	`, runID, subtaskID, workerID, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("record claim: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get claim id: %w", err)
	}
	return id, nil
}

// ReleaseClaim closes a claim row with the given reason.
func (db *DB) ReleaseClaim(id int64, reason string) error {
	_, err := db.Exec(`
		UPDATE claims SET released_at = ?, reason = ? WHERE id = ?
	`, formatTime(time.Now()), reason, id)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// ListClaims lists the claim history for a subtask, oldest first.
func (db *DB) ListClaims(runID, subtaskID string) ([]Claim, error) {
	rows, err := db.Query(`
		SELECT id, run_id, subtask_id, worker_id, claimed_at, released_at, reason
		FROM claims WHERE run_id = ? AND subtask_id = ? ORDER BY id
	`, runID, subtaskID)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	return scanClaims(rows)
}

// ListOpenClaims lists claims in a run that have not been released.
func (db *DB) ListOpenClaims(runID string) ([]Claim, error) {
	rows, err := db.Query(`
		SELECT id, run_id, subtask_id, worker_id, claimed_at, released_at, reason
		FROM claims WHERE run_id = ? AND released_at IS NULL ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list open claims: %w", err)
	}
	defer rows.Close()

	return scanClaims(rows)
}

// scanClaims scans claim rows into a slice.
func scanClaims(rows *sql.Rows) ([]Claim, error) {
	var claims []Claim
	for rows.Next() {
		var c Claim
		var claimedAt string
		var releasedAt, reason sql.NullString
		if err := rows.Scan(&c.ID, &c.RunID, &c.SubtaskID, &c.WorkerID, &claimedAt, &releasedAt, &reason); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		c.ClaimedAt, _ = parseTime(claimedAt)
		c.ReleasedAt = parseNullableTime(releasedAt)
		if reason.Valid {
			c.Reason = reason.String
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// Output audit operations

// SaveOutput persists a worker output under the given run.
func (db *DB) SaveOutput(runID string, o *models.Output) error {
	_, err := db.Exec(`
		INSERT INTO outputs (id, run_id, subtask_id, worker_id, payload, scope_key, submitted_at, superseded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, runID, o.SubtaskID, o.WorkerID, o.Payload, o.ScopeKey, formatTime(o.SubmittedAt), boolToInt(o.Superseded))
	if err != nil {
		return fmt.Errorf("save output: %w", err)
	}
	return nil
}

// MarkOutputSuperseded flags an output as superseded by a resolution.
// The row is retained for audit.
func (db *DB) MarkOutputSuperseded(id string) error {
	_, err := db.Exec("UPDATE outputs SET superseded = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark output superseded: %w", err)
	}
	return nil
}

// ListOutputs lists all outputs for a subtask in submission order,
// superseded ones included.
func (db *DB) ListOutputs(runID, subtaskID string) ([]models.Output, error) {
	rows, err := db.Query(`
		SELECT id, subtask_id, worker_id, payload, scope_key, submitted_at, superseded
		FROM outputs WHERE run_id = ? AND subtask_id = ? ORDER BY submitted_at
	`, runID, subtaskID)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	var outputs []models.Output
	for rows.Next() {
		var o models.Output
		var payload, scopeKey sql.NullString
		var submittedAt string
		var superseded int
		if err := rows.Scan(&o.ID, &o.SubtaskID, &o.WorkerID, &payload, &scopeKey, &submittedAt, &superseded); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		if payload.Valid {
			o.Payload = payload.String
		}
		if scopeKey.Valid {
			o.ScopeKey = scopeKey.String
		}
		o.SubmittedAt, _ = parseTime(submittedAt)
		o.Superseded = superseded != 0
		outputs = append(outputs, o)
	}
	return outputs, nil
}

// Conflict audit operations

// SaveConflict persists a detected conflict. The disagreeing outputs are
// stored as a snapshot taken at detection time.
func (db *DB) SaveConflict(runID string, c *models.Conflict) error {
	outputs, _ := json.Marshal(c.Outputs)

	_, err := db.Exec(`
		INSERT INTO conflicts (id, run_id, type, subtask_id, scope_key, outputs, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, runID, string(c.Type), c.SubtaskID, c.ScopeKey, string(outputs), formatTime(c.DetectedAt))
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	return nil
}

// GetConflict retrieves a conflict by ID within a run.
func (db *DB) GetConflict(runID, id string) (*models.Conflict, error) {
	row := db.QueryRow(`
		SELECT id, type, subtask_id, scope_key, outputs, detected_at
		FROM conflicts WHERE run_id = ? AND id = ?
	`, runID, id)

	c, err := scanConflictRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return c, nil
}

// ListConflicts lists all conflicts in a run, oldest first.
func (db *DB) ListConflicts(runID string) ([]models.Conflict, error) {
	rows, err := db.Query(`
		SELECT id, type, subtask_id, scope_key, outputs, detected_at
		FROM conflicts WHERE run_id = ? ORDER BY detected_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	return scanConflicts(rows)
}

// ListUnresolvedConflicts lists conflicts in a run with no resolution, or
// whose resolution required escalation.
func (db *DB) ListUnresolvedConflicts(runID string) ([]models.Conflict, error) {
	rows, err := db.Query(`
		SELECT c.id, c.type, c.subtask_id, c.scope_key, c.outputs, c.detected_at
		FROM conflicts c
		LEFT JOIN resolutions r ON r.conflict_id = c.id
		WHERE c.run_id = ? AND (r.conflict_id IS NULL OR r.requires_escalation = 1)
		ORDER BY c.detected_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list unresolved conflicts: %w", err)
	}
	defer rows.Close()

	return scanConflicts(rows)
}

// scanConflictRow scans a single conflict row.
func scanConflictRow(row scanner) (*models.Conflict, error) {
	var c models.Conflict
	var detectedAt string
	var subtaskID, scopeKey, outputs sql.NullString
	err := row.Scan(&c.ID, &c.Type, &subtaskID, &scopeKey, &outputs, &detectedAt)
	if err != nil {
		return nil, err
	}

	if subtaskID.Valid {
		c.SubtaskID = subtaskID.String
	}
	if scopeKey.Valid {
		c.ScopeKey = scopeKey.String
	}
	if outputs.Valid {
		json.Unmarshal([]byte(outputs.String), &c.Outputs)
	}
	c.DetectedAt, _ = parseTime(detectedAt)
	return &c, nil
}

// scanConflicts scans conflict rows into a slice.
func scanConflicts(rows *sql.Rows) ([]models.Conflict, error) {
	var conflicts []models.Conflict
	for rows.Next() {
		c, err := scanConflictRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, nil
}

// Resolution audit operations

// SaveResolution persists the outcome of resolving a conflict. Saving again
// for the same conflict replaces the earlier outcome, which happens when an
// escalated conflict is later settled.
func (db *DB) SaveResolution(runID string, r *models.Resolution) error {
	loserIDs, _ := json.Marshal(r.LoserIDs)

	_, err := db.Exec(`
		INSERT INTO resolutions (conflict_id, run_id, strategy, winner_id, loser_ids, confidence,
			requires_escalation, rerun_subtask_id, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conflict_id) DO UPDATE SET
			strategy = excluded.strategy,
			winner_id = excluded.winner_id,
			loser_ids = excluded.loser_ids,
			confidence = excluded.confidence,
			requires_escalation = excluded.requires_escalation,
			rerun_subtask_id = excluded.rerun_subtask_id,
			resolved_at = excluded.resolved_at
	`, r.ConflictID, runID, string(r.Strategy), r.WinnerID, string(loserIDs), r.Confidence,
		boolToInt(r.RequiresEscalation), r.RerunSubtaskID, formatTime(r.ResolvedAt))
	if err != nil {
		return fmt.Errorf("save resolution: %w", err)
	}
	return nil
}

// GetResolution retrieves the resolution for a conflict, if one exists.
func (db *DB) GetResolution(conflictID string) (*models.Resolution, error) {
	row := db.QueryRow(`
		SELECT conflict_id, strategy, winner_id, loser_ids, confidence, requires_escalation,
			rerun_subtask_id, resolved_at
		FROM resolutions WHERE conflict_id = ?
	`, conflictID)

	var r models.Resolution
	var resolvedAt string
	var winnerID, loserIDs, rerunID sql.NullString
	var escalation int
	err := row.Scan(&r.ConflictID, &r.Strategy, &winnerID, &loserIDs, &r.Confidence, &escalation, &rerunID, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get resolution: %w", err)
	}

	if winnerID.Valid {
		r.WinnerID = winnerID.String
	}
	if loserIDs.Valid {
		json.Unmarshal([]byte(loserIDs.String), &r.LoserIDs)
	}
	if rerunID.Valid {
		r.RerunSubtaskID = rerunID.String
	}
	r.RequiresEscalation = escalation != 0
	r.ResolvedAt, _ = parseTime(resolvedAt)
	return &r, nil
}

// boolToInt converts a bool to its SQLite storage form.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
