package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gafferd/gaffer/pkg/models"
)

// Run represents one scheduling run over a dependency graph.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`
	// Goal describes what the run is trying to accomplish.
	Goal string `json:"goal"`
	// Status is the current state of the run.
	Status models.RunStatus `json:"status"`
	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the run reached a terminal status, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Fraction is the completed weight divided by total weight, in [0,1].
	Fraction float64 `json:"fraction"`
}

// Run CRUD operations

// CreateRun creates a new run.
func (db *DB) CreateRun(r *Run) error {
	_, err := db.Exec(`
		INSERT INTO runs (id, goal, status, started_at, completed_at, fraction)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Goal, string(r.Status), formatTime(r.StartedAt), nullableTimeString(r.CompletedAt), r.Fraction)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, goal, status, started_at, completed_at, fraction
		FROM runs WHERE id = ?
	`, id)

	var r Run
	var startedAt string
	var completedAt sql.NullString
	err := row.Scan(&r.ID, &r.Goal, &r.Status, &startedAt, &completedAt, &r.Fraction)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	r.StartedAt, _ = parseTime(startedAt)
	r.CompletedAt = parseNullableTime(completedAt)
	return &r, nil
}

// UpdateRun updates a run.
func (db *DB) UpdateRun(r *Run) error {
	_, err := db.Exec(`
		UPDATE runs SET goal = ?, status = ?, completed_at = ?, fraction = ?
		WHERE id = ?
	`, r.Goal, string(r.Status), nullableTimeString(r.CompletedAt), r.Fraction, r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// DeleteRun deletes a run by ID. Child rows cascade.
func (db *DB) DeleteRun(id string) error {
	_, err := db.Exec("DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// ListRuns lists all runs, optionally filtered by status.
func (db *DB) ListRuns(status *models.RunStatus) ([]Run, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`
			SELECT id, goal, status, started_at, completed_at, fraction
			FROM runs WHERE status = ? ORDER BY started_at DESC
		`, string(*status))
	} else {
		rows, err = db.Query(`
			SELECT id, goal, status, started_at, completed_at, fraction
			FROM runs ORDER BY started_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Goal, &r.Status, &startedAt, &completedAt, &r.Fraction); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = parseTime(startedAt)
		r.CompletedAt = parseNullableTime(completedAt)
		runs = append(runs, r)
	}
	return runs, nil
}

// GetActiveRun returns the current active run, if any.
func (db *DB) GetActiveRun() (*Run, error) {
	status := models.RunActive
	runs, err := db.ListRuns(&status)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// Subtask CRUD operations

// CreateSubtask persists a subtask under the given run.
func (db *DB) CreateSubtask(runID string, st *models.Subtask) error {
	dependsOn, _ := json.Marshal(st.DependsOn)
	capabilities, _ := json.Marshal(st.Capabilities)
	criteria, _ := json.Marshal(st.AcceptanceCriteria)

	_, err := db.Exec(`
		INSERT INTO subtasks (id, run_id, description, status, priority, depends_on, capabilities,
			acceptance_criteria, weight, assigned_to, attempts, last_error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, runID, st.Description, string(st.Status), string(st.Priority), string(dependsOn),
		string(capabilities), string(criteria), st.Weight, st.AssignedTo, st.Attempts, st.Error,
		formatTime(st.CreatedAt), nullableTimeString(st.CompletedAt))
	if err != nil {
		return fmt.Errorf("create subtask: %w", err)
	}
	return nil
}

// GetSubtask retrieves a subtask by run and ID.
func (db *DB) GetSubtask(runID, id string) (*models.Subtask, error) {
	row := db.QueryRow(`
		SELECT id, description, status, priority, depends_on, capabilities, acceptance_criteria,
			weight, assigned_to, attempts, last_error, created_at, completed_at
		FROM subtasks WHERE run_id = ? AND id = ?
	`, runID, id)

	st, err := scanSubtaskRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subtask: %w", err)
	}
	return st, nil
}

// UpdateSubtask updates a subtask under the given run.
func (db *DB) UpdateSubtask(runID string, st *models.Subtask) error {
	dependsOn, _ := json.Marshal(st.DependsOn)
	capabilities, _ := json.Marshal(st.Capabilities)
	criteria, _ := json.Marshal(st.AcceptanceCriteria)

	_, err := db.Exec(`
		UPDATE subtasks SET description = ?, status = ?, priority = ?, depends_on = ?,
			capabilities = ?, acceptance_criteria = ?, weight = ?, assigned_to = ?,
			attempts = ?, last_error = ?, completed_at = ?
		WHERE run_id = ? AND id = ?
	`, st.Description, string(st.Status), string(st.Priority), string(dependsOn),
		string(capabilities), string(criteria), st.Weight, st.AssignedTo, st.Attempts, st.Error,
		nullableTimeString(st.CompletedAt), runID, st.ID)
	if err != nil {
		return fmt.Errorf("update subtask: %w", err)
	}
	return nil
}

// DeleteSubtask deletes a subtask by run and ID.
func (db *DB) DeleteSubtask(runID, id string) error {
	_, err := db.Exec("DELETE FROM subtasks WHERE run_id = ? AND id = ?", runID, id)
	if err != nil {
		return fmt.Errorf("delete subtask: %w", err)
	}
	return nil
}

// ListSubtasks lists all subtasks in a run, optionally filtered by status.
func (db *DB) ListSubtasks(runID string, status *models.SubtaskStatus) ([]models.Subtask, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`
			SELECT id, description, status, priority, depends_on, capabilities, acceptance_criteria,
				weight, assigned_to, attempts, last_error, created_at, completed_at
			FROM subtasks WHERE run_id = ? AND status = ? ORDER BY created_at
		`, runID, string(*status))
	} else {
		rows, err = db.Query(`
			SELECT id, description, status, priority, depends_on, capabilities, acceptance_criteria,
				weight, assigned_to, attempts, last_error, created_at, completed_at
			FROM subtasks WHERE run_id = ? ORDER BY created_at
		`, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	return scanSubtasks(rows)
}

// ListUnblockedSubtasks lists pending subtasks whose dependencies have all
// completed. These are the subtasks eligible for promotion to ready.
func (db *DB) ListUnblockedSubtasks(runID string) ([]models.Subtask, error) {
	status := models.SubtaskPending
	pending, err := db.ListSubtasks(runID, &status)
	if err != nil {
		return nil, err
	}

	var unblocked []models.Subtask
	for _, st := range pending {
		if len(st.DependsOn) == 0 {
			unblocked = append(unblocked, st)
			continue
		}

		allDone := true
		for _, depID := range st.DependsOn {
			dep, err := db.GetSubtask(runID, depID)
			if err != nil {
				return nil, err
			}
			if dep == nil || dep.Status != models.SubtaskDone {
				allDone = false
				break
			}
		}
		if allDone {
			unblocked = append(unblocked, st)
		}
	}

	return unblocked, nil
}

// ListInFlightSubtasks lists subtasks that are claimed or running. These are
// the subtasks a resume has to reconcile after an interrupted run.
func (db *DB) ListInFlightSubtasks(runID string) ([]models.Subtask, error) {
	rows, err := db.Query(`
		SELECT id, description, status, priority, depends_on, capabilities, acceptance_criteria,
			weight, assigned_to, attempts, last_error, created_at, completed_at
		FROM subtasks WHERE run_id = ? AND status IN (?, ?) ORDER BY created_at
	`, runID, string(models.SubtaskClaimed), string(models.SubtaskRunning))
	if err != nil {
		return nil, fmt.Errorf("list in-flight subtasks: %w", err)
	}
	defer rows.Close()

	return scanSubtasks(rows)
}

// nullableTimeString converts an optional time to its storage form.
func nullableTimeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// scanner abstracts sql.Row and sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...any) error
}

// scanSubtaskRow scans a single subtask row.
func scanSubtaskRow(row scanner) (*models.Subtask, error) {
	var st models.Subtask
	var createdAt string
	var completedAt sql.NullString
	var description, dependsOn, capabilities, criteria, assignedTo, lastError sql.NullString
	err := row.Scan(&st.ID, &description, &st.Status, &st.Priority, &dependsOn, &capabilities,
		&criteria, &st.Weight, &assignedTo, &st.Attempts, &lastError, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		st.Description = description.String
	}
	if dependsOn.Valid {
		json.Unmarshal([]byte(dependsOn.String), &st.DependsOn)
	}
	if capabilities.Valid {
		json.Unmarshal([]byte(capabilities.String), &st.Capabilities)
	}
	if criteria.Valid {
		json.Unmarshal([]byte(criteria.String), &st.AcceptanceCriteria)
	}
	if assignedTo.Valid {
		st.AssignedTo = assignedTo.String
	}
	if lastError.Valid {
		st.Error = lastError.String
	}
	st.CreatedAt, _ = parseTime(createdAt)
	st.CompletedAt = parseNullableTime(completedAt)
	return &st, nil
}

// scanSubtasks scans subtask rows into a slice.
func scanSubtasks(rows *sql.Rows) ([]models.Subtask, error) {
	var subtasks []models.Subtask
	for rows.Next() {
		st, err := scanSubtaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		subtasks = append(subtasks, *st)
	}
	return subtasks, nil
}
