// Package state provides SQLite-based persistence for Gaffer runs.
package state

import (
	"io"

	"github.com/gafferd/gaffer/pkg/models"
)

// RunStore handles run-related persistence operations.
type RunStore interface {
	CreateRun(r *Run) error
	GetRun(id string) (*Run, error)
	UpdateRun(r *Run) error
	ListRuns(status *models.RunStatus) ([]Run, error)
	GetActiveRun() (*Run, error)
}

// SubtaskStore handles subtask-related persistence operations.
type SubtaskStore interface {
	CreateSubtask(runID string, st *models.Subtask) error
	GetSubtask(runID, id string) (*models.Subtask, error)
	UpdateSubtask(runID string, st *models.Subtask) error
	ListSubtasks(runID string, status *models.SubtaskStatus) ([]models.Subtask, error)
	ListUnblockedSubtasks(runID string) ([]models.Subtask, error)
	ListInFlightSubtasks(runID string) ([]models.Subtask, error)
}

// ClaimStore maintains the claim audit trail.
type ClaimStore interface {
	RecordClaim(runID, subtaskID, workerID string) (int64, error)
	ReleaseClaim(id int64, reason string) error
	ListClaims(runID, subtaskID string) ([]Claim, error)
	ListOpenClaims(runID string) ([]Claim, error)
}

// ConflictStore maintains the output and conflict audit trails.
type ConflictStore interface {
	SaveOutput(runID string, o *models.Output) error
	MarkOutputSuperseded(id string) error
	ListOutputs(runID, subtaskID string) ([]models.Output, error)
	SaveConflict(runID string, c *models.Conflict) error
	GetConflict(runID, id string) (*models.Conflict, error)
	ListConflicts(runID string) ([]models.Conflict, error)
	ListUnresolvedConflicts(runID string) ([]models.Conflict, error)
	SaveResolution(runID string, r *models.Resolution) error
	GetResolution(conflictID string) (*models.Resolution, error)
}

// RecoveryStore persists failure histories and partial results.
type RecoveryStore interface {
	SaveRecoveryRecord(rec *RecoveryRecord) error
	GetRecoveryRecord(runID, subtaskID string) (*RecoveryRecord, error)
	ListRecoveryRecords(runID string) ([]RecoveryRecord, error)
	SavePartialResult(p *models.PartialResult) error
	GetPartialResult(runID string) (*models.PartialResult, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore defines the interface for state persistence.
// This interface allows the orchestrator to work with any state backend
// without depending on the concrete SQLite implementation.
// It composes focused sub-interfaces for better modularity.
type StateStore interface {
	io.Closer
	Migrator
	RunStore
	SubtaskStore
	ClaimStore
	ConflictStore
	RecoveryStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore    = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
	_ RunStore      = (*DB)(nil)
	_ SubtaskStore  = (*DB)(nil)
	_ ClaimStore    = (*DB)(nil)
	_ ConflictStore = (*DB)(nil)
	_ RecoveryStore = (*DB)(nil)
)
