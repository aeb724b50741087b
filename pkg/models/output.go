package models

import "time"

// Output represents the result a worker submitted for a subtask.
type Output struct {
	// ID is the unique identifier for this output.
	ID string `json:"id"`
	// SubtaskID is the subtask this output belongs to.
	SubtaskID string `json:"subtask_id"`
	// WorkerID is the worker that produced the output.
	WorkerID string `json:"worker_id"`
	// Payload is the opaque result content.
	Payload string `json:"payload"`
	// ScopeKey identifies the shared scope this output touches, if any.
	// Outputs from different subtasks with the same scope key can conflict.
	ScopeKey string `json:"scope_key,omitempty"`
	// SubmittedAt is when the worker handed the output back.
	SubmittedAt time.Time `json:"submitted_at"`
	// Superseded is true once a conflict resolution picked a different output.
	// Superseded outputs are retained for audit.
	Superseded bool `json:"superseded,omitempty"`
}

// RunStatus represents the overall outcome of a run.
type RunStatus string

const (
	// RunActive indicates the run is in progress.
	RunActive RunStatus = "active"
	// RunCompleted indicates every subtask finished successfully.
	RunCompleted RunStatus = "completed"
	// RunPartial indicates the run degraded to a partial result.
	RunPartial RunStatus = "partial"
	// RunFailed indicates the run ended below the acceptance threshold.
	RunFailed RunStatus = "failed"
	// RunAborted indicates the run was canceled before finishing.
	RunAborted RunStatus = "aborted"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunActive, RunCompleted, RunPartial, RunFailed, RunAborted:
		return true
	default:
		return false
	}
}

// FailedSubtask pairs a failed subtask with its final error classification.
type FailedSubtask struct {
	// ID is the failed subtask.
	ID string `json:"id"`
	// Classification is the severity of the final failure.
	Classification Severity `json:"classification"`
	// Error is the final failure message.
	Error string `json:"error,omitempty"`
}

// PartialResult captures what a degraded or aborted run managed to complete.
type PartialResult struct {
	// RunID is the run this result belongs to.
	RunID string `json:"run_id"`
	// CompletedIDs lists subtasks that finished successfully.
	CompletedIDs []string `json:"completed_ids"`
	// Failed lists subtasks that exhausted recovery, with classification.
	Failed []FailedSubtask `json:"failed"`
	// PendingIDs lists subtasks never reaching a terminal state, usually
	// because a failed ancestor blocked them.
	PendingIDs []string `json:"pending_ids"`
	// Fraction is completed weight divided by total weight, in [0,1].
	Fraction float64 `json:"fraction"`
	// UnresolvedConflicts lists conflict IDs still awaiting escalation.
	UnresolvedConflicts []string `json:"unresolved_conflicts,omitempty"`
	// AcceptedAt is when the degraded result was accepted.
	AcceptedAt time.Time `json:"accepted_at"`
}
