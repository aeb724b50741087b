package models

import "time"

// SubtaskStatus represents the current state of a subtask.
type SubtaskStatus string

const (
	// SubtaskPending indicates the subtask is waiting on dependencies.
	SubtaskPending SubtaskStatus = "pending"
	// SubtaskReady indicates all dependencies are done and the subtask can be claimed.
	SubtaskReady SubtaskStatus = "ready"
	// SubtaskClaimed indicates a worker holds the claim but has not started.
	SubtaskClaimed SubtaskStatus = "claimed"
	// SubtaskRunning indicates a worker is executing the subtask.
	SubtaskRunning SubtaskStatus = "running"
	// SubtaskDone indicates the subtask completed successfully.
	SubtaskDone SubtaskStatus = "done"
	// SubtaskFailed indicates the subtask failed.
	SubtaskFailed SubtaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s SubtaskStatus) Valid() bool {
	switch s {
	case SubtaskPending, SubtaskReady, SubtaskClaimed, SubtaskRunning, SubtaskDone, SubtaskFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is an end state.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskDone || s == SubtaskFailed
}

// CanTransition returns true if moving from s to next is a legal step in the
// subtask lifecycle. Failed subtasks may return to ready when a retry is
// scheduled; done is final.
func (s SubtaskStatus) CanTransition(next SubtaskStatus) bool {
	switch s {
	case SubtaskPending:
		return next == SubtaskReady
	case SubtaskReady:
		return next == SubtaskClaimed
	case SubtaskClaimed:
		return next == SubtaskRunning || next == SubtaskReady
	case SubtaskRunning:
		return next == SubtaskDone || next == SubtaskFailed
	case SubtaskFailed:
		return next == SubtaskReady
	default:
		return false
	}
}

// Subtask represents a unit of work in the dependency graph.
type Subtask struct {
	// ID is the unique identifier for this subtask.
	ID string `json:"id"`
	// Description provides detailed information about the work.
	Description string `json:"description,omitempty"`
	// Status is the current state of the subtask.
	Status SubtaskStatus `json:"status"`
	// Priority determines dispatch ordering relative to other ready subtasks.
	Priority Priority `json:"priority"`
	// DependsOn lists subtask IDs that must complete before this one.
	DependsOn []string `json:"depends_on,omitempty"`
	// Capabilities lists the capability tags a worker must cover to execute this subtask.
	Capabilities []string `json:"capabilities,omitempty"`
	// AcceptanceCriteria defines what a worker's output must satisfy.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	// Weight is the estimated effort, in abstract units, used for planning.
	Weight float64 `json:"weight"`
	// AssignedTo is the ID of the worker holding the current claim.
	AssignedTo string `json:"assigned_to,omitempty"`
	// CreatedAt is when the subtask was registered.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the subtask reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error contains the most recent failure message, if any.
	Error string `json:"error,omitempty"`
	// Attempts is the number of times execution has been attempted.
	Attempts int `json:"attempts,omitempty"`
}
