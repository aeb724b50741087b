package orchestrator

import "time"

// EventType labels a scheduler lifecycle event.
type EventType string

const (
	// EventRunStarted fires once when the run loop begins.
	EventRunStarted EventType = "run_started"
	// EventSubtaskReady fires when a subtask's dependencies are all done
	// and it joins the claim queue.
	EventSubtaskReady EventType = "subtask_ready"
	// EventSubtaskClaimed fires when a worker wins the claim race.
	EventSubtaskClaimed EventType = "subtask_claimed"
	// EventSubtaskStarted fires when execution begins.
	EventSubtaskStarted EventType = "subtask_started"
	// EventSubtaskCompleted fires when a subtask reaches done.
	EventSubtaskCompleted EventType = "subtask_completed"
	// EventSubtaskFailed fires when an execution attempt fails.
	EventSubtaskFailed EventType = "subtask_failed"
	// EventSubtaskRetry fires when a failed or re-evaluated subtask goes
	// back to ready.
	EventSubtaskRetry EventType = "subtask_retry"
	// EventClaimReleased fires when a stale claim is swept back to the queue.
	EventClaimReleased EventType = "claim_released"
	// EventConflictDetected fires when worker outputs disagree.
	EventConflictDetected EventType = "conflict_detected"
	// EventConflictResolved fires when a resolution settled a conflict.
	EventConflictResolved EventType = "conflict_resolved"
	// EventEscalationRaised fires when a conflict or failure needs an
	// external decision.
	EventEscalationRaised EventType = "escalation_raised"
	// EventRunDegraded fires when the run gives up remaining work and
	// assembles a partial result.
	EventRunDegraded EventType = "run_degraded"
	// EventRunCompleted fires when every subtask finished.
	EventRunCompleted EventType = "run_completed"
	// EventRunAborted fires when the run is canceled or stopped.
	EventRunAborted EventType = "run_aborted"
)

// Event is one entry in the scheduler's event stream.
type Event struct {
	// Type labels what happened.
	Type EventType `json:"type"`
	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`
	// SubtaskID is the subtask involved, if any.
	SubtaskID string `json:"subtask_id,omitempty"`
	// WorkerID is the worker involved, if any.
	WorkerID string `json:"worker_id,omitempty"`
	// ConflictID is the conflict involved, if any.
	ConflictID string `json:"conflict_id,omitempty"`
	// Attempt is the failure count at the time of the event, for retries.
	Attempt int `json:"attempt,omitempty"`
	// Fraction is the completed-weight fraction, for run-level events.
	Fraction float64 `json:"fraction,omitempty"`
	// Message is a human-readable summary.
	Message string `json:"message,omitempty"`
	// Error carries the failure message, if any.
	Error string `json:"error,omitempty"`
	// Timestamp is when the event fired.
	Timestamp time.Time `json:"timestamp"`
}
