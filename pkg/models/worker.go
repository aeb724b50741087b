package models

import "time"

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	// WorkerIdle indicates the worker has capacity for more work.
	WorkerIdle WorkerStatus = "idle"
	// WorkerBusy indicates the worker is at its load limit.
	WorkerBusy WorkerStatus = "busy"
	// WorkerUnavailable indicates the worker should not receive work.
	WorkerUnavailable WorkerStatus = "unavailable"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerIdle, WorkerBusy, WorkerUnavailable:
		return true
	default:
		return false
	}
}

// Worker represents an independent task executor registered with the fleet.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id"`
	// Name is a human-readable label for reports.
	Name string `json:"name,omitempty"`
	// Capabilities lists the capability tags this worker can serve.
	Capabilities []string `json:"capabilities,omitempty"`
	// Status is the current state of the worker.
	Status WorkerStatus `json:"status"`
	// Load is the number of subtasks currently claimed by this worker.
	Load int `json:"load"`
	// Rank orders workers for priority-based conflict resolution; lower wins.
	Rank int `json:"rank"`
	// RegisteredAt is when the worker joined the fleet.
	RegisteredAt time.Time `json:"registered_at"`
}

// CanServe returns true if the worker covers at least one of the required
// capability tags. A subtask with no required tags can be served by anyone.
func (w *Worker) CanServe(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, need := range required {
		for _, have := range w.Capabilities {
			if need == have {
				return true
			}
		}
	}
	return false
}

// CapabilityOverlap returns how many of the required tags the worker covers.
func (w *Worker) CapabilityOverlap(required []string) int {
	overlap := 0
	for _, need := range required {
		for _, have := range w.Capabilities {
			if need == have {
				overlap++
				break
			}
		}
	}
	return overlap
}
