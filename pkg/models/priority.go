package models

// Priority represents the scheduling priority of a subtask.
type Priority string

const (
	// PriorityCritical is for subtasks that gate the rest of the run.
	PriorityCritical Priority = "critical"
	// PriorityHigh is for subtasks that should preempt routine work.
	PriorityHigh Priority = "high"
	// PriorityMedium is the default priority for ordinary subtasks.
	PriorityMedium Priority = "medium"
	// PriorityLow is for deferrable subtasks.
	PriorityLow Priority = "low"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns the numeric rank of the priority. Lower ranks dispatch first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}
