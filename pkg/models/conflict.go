package models

import "time"

// ConflictType classifies how two or more worker outputs disagree.
type ConflictType string

const (
	// ConflictDuplicateOutput means multiple workers produced equivalent
	// results for the same subtask.
	ConflictDuplicateOutput ConflictType = "duplicate_output"
	// ConflictDivergentOutput means multiple workers produced differing
	// results for the same subtask.
	ConflictDivergentOutput ConflictType = "divergent_output"
	// ConflictInterpretation means workers read the same shared scope in
	// incompatible ways.
	ConflictInterpretation ConflictType = "interpretation_mismatch"
	// ConflictDependency means a worker's view of a dependency's state
	// contradicts the graph.
	ConflictDependency ConflictType = "dependency_mismatch"
)

// Valid returns true if the conflict type is a known value.
func (t ConflictType) Valid() bool {
	switch t {
	case ConflictDuplicateOutput, ConflictDivergentOutput, ConflictInterpretation, ConflictDependency:
		return true
	default:
		return false
	}
}

// StrategyKind names a conflict resolution strategy.
type StrategyKind string

const (
	// StrategyVoting resolves by majority among the conflicting outputs.
	StrategyVoting StrategyKind = "voting"
	// StrategyPriority resolves in favor of the highest-ranked worker.
	StrategyPriority StrategyKind = "priority"
	// StrategyReevaluation resolves by re-running the subtask on a fresh worker.
	StrategyReevaluation StrategyKind = "reevaluation"
	// StrategyManual records an operator settling an escalated conflict.
	// The resolver never emits it.
	StrategyManual StrategyKind = "manual"
)

// Valid returns true if the strategy kind is a known value.
func (k StrategyKind) Valid() bool {
	switch k {
	case StrategyVoting, StrategyPriority, StrategyReevaluation, StrategyManual:
		return true
	default:
		return false
	}
}

// Conflict represents a detected disagreement between worker outputs.
type Conflict struct {
	// ID is the unique identifier for this conflict.
	ID string `json:"id"`
	// Type classifies the disagreement.
	Type ConflictType `json:"type"`
	// SubtaskID is the subtask the outputs belong to, when they share one.
	SubtaskID string `json:"subtask_id,omitempty"`
	// ScopeKey is the shared scope involved, for interpretation conflicts.
	ScopeKey string `json:"scope_key,omitempty"`
	// Outputs are the disagreeing submissions, in submission order.
	Outputs []Output `json:"outputs"`
	// DetectedAt is when the conflict was found.
	DetectedAt time.Time `json:"detected_at"`
}

// Resolution records the outcome of resolving a conflict.
type Resolution struct {
	// ConflictID is the conflict this resolution settles.
	ConflictID string `json:"conflict_id"`
	// Strategy is the strategy that produced the outcome.
	Strategy StrategyKind `json:"strategy"`
	// WinnerID is the output chosen as authoritative, if one was.
	WinnerID string `json:"winner_id,omitempty"`
	// LoserIDs are the superseded outputs, retained for audit.
	LoserIDs []string `json:"loser_ids,omitempty"`
	// Confidence is the fraction of outputs agreeing with the winner, in [0,1].
	Confidence float64 `json:"confidence"`
	// RequiresEscalation is true when the strategy could not pick a winner.
	RequiresEscalation bool `json:"requires_escalation,omitempty"`
	// RerunSubtaskID is set when the strategy scheduled a re-evaluation.
	RerunSubtaskID string `json:"rerun_subtask_id,omitempty"`
	// ResolvedAt is when the resolution was produced.
	ResolvedAt time.Time `json:"resolved_at"`
}
