package models

// Severity classifies a failure for recovery purposes.
type Severity string

const (
	// SeverityCritical marks failures that must never be retried; they
	// escalate immediately.
	SeverityCritical Severity = "critical"
	// SeverityHigh marks serious failures that are still retry-eligible.
	SeverityHigh Severity = "high"
	// SeverityMedium marks routine failures, the default classification.
	SeverityMedium Severity = "medium"
	// SeverityLow marks minor failures expected to clear on retry.
	SeverityLow Severity = "low"
)

// Valid returns true if the severity is a known value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	default:
		return false
	}
}

// Retryable returns true if a failure of this severity may be retried.
// Only critical failures are exempt from retry.
func (s Severity) Retryable() bool {
	return s != SeverityCritical && s.Valid()
}
