package recovery

import (
	"math"
	"time"
)

// BackoffPolicy controls retry pacing. Delays grow exponentially with the
// attempt number and are capped at MaxDelay; MaxAttempts bounds how many
// executions a subtask gets before recovery moves past retrying.
type BackoffPolicy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor per attempt.
	Multiplier float64
	// MaxAttempts is the total execution budget, first attempt included.
	MaxAttempts int
}

// DefaultBackoffPolicy returns the stock policy: 1s base, 30s cap,
// doubling per attempt, three attempts total.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		MaxAttempts: 3,
	}
}

// Delay returns the pause before retry number attempt, counted from zero:
// min(MaxDelay, BaseDelay * Multiplier^attempt). Values never decrease as
// the attempt number grows.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if d > p.MaxDelay || d < 0 {
		// Negative means the float math overflowed the duration range.
		return p.MaxDelay
	}
	return d
}

// Exhausted returns true once failures has consumed the attempt budget.
func (p BackoffPolicy) Exhausted(failures int) bool {
	return failures >= p.MaxAttempts
}
