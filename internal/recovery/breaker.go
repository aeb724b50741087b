package recovery

import (
	"sync"
	"time"
)

// BreakerState represents the state of one circuit.
type BreakerState string

const (
	// BreakerClosed is the normal state; dispatch flows freely.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects dispatch after repeated failures.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits exactly one trial dispatch after the cooldown.
	BreakerHalfOpen BreakerState = "half_open"
)

// Valid returns true if the state is a known value.
func (s BreakerState) Valid() bool {
	switch s {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
		return true
	default:
		return false
	}
}

// CircuitBreaker guards dispatch per key, where a key is a worker ID or a
// capability class depending on the engine's scope. A circuit opens after
// FailureThreshold consecutive failures inside the rolling window, rejects
// dispatch while open, and after Cooldown admits a single trial: success
// closes the circuit, failure reopens it.
type CircuitBreaker struct {
	mu sync.Mutex
	// FailureThreshold is the consecutive-failure count that opens a circuit.
	failureThreshold int
	// window bounds how long consecutive failures accumulate.
	window time.Duration
	// cooldown is how long an open circuit waits before the half-open trial.
	cooldown time.Duration

	circuits map[string]*circuit

	// now is swappable for tests.
	now func() time.Time
}

type circuit struct {
	state       BreakerState
	failures    int
	windowStart time.Time
	openedAt    time.Time
	// probing is true while the single half-open trial is in flight.
	probing bool
}

// NewCircuitBreaker creates a breaker with the given thresholds.
// Non-positive arguments fall back to defaults: threshold 5, 1m window,
// 30s cooldown.
func NewCircuitBreaker(failureThreshold int, window, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		window:           window,
		cooldown:         cooldown,
		circuits:         make(map[string]*circuit),
		now:              time.Now,
	}
}

func (b *CircuitBreaker) get(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: BreakerClosed}
		b.circuits[key] = c
	}
	return c
}

// Allow reports whether dispatch through key may proceed, advancing the
// circuit to half-open when the cooldown has elapsed. In half-open state
// only one caller is admitted until the trial resolves.
func (b *CircuitBreaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	switch c.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		c.state = BreakerHalfOpen
		c.probing = true
		return true
	case BreakerHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful dispatch through key. A half-open trial
// success closes the circuit and resets its counters.
func (b *CircuitBreaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	switch c.state {
	case BreakerHalfOpen:
		c.state = BreakerClosed
		c.failures = 0
		c.probing = false
	case BreakerClosed:
		c.failures = 0
	}
}

// RecordFailure notes a failed dispatch through key. Enough consecutive
// failures inside the window open the circuit; a failed half-open trial
// reopens it and restarts the cooldown.
func (b *CircuitBreaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	c := b.get(key)
	switch c.state {
	case BreakerClosed:
		if c.failures == 0 || now.Sub(c.windowStart) > b.window {
			c.failures = 0
			c.windowStart = now
		}
		c.failures++
		if c.failures >= b.failureThreshold {
			c.state = BreakerOpen
			c.openedAt = now
		}
	case BreakerHalfOpen:
		c.state = BreakerOpen
		c.openedAt = now
		c.probing = false
	case BreakerOpen:
		// Already open; failures while open just ride out the cooldown.
	}
}

// AllowAll reports whether dispatch may proceed through every key, and only
// then consumes probe slots. A denial leaves all circuits untouched, so a
// dispatch blocked on one key does not burn another key's half-open trial.
func (b *CircuitBreaker) AllowAll(keys []string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, key := range keys {
		c := b.get(key)
		switch c.state {
		case BreakerOpen:
			if now.Sub(c.openedAt) < b.cooldown {
				return false
			}
		case BreakerHalfOpen:
			if c.probing {
				return false
			}
		}
	}
	for _, key := range keys {
		c := b.get(key)
		if c.state == BreakerOpen {
			c.state = BreakerHalfOpen
		}
		if c.state == BreakerHalfOpen {
			c.probing = true
		}
	}
	return true
}

// State returns the circuit state for key without advancing it.
func (b *CircuitBreaker) State(key string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return BreakerClosed
	}
	return c.state
}
