package recovery

import (
	"testing"
	"time"
)

// fakeClock pins the breaker to a controllable time.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestBreaker(threshold int, window, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{current: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewCircuitBreaker(threshold, window, cooldown)
	b.now = clock.now
	return b, clock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute, 30*time.Second)

	b.RecordFailure("w1")
	b.RecordFailure("w1")
	if state := b.State("w1"); state != BreakerClosed {
		t.Fatalf("state after 2 failures = %s, want closed", state)
	}
	if !b.Allow("w1") {
		t.Fatal("closed circuit must allow dispatch")
	}

	b.RecordFailure("w1")
	if state := b.State("w1"); state != BreakerOpen {
		t.Fatalf("state after 3 failures = %s, want open", state)
	}
	if b.Allow("w1") {
		t.Error("open circuit must refuse dispatch")
	}
}

func TestBreaker_WindowResetsCount(t *testing.T) {
	b, clock := newTestBreaker(3, time.Minute, 30*time.Second)

	b.RecordFailure("w1")
	b.RecordFailure("w1")
	clock.advance(2 * time.Minute)
	b.RecordFailure("w1")

	if state := b.State("w1"); state != BreakerClosed {
		t.Errorf("stale failures outside the window must not open the circuit, state = %s", state)
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute, 30*time.Second)

	b.RecordFailure("w1")
	b.RecordFailure("w1")
	if b.Allow("w1") {
		t.Fatal("open circuit must refuse dispatch before cooldown")
	}

	clock.advance(31 * time.Second)
	if !b.Allow("w1") {
		t.Fatal("cooled-down circuit must admit one trial")
	}
	if state := b.State("w1"); state != BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", state)
	}
	if b.Allow("w1") {
		t.Error("half-open circuit must admit exactly one trial")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute, 30*time.Second)
	b.RecordFailure("w1")
	b.RecordFailure("w1")
	clock.advance(31 * time.Second)

	if !b.Allow("w1") {
		t.Fatal("trial should be admitted")
	}
	b.RecordSuccess("w1")

	if state := b.State("w1"); state != BreakerClosed {
		t.Fatalf("state after probe success = %s, want closed", state)
	}
	if !b.Allow("w1") {
		t.Error("closed circuit must allow dispatch again")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute, 30*time.Second)
	b.RecordFailure("w1")
	b.RecordFailure("w1")
	clock.advance(31 * time.Second)

	if !b.Allow("w1") {
		t.Fatal("trial should be admitted")
	}
	b.RecordFailure("w1")

	if state := b.State("w1"); state != BreakerOpen {
		t.Fatalf("state after probe failure = %s, want open", state)
	}
	if b.Allow("w1") {
		t.Error("reopened circuit must refuse dispatch until the next cooldown")
	}
	clock.advance(31 * time.Second)
	if !b.Allow("w1") {
		t.Error("circuit must admit another trial after the restarted cooldown")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute, 30*time.Second)
	b.RecordFailure("w1")
	b.RecordFailure("w1")

	if b.Allow("w1") {
		t.Error("w1 should be open")
	}
	if !b.Allow("w2") {
		t.Error("w2 should be unaffected by w1's failures")
	}
}

func TestBreaker_AllowAllDoesNotBurnProbes(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute, 30*time.Second)

	// cooled is ready for a half-open trial; blocked is freshly open.
	b.RecordFailure("cooled")
	b.RecordFailure("cooled")
	clock.advance(31 * time.Second)
	b.RecordFailure("blocked")
	b.RecordFailure("blocked")

	if b.AllowAll([]string{"cooled", "blocked"}) {
		t.Fatal("AllowAll must refuse while any key is blocked")
	}
	// The refusal must not have consumed cooled's single trial slot.
	if !b.Allow("cooled") {
		t.Error("cooled key's probe slot should still be available")
	}
}

func TestBreaker_AllowAllAdmitsAndConsumes(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute, 30*time.Second)
	b.RecordFailure("k1")
	b.RecordFailure("k1")
	clock.advance(31 * time.Second)

	if !b.AllowAll([]string{"k1", "k2"}) {
		t.Fatal("AllowAll should admit when every key permits")
	}
	if b.Allow("k1") {
		t.Error("k1's probe slot should now be consumed")
	}
}
