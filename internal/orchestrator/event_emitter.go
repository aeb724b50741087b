package orchestrator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// emitTimeout is how long Emit waits on a full stream before dropping.
const emitTimeout = 100 * time.Millisecond

// defaultEventBuffer is the stream capacity when none is configured.
const defaultEventBuffer = 100

// EventEmitter delivers scheduler events to a consumer without stalling
// the run loop. A slow consumer costs at most emitTimeout per event;
// past that the event is dropped and counted.
type EventEmitter struct {
	events  chan Event
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewEventEmitter creates an emitter with the given buffer capacity.
func NewEventEmitter(buffer int) *EventEmitter {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &EventEmitter{events: make(chan Event, buffer)}
}

// Emit delivers an event to the stream. Returns false if the event was
// dropped because the stream stayed full past the timeout, or the
// emitter is closed.
func (e *EventEmitter) Emit(ev Event) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	select {
	case e.events <- ev:
		return true
	default:
	}

	select {
	case e.events <- ev:
		return true
	case <-time.After(emitTimeout):
		n := e.dropped.Add(1)
		if n == 1 || n%10 == 0 {
			log.Printf("[orchestrator] event stream full, dropped %d events (latest: %s)", n, ev.Type)
		}
		return false
	}
}

// Events returns the stream. The channel is closed when the run ends.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// DroppedCount returns how many events were dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.dropped.Load()
}

// Close closes the stream. Buffered events remain readable. Close must
// not race with Emit; the run loop calls it only after the last emit.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}
