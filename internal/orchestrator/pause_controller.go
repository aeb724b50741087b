package orchestrator

import (
	"context"
	"log"
	"sync"
)

// PauseController coordinates pausing and resuming dispatch. Pausing
// stops new claims; in-flight subtasks run to completion and their
// results are still processed.
type PauseController struct {
	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool
}

// NewPauseController creates a controller in the running state.
func NewPauseController() *PauseController {
	pc := &PauseController{}
	pc.cond = sync.NewCond(&pc.mu)
	return pc
}

// Pause stops new dispatch until Resume is called.
func (pc *PauseController) Pause() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.paused || pc.stopped {
		return
	}
	pc.paused = true
	log.Printf("[orchestrator] dispatch paused")
}

// Resume lets dispatch continue.
func (pc *PauseController) Resume() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.paused || pc.stopped {
		return
	}
	pc.paused = false
	pc.cond.Broadcast()
	log.Printf("[orchestrator] dispatch resumed")
}

// IsPaused reports whether dispatch is currently paused.
func (pc *PauseController) IsPaused() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.paused
}

// Stop permanently releases any waiter. Used during shutdown so a paused
// run loop can observe its canceled context.
func (pc *PauseController) Stop() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.stopped {
		return
	}
	pc.stopped = true
	pc.cond.Broadcast()
}

// WaitIfPaused blocks while paused. It returns the context error if the
// context is canceled while waiting, nil otherwise.
func (pc *PauseController) WaitIfPaused(ctx context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if !pc.paused || pc.stopped {
		return nil
	}

	// A canceled context must wake the cond wait below. Taking the lock
	// before broadcasting keeps the wakeup from slipping into the gap
	// between the Err check and the Wait.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pc.mu.Lock()
			pc.cond.Broadcast()
			pc.mu.Unlock()
		case <-done:
		}
	}()

	for pc.paused && !pc.stopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		pc.cond.Wait()
	}
	return nil
}
