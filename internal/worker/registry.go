package worker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gafferd/gaffer/pkg/models"
)

// ErrDuplicateWorker indicates a registration for an ID already in the fleet.
var ErrDuplicateWorker = errors.New("worker already registered")

// ErrUnknownWorker indicates an operation referenced a worker ID not in the fleet.
var ErrUnknownWorker = errors.New("unknown worker")

// Registry manages the worker fleet and the runner behind each worker.
// It provides thread-safe registration, load tracking, and snapshots for
// the assigner's capability matching.
type Registry struct {
	// workers maps worker IDs to worker records.
	workers map[string]*models.Worker
	// runners maps worker IDs to their executors.
	runners map[string]Runner
	// mu protects all fields.
	mu sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*models.Worker),
		runners: make(map[string]Runner),
	}
}

// Add registers a worker and its runner with the fleet. A worker with no
// status starts idle; RegisteredAt is stamped if unset.
func (r *Registry) Add(w *models.Worker, run Runner) error {
	if w == nil || w.ID == "" {
		return fmt.Errorf("worker must have an id")
	}
	if run == nil {
		return fmt.Errorf("worker %s must have a runner", w.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[w.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, w.ID)
	}
	if !w.Status.Valid() {
		w.Status = models.WorkerIdle
	}
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = time.Now()
	}
	r.workers[w.ID] = w
	r.runners[w.ID] = run
	return nil
}

// Remove unregisters a worker and its runner.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
	delete(r.runners, id)
}

// Get returns a copy of the worker record, or false if unknown.
func (r *Registry) Get(id string) (models.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return models.Worker{}, false
	}
	return *w, true
}

// RunnerFor returns the runner registered for a worker.
func (r *Registry) RunnerFor(id string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runners[id]
	return run, ok
}

// Workers returns a snapshot of the fleet, sorted by ID. The snapshot
// holds copies; mutating it does not touch the registry.
func (r *Registry) Workers() []*models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		copied := *w
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// IncLoad bumps a worker's claimed-subtask count.
func (r *Registry) IncLoad(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[id]; ok {
		w.Load++
	}
}

// DecLoad drops a worker's claimed-subtask count. The count never goes
// below zero.
func (r *Registry) DecLoad(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[id]; ok && w.Load > 0 {
		w.Load--
	}
}

// SetStatus updates a worker's availability.
func (r *Registry) SetStatus(id string, status models.WorkerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if !status.Valid() {
		return fmt.Errorf("invalid worker status: %s", status)
	}
	w.Status = status
	return nil
}

// RankOf returns a worker's rank for priority-based conflict resolution.
// The boolean is false for workers the fleet does not know.
func (r *Registry) RankOf(id string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return 0, false
	}
	return w.Rank, true
}
