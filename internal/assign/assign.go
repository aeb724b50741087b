// Package assign maintains the priority work queue and the claim table that
// guarantee at-most-one active assignee per subtask, and matches subtasks to
// capable workers.
package assign

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gafferd/gaffer/pkg/models"
)

// ErrNotQueued indicates an operation referenced a subtask with no live
// work-queue entry.
var ErrNotQueued = errors.New("subtask not in work queue")

// AlreadyClaimedError is returned when a claim races against an existing
// holder. The loser simply does not proceed; this is a coordination signal,
// not a user-visible failure.
type AlreadyClaimedError struct {
	// SubtaskID is the contested subtask.
	SubtaskID string
	// Holder is the worker already holding the claim.
	Holder string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("subtask %s already claimed by %s", e.SubtaskID, e.Holder)
}

// NoCapableWorkerError is returned when no candidate covers a subtask's
// required capability tags.
type NoCapableWorkerError struct {
	// SubtaskID is the subtask that could not be matched.
	SubtaskID string
	// Required lists the capability tags no candidate covered.
	Required []string
}

func (e *NoCapableWorkerError) Error() string {
	return fmt.Sprintf("no capable worker for subtask %s (requires %v)", e.SubtaskID, e.Required)
}

// EntryStatus represents the claim state of a work-queue entry.
type EntryStatus string

const (
	// EntryUnclaimed indicates the entry is available for claiming.
	EntryUnclaimed EntryStatus = "unclaimed"
	// EntryClaimed indicates a worker holds the claim.
	EntryClaimed EntryStatus = "claimed"
	// EntryReleased indicates the claim was given back; the entry is
	// claimable again.
	EntryReleased EntryStatus = "released"
)

// Valid returns true if the status is a known value.
func (s EntryStatus) Valid() bool {
	switch s {
	case EntryUnclaimed, EntryClaimed, EntryReleased:
		return true
	default:
		return false
	}
}

// WorkQueueEntry tracks one ready subtask through the claim lifecycle.
// Entries are created when a subtask becomes ready and archived when it
// reaches a terminal status.
type WorkQueueEntry struct {
	// SubtaskID is the subtask this entry schedules.
	SubtaskID string `json:"id"`
	// Priority orders the entry against other unclaimed work.
	Priority models.Priority `json:"priority"`
	// Assignee is the worker holding the claim, or empty.
	Assignee string `json:"assignee,omitempty"`
	// Status is the claim state.
	Status EntryStatus `json:"status"`
	// EstimatedEffort is the subtask weight, carried for consumers.
	EstimatedEffort float64 `json:"estimated_effort"`
	// AcceptanceCriteria is carried from the subtask for consumers.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	// ClaimedAt is when the current claim was taken; zero when unclaimed.
	ClaimedAt time.Time `json:"claimed_at,omitempty"`

	// seq fixes insertion order for the FIFO tiebreak within a priority.
	seq uint64
}

// Assigner is the work queue plus claim table. All mutations are serialized;
// concurrent claims on one subtask resolve to exactly one winner.
type Assigner struct {
	mu         sync.Mutex
	entries    map[string]*WorkQueueEntry
	nextSeq    uint64
	raceLosses uint64
	debugLog   func(format string, args ...interface{})
}

// NewAssigner creates an empty assigner.
func NewAssigner() *Assigner {
	return &Assigner{
		entries:  make(map[string]*WorkQueueEntry),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (a *Assigner) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		a.debugLog = fn
	}
}

// Enqueue creates a work-queue entry for a subtask that became ready.
// Enqueueing a subtask that already has a live entry is a no-op: the
// original position in the priority order is kept.
func (a *Assigner) Enqueue(st *models.Subtask) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.entries[st.ID]; exists {
		return
	}
	a.nextSeq++
	a.entries[st.ID] = &WorkQueueEntry{
		SubtaskID:          st.ID,
		Priority:           st.Priority,
		Status:             EntryUnclaimed,
		EstimatedEffort:    st.Weight,
		AcceptanceCriteria: st.AcceptanceCriteria,
		seq:                a.nextSeq,
	}
	a.debugLog("[assign.Enqueue] %s priority=%s seq=%d", st.ID, st.Priority, a.nextSeq)
}

// Claim atomically assigns a subtask to a worker. Exactly one caller wins
// when claims race; losers receive AlreadyClaimedError naming the holder.
func (a *Assigner) Claim(subtaskID, workerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[subtaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotQueued, subtaskID)
	}
	if entry.Status == EntryClaimed {
		a.raceLosses++
		a.debugLog("[assign.Claim] %s lost race, holder=%s", workerID, entry.Assignee)
		return &AlreadyClaimedError{SubtaskID: subtaskID, Holder: entry.Assignee}
	}

	entry.Status = EntryClaimed
	entry.Assignee = workerID
	entry.ClaimedAt = time.Now()
	a.debugLog("[assign.Claim] %s claimed by %s", subtaskID, workerID)
	return nil
}

// Release gives a claim back, returning the entry to a claimable state.
// Releasing an unclaimed or unknown subtask is a no-op.
func (a *Assigner) Release(subtaskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[subtaskID]
	if !ok || entry.Status != EntryClaimed {
		return
	}
	a.debugLog("[assign.Release] %s released from %s", subtaskID, entry.Assignee)
	entry.Status = EntryReleased
	entry.Assignee = ""
	entry.ClaimedAt = time.Time{}
}

// Archive removes the entry for a subtask that reached a terminal status.
func (a *Assigner) Archive(subtaskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.entries, subtaskID)
}

// Unclaimed returns the claimable entries in dispatch order: priority tier
// first, insertion order within a tier.
func (a *Assigner) Unclaimed() []*WorkQueueEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*WorkQueueEntry
	for _, entry := range a.entries {
		if entry.Status != EntryClaimed {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Get returns the live entry for a subtask, or false if none exists.
func (a *Assigner) Get(subtaskID string) (WorkQueueEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[subtaskID]
	if !ok {
		return WorkQueueEntry{}, false
	}
	return *entry, true
}

// Len returns the number of live entries.
func (a *Assigner) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Holder returns the worker currently holding a subtask's claim, or empty.
func (a *Assigner) Holder(subtaskID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry, ok := a.entries[subtaskID]; ok && entry.Status == EntryClaimed {
		return entry.Assignee
	}
	return ""
}

// SweepStale releases claims older than ttl that have shown no progress
// signal and returns the affected subtask IDs. The scheduler drives the
// sweep cadence.
func (a *Assigner) SweepStale(ttl time.Duration) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var released []string
	for id, entry := range a.entries {
		if entry.Status == EntryClaimed && entry.ClaimedAt.Before(cutoff) {
			a.debugLog("[assign.SweepStale] releasing %s (claimed by %s at %s)", id, entry.Assignee, entry.ClaimedAt.Format(time.RFC3339))
			entry.Status = EntryReleased
			entry.Assignee = ""
			entry.ClaimedAt = time.Time{}
			released = append(released, id)
		}
	}
	sort.Strings(released)
	return released
}

// Touch refreshes a claim's timestamp when a progress signal arrives,
// protecting it from the stale sweep.
func (a *Assigner) Touch(subtaskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry, ok := a.entries[subtaskID]; ok && entry.Status == EntryClaimed {
		entry.ClaimedAt = time.Now()
	}
}

// RaceLosses reports how many claim attempts lost a race. Losers are dropped
// silently; this counter keeps them observable.
func (a *Assigner) RaceLosses() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.raceLosses
}

// MatchWorker scores candidates by capability-tag overlap with the subtask's
// requirements and returns the best match. Ties break toward the lower
// current load, then toward the earlier candidate. Returns
// NoCapableWorkerError when no candidate covers the requirements.
func (a *Assigner) MatchWorker(st *models.Subtask, candidates []*models.Worker) (*models.Worker, error) {
	var best *models.Worker
	bestOverlap := -1

	for _, w := range candidates {
		if w == nil || w.Status == models.WorkerUnavailable {
			continue
		}
		if !w.CanServe(st.Capabilities) {
			continue
		}
		overlap := w.CapabilityOverlap(st.Capabilities)
		switch {
		case overlap > bestOverlap:
			best = w
			bestOverlap = overlap
		case overlap == bestOverlap && best != nil && w.Load < best.Load:
			best = w
		}
	}

	if best == nil {
		return nil, &NoCapableWorkerError{SubtaskID: st.ID, Required: st.Capabilities}
	}
	a.debugLog("[assign.MatchWorker] %s -> %s (overlap=%d load=%d)", st.ID, best.ID, bestOverlap, best.Load)
	return best, nil
}
