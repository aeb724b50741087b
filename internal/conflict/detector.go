// Package conflict detects disagreements between worker outputs and
// resolves each one into a single committed result, a re-run, or an
// escalation. Losing outputs are never discarded; they stay in the
// store marked superseded so the full history remains auditable.
package conflict

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gafferd/gaffer/pkg/models"
)

// Detector records every submitted output and raises a conflict whenever
// submissions disagree: a second output for a subtask that already holds
// one, incompatible outputs touching the same shared scope, or a worker
// whose view of a subtask's prerequisites contradicts the graph.
type Detector struct {
	mu        sync.Mutex
	bySubtask map[string][]*models.Output
	byScope   map[string][]*models.Output
	conflicts map[string]*models.Conflict
	order     []string
	resolved  map[string]bool
	debugLog  func(format string, args ...interface{})
}

// NewDetector creates an empty detector.
func NewDetector() *Detector {
	return &Detector{
		bySubtask: make(map[string][]*models.Output),
		byScope:   make(map[string][]*models.Output),
		conflicts: make(map[string]*models.Conflict),
		resolved:  make(map[string]bool),
		debugLog:  func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (d *Detector) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		d.debugLog = fn
	}
}

// equivalent reports whether two payloads carry the same result modulo
// surrounding whitespace.
func equivalent(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func (d *Detector) addConflictLocked(c *models.Conflict) {
	c.ID = uuid.New().String()[:8]
	c.DetectedAt = time.Now()
	d.conflicts[c.ID] = c
	d.order = append(d.order, c.ID)
}

// Submit records a worker output and returns any conflicts it raised.
// The first output for a subtask never conflicts. A later one raises a
// duplicate conflict when its payload matches every live prior submission,
// or a divergent conflict otherwise; each raised conflict snapshots the
// live submissions at detection time. An output whose scope key is already
// held by a different subtask with an incompatible payload additionally
// raises an interpretation conflict. Superseded outputs are settled
// history: they stay in the store but never conflict with new work.
func (d *Detector) Submit(out models.Output) []*models.Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()

	if out.ID == "" {
		out.ID = uuid.New().String()[:8]
	}
	if out.SubmittedAt.IsZero() {
		out.SubmittedAt = time.Now()
	}
	stored := out

	var raised []*models.Conflict

	var prior []*models.Output
	for _, p := range d.bySubtask[out.SubtaskID] {
		if !p.Superseded {
			prior = append(prior, p)
		}
	}
	if len(prior) > 0 {
		typ := models.ConflictDuplicateOutput
		for _, p := range prior {
			if !equivalent(p.Payload, out.Payload) {
				typ = models.ConflictDivergentOutput
				break
			}
		}
		all := make([]models.Output, 0, len(prior)+1)
		for _, p := range prior {
			all = append(all, *p)
		}
		all = append(all, out)
		c := &models.Conflict{Type: typ, SubtaskID: out.SubtaskID, Outputs: all}
		d.addConflictLocked(c)
		raised = append(raised, c)
		d.debugLog("[conflict] subtask %s: output %s raised %s across %d submissions", out.SubtaskID, out.ID, typ, len(all))
	}
	d.bySubtask[out.SubtaskID] = append(d.bySubtask[out.SubtaskID], &stored)

	if out.ScopeKey != "" {
		var disagree []models.Output
		for _, p := range d.byScope[out.ScopeKey] {
			if !p.Superseded && p.SubtaskID != out.SubtaskID && !equivalent(p.Payload, out.Payload) {
				disagree = append(disagree, *p)
			}
		}
		if len(disagree) > 0 {
			c := &models.Conflict{
				Type:     models.ConflictInterpretation,
				ScopeKey: out.ScopeKey,
				Outputs:  append(disagree, out),
			}
			d.addConflictLocked(c)
			raised = append(raised, c)
			d.debugLog("[conflict] scope %s: output %s disagrees with %d earlier submissions", out.ScopeKey, out.ID, len(disagree))
		}
		d.byScope[out.ScopeKey] = append(d.byScope[out.ScopeKey], &stored)
	}

	return raised
}

// CheckDependencies compares a worker's declared prerequisite list for a
// subtask against what the dependency graph records. Ordering within the
// lists does not matter. A disagreement raises a dependency mismatch
// conflict retaining both views for audit.
func (d *Detector) CheckDependencies(subtaskID, workerID string, declared, recorded []string) *models.Conflict {
	a := append([]string(nil), declared...)
	b := append([]string(nil), recorded...)
	sort.Strings(a)
	sort.Strings(b)
	if stringSlicesEqual(a, b) {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	c := &models.Conflict{
		Type:      models.ConflictDependency,
		SubtaskID: subtaskID,
		Outputs: []models.Output{
			{ID: uuid.New().String()[:8], SubtaskID: subtaskID, WorkerID: workerID, Payload: strings.Join(a, ","), SubmittedAt: now},
			{ID: uuid.New().String()[:8], SubtaskID: subtaskID, WorkerID: "graph", Payload: strings.Join(b, ","), SubmittedAt: now},
		},
	}
	d.addConflictLocked(c)
	d.debugLog("[conflict] subtask %s: worker %s disagrees with graph on prerequisites", subtaskID, workerID)
	return c
}

// ApplyResolution marks a conflict settled and flags every losing output
// as superseded. A resolution that requires escalation leaves the
// conflict unresolved; it stays visible until an external decision.
func (d *Detector) ApplyResolution(res *models.Resolution) {
	if res == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if res.RequiresEscalation {
		return
	}
	d.resolved[res.ConflictID] = true

	losers := make(map[string]bool, len(res.LoserIDs))
	for _, id := range res.LoserIDs {
		losers[id] = true
	}
	for _, list := range d.bySubtask {
		for _, o := range list {
			if losers[o.ID] {
				o.Superseded = true
			}
		}
	}
}

// Outputs returns copies of the outputs submitted for a subtask, in
// submission order, superseded ones included.
func (d *Detector) Outputs(subtaskID string) []models.Output {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.bySubtask[subtaskID]
	out := make([]models.Output, len(list))
	for i, o := range list {
		out[i] = *o
	}
	return out
}

// Committed returns the most recent output for a subtask that no
// resolution has superseded.
func (d *Detector) Committed(subtaskID string) (models.Output, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.bySubtask[subtaskID]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].Superseded {
			return *list[i], true
		}
	}
	return models.Output{}, false
}

// Get returns a copy of a conflict by ID.
func (d *Detector) Get(id string) (models.Conflict, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.conflicts[id]
	if !ok {
		return models.Conflict{}, false
	}
	return *c, true
}

// Conflicts returns copies of every detected conflict in detection order.
func (d *Detector) Conflicts() []models.Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.Conflict, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.conflicts[id])
	}
	return out
}

// Resolved reports whether a conflict has been settled.
func (d *Detector) Resolved(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolved[id]
}

// UnresolvedIDs returns the conflicts still awaiting resolution or
// escalation, in detection order.
func (d *Detector) UnresolvedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []string
	for _, id := range d.order {
		if !d.resolved[id] {
			out = append(out, id)
		}
	}
	return out
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
