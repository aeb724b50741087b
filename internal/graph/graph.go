// Package graph provides the dependency graph for subtask scheduling.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gafferd/gaffer/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the subtask graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownSubtask indicates an operation referenced a subtask ID not in the graph.
var ErrUnknownSubtask = errors.New("unknown subtask")

// ErrDuplicateSubtask indicates an add for an ID already registered.
var ErrDuplicateSubtask = errors.New("subtask already registered")

// ErrSelfDependency indicates a subtask was declared to depend on itself.
var ErrSelfDependency = errors.New("subtask cannot depend on itself")

// DependencyGraph represents a directed acyclic graph of subtask dependencies.
// Subtasks are nodes, and edges represent "blocked by" relationships.
// The graph is acyclic after every successful mutation: edge additions that
// would close a cycle are rejected before they commit.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps subtask ID to the subtask itself.
	nodes map[string]*models.Subtask
	// edges maps subtask ID to IDs of subtasks it depends on (is blocked by).
	edges map[string][]string
	// completed tracks which subtasks have been marked complete.
	completed map[string]bool
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]*models.Subtask),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
		debugLog:  func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the dependency graph from a slice of subtasks.
// Returns an error if a cycle is detected or dependencies reference unknown subtasks.
func (g *DependencyGraph) Build(subtasks []*models.Subtask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d subtasks", len(subtasks))

	// First pass: register all subtasks as nodes.
	for _, st := range subtasks {
		if _, exists := g.nodes[st.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateSubtask, st.ID)
		}
		g.debugLog("[graph.Build] adding subtask: id=%s depends_on=%v weight=%v", st.ID, st.DependsOn, st.Weight)
		g.nodes[st.ID] = st
		g.edges[st.ID] = nil // Initialize edges slice.
	}

	// Second pass: build edges from DependsOn fields.
	for _, st := range subtasks {
		for _, depID := range st.DependsOn {
			if depID == st.ID {
				return fmt.Errorf("%w: %s", ErrSelfDependency, st.ID)
			}
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("subtask %s depends on unknown subtask %s", st.ID, depID)
			}
			g.edges[st.ID] = append(g.edges[st.ID], depID)
		}
	}

	// Check for cycles (use internal method since we hold the lock).
	if g.hasCycleLocked() {
		return ErrCycleDetected
	}

	g.debugLog("[graph.Build] graph built successfully with %d nodes", len(g.nodes))
	return nil
}

// AddSubtask registers a single subtask with no edges. Its DependsOn field is
// not consulted; edges are added explicitly via AddDependency.
func (g *DependencyGraph) AddSubtask(st *models.Subtask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[st.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSubtask, st.ID)
	}
	g.nodes[st.ID] = st
	g.edges[st.ID] = nil
	g.debugLog("[graph.AddSubtask] registered %s", st.ID)
	return nil
}

// AddDependency records that subtask id depends on subtask depID.
// The edge is checked before it commits: if it would close a cycle the graph
// is left unchanged and ErrCycleDetected is returned. Adding an edge that
// already exists is a no-op.
func (g *DependencyGraph) AddDependency(id, depID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id == depID {
		return fmt.Errorf("%w: %s", ErrSelfDependency, id)
	}
	if _, exists := g.nodes[id]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, id)
	}
	if _, exists := g.nodes[depID]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownSubtask, depID)
	}
	for _, existing := range g.edges[id] {
		if existing == depID {
			return nil
		}
	}

	g.edges[id] = append(g.edges[id], depID)
	if g.hasCycleLocked() {
		// Roll back the edge so the graph stays acyclic.
		g.edges[id] = g.edges[id][:len(g.edges[id])-1]
		return fmt.Errorf("%s -> %s: %w", id, depID, ErrCycleDetected)
	}

	if st := g.nodes[id]; st != nil {
		st.DependsOn = append(st.DependsOn, depID)
	}
	g.debugLog("[graph.AddDependency] %s depends on %s", id, depID)
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked is the internal implementation that assumes the lock is held.
func (g *DependencyGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int)
	for id := range g.nodes {
		colors[id] = 0
	}

	var hasCycle bool
	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1 // Mark as in progress.

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Found a back edge - cycle detected.
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
			// color == 2 means already processed, skip.
		}

		colors[id] = 2 // Mark as done.
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 {
			if visit(id) {
				hasCycle = true
				break
			}
		}
	}

	return hasCycle
}

// TopologicalSort returns subtask IDs in an order where all dependencies
// come before the subtasks that depend on them.
// Returns an error if the graph contains a cycle.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topologicalSortLocked()
}

func (g *DependencyGraph) topologicalSortLocked() ([]string, error) {
	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	// Track visited nodes and build result in reverse post-order.
	visited := make(map[string]bool)
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true

		// Visit all dependencies first.
		for _, depID := range g.edges[id] {
			visit(depID)
		}

		// Add this node after its dependencies.
		result = append(result, id)
	}

	// Visit all nodes.
	for id := range g.nodes {
		visit(id)
	}

	return result, nil
}

// Layers groups subtask IDs into waves: every member of a wave depends only
// on subtasks in earlier waves, so the members of one wave are mutually
// independent and can run in parallel. Waves are returned in execution order
// with members sorted by ID. Returns an error if the graph contains a cycle.
func (g *DependencyGraph) Layers() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// Kahn's algorithm over the dependency counts.
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for id, deps := range g.edges {
		indegree[id] = len(deps)
		for _, depID := range deps {
			dependents[depID] = append(dependents[depID], id)
		}
	}

	var wave []string
	for id := range g.nodes {
		if indegree[id] == 0 {
			wave = append(wave, id)
		}
	}
	sort.Strings(wave)

	var layers [][]string
	processed := 0
	for len(wave) > 0 {
		layers = append(layers, wave)
		processed += len(wave)

		var next []string
		for _, id := range wave {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		wave = next
	}

	if processed != len(g.nodes) {
		return nil, ErrCycleDetected
	}

	g.debugLog("[graph.Layers] %d layers over %d nodes", len(layers), processed)
	return layers, nil
}

// CriticalPath returns the longest weighted path through the graph and its
// total weight. The path length is the maximum sum of subtask weights along
// any dependency chain, never the minimum: it is the floor on how long the
// whole graph takes even with unlimited workers.
// Returns an error if the graph contains a cycle. An empty graph yields an
// empty path with zero length.
func (g *DependencyGraph) CriticalPath() ([]string, float64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order, err := g.topologicalSortLocked()
	if err != nil {
		return nil, 0, err
	}

	// finish[id] is the weight of the heaviest chain ending at id.
	finish := make(map[string]float64, len(order))
	predecessor := make(map[string]string, len(order))

	for _, id := range order {
		st := g.nodes[id]
		best := st.Weight
		from := ""
		for _, depID := range g.edges[id] {
			if finish[depID]+st.Weight > best {
				best = finish[depID] + st.Weight
				from = depID
			}
		}
		finish[id] = best
		predecessor[id] = from
	}

	// The path ends at the node with the maximum finish weight.
	// Ties break toward the lexicographically smaller ID so the result is stable.
	end := ""
	var maxFinish float64
	for _, id := range order {
		f := finish[id]
		if end == "" || f > maxFinish || (f == maxFinish && id < end) {
			end = id
			maxFinish = f
		}
	}
	if end == "" {
		return nil, 0, nil
	}

	// Reconstruct by walking predecessors back from the end.
	var path []string
	for current := end; current != ""; current = predecessor[current] {
		path = append([]string{current}, path...)
	}

	g.debugLog("[graph.CriticalPath] path=%v length=%v", path, maxFinish)
	return path, maxFinish, nil
}

// GetReady returns subtask IDs whose dependencies are all observably done and
// that are not themselves completed. These subtasks can be executed in parallel.
func (g *DependencyGraph) GetReady() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string

	for id, st := range g.nodes {
		// Skip already completed subtasks.
		if g.completed[id] {
			continue
		}

		// Skip subtasks that already reached a terminal state.
		if st.Status.Terminal() {
			g.debugLog("[graph.GetReady] %s: skipped (status=%s)", id, st.Status)
			continue
		}

		// Check if all dependencies are satisfied.
		allDepsComplete := true
		for _, depID := range g.edges[id] {
			if g.completed[depID] {
				continue
			}
			// Fall back to the dependency's own status.
			depTask, exists := g.nodes[depID]
			if !exists || depTask.Status != models.SubtaskDone {
				g.debugLog("[graph.GetReady] %s: dep %s not satisfied", id, depID)
				allDepsComplete = false
				break
			}
		}

		if allDepsComplete {
			ready = append(ready, id)
		}
	}

	sort.Strings(ready)
	g.debugLog("[graph.GetReady] %d ready: %v", len(ready), ready)
	return ready
}

// MarkComplete marks a subtask as completed in the graph.
// This affects subsequent calls to GetReady.
func (g *DependencyGraph) MarkComplete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.MarkComplete] marking %s complete", id)
	g.completed[id] = true
}

// Get returns the subtask for a given ID, or ErrUnknownSubtask if absent.
func (g *DependencyGraph) Get(id string) (*models.Subtask, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubtask, id)
	}
	return st, nil
}

// Size returns the number of subtasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// GetDependencies returns the IDs of subtasks that the given subtask depends on.
func (g *DependencyGraph) GetDependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	deps := make([]string, len(g.edges[id]))
	copy(deps, g.edges[id])
	return deps
}

// GetDependents returns the IDs of subtasks that depend on the given subtask.
func (g *DependencyGraph) GetDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(id)
}

func (g *DependencyGraph) dependentsLocked(id string) []string {
	var dependents []string
	for nodeID, deps := range g.edges {
		for _, depID := range deps {
			if depID == id {
				dependents = append(dependents, nodeID)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

// GetCompletedIDs returns the IDs of all subtasks marked as completed.
func (g *DependencyGraph) GetCompletedIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for id, done := range g.completed {
		if done {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Subtasks returns every subtask in the graph, sorted by ID.
func (g *DependencyGraph) Subtasks() []*models.Subtask {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*models.Subtask, 0, len(g.nodes))
	for _, st := range g.nodes {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
