// Package plan turns a dependency graph into an execution plan using the
// critical path method: a forward and backward pass over the graph yields
// per-subtask schedules, parallel stages, the critical path, and bottlenecks.
// Plans are advisory and read-only; they never mutate subtask status.
package plan

import (
	"math"
	"sort"
	"time"

	"github.com/gafferd/gaffer/internal/graph"
)

// DefaultBottleneckThreshold is the fan-out at which a subtask is flagged
// as a bottleneck when no threshold is configured.
const DefaultBottleneckThreshold = 3

// slackTolerance guards the critical classification against floating-point
// noise in the forward/backward pass.
const slackTolerance = 0.001

// Schedule holds the CPM timing for a single subtask.
type Schedule struct {
	// SubtaskID is the subtask this schedule describes.
	SubtaskID string `json:"subtask_id"`
	// EarliestStart is the soonest the subtask can begin.
	EarliestStart float64 `json:"earliest_start"`
	// EarliestFinish is EarliestStart plus the subtask weight.
	EarliestFinish float64 `json:"earliest_finish"`
	// LatestStart is the latest begin time that does not delay the plan.
	LatestStart float64 `json:"latest_start"`
	// LatestFinish is the latest finish time that does not delay the plan.
	LatestFinish float64 `json:"latest_finish"`
	// Slack is LatestStart minus EarliestStart.
	Slack float64 `json:"slack"`
	// Critical is true when the slack is zero within tolerance.
	Critical bool `json:"critical"`
	// Stage is the parallel stage this subtask belongs to.
	Stage int `json:"stage"`
}

// Stage is a set of subtasks at the same longest-path-from-root depth.
// Members of one stage have no dependencies among each other and can run
// in parallel.
type Stage struct {
	// Index is the position of the stage in execution order.
	Index int `json:"index"`
	// SubtaskIDs are the members, sorted by ID.
	SubtaskIDs []string `json:"subtask_ids"`
	// Critical is true when the stage contains a critical subtask.
	Critical bool `json:"critical"`
}

// Bottleneck flags a subtask whose dependent fan-out meets the threshold.
type Bottleneck struct {
	// SubtaskID is the flagged subtask.
	SubtaskID string `json:"subtask_id"`
	// FanOut is the number of subtasks depending on it.
	FanOut int `json:"fan_out"`
}

// Plan is the complete output of a planning pass. It is immutable once
// generated; regenerate it if the graph changes.
type Plan struct {
	// GeneratedAt is when the plan was computed.
	GeneratedAt time.Time `json:"generated_at"`
	// Stages is the ordered sequence of parallel stages.
	Stages []Stage `json:"stages"`
	// Schedules maps subtask ID to its CPM timing.
	Schedules map[string]*Schedule `json:"schedules"`
	// CriticalPath is the heaviest root-to-leaf chain, in order.
	CriticalPath []string `json:"critical_path"`
	// EstimatedDuration is the critical path length: the floor on plan
	// duration even with unlimited workers.
	EstimatedDuration float64 `json:"estimated_duration"`
	// Bottlenecks lists high fan-out subtasks, widest first.
	Bottlenecks []Bottleneck `json:"bottlenecks"`
}

// Planner computes plans over a dependency graph.
type Planner struct {
	g                   *graph.DependencyGraph
	bottleneckThreshold int
	debugLog            func(format string, args ...interface{})
}

// Option configures a Planner.
type Option func(*Planner)

// WithBottleneckThreshold overrides the fan-out at which subtasks are
// flagged as bottlenecks. Values below one fall back to the default.
func WithBottleneckThreshold(n int) Option {
	return func(p *Planner) {
		if n >= 1 {
			p.bottleneckThreshold = n
		}
	}
}

// WithDebugLog sets the debug logging function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(p *Planner) {
		if fn != nil {
			p.debugLog = fn
		}
	}
}

// NewPlanner creates a planner over the given graph.
func NewPlanner(g *graph.DependencyGraph, opts ...Option) *Planner {
	p := &Planner{
		g:                   g,
		bottleneckThreshold: DefaultBottleneckThreshold,
		debugLog:            func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan runs the CPM passes and assembles the execution plan.
// Returns an error if the graph contains a cycle.
func (p *Planner) Plan() (*Plan, error) {
	order, err := p.g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	out := &Plan{
		GeneratedAt: time.Now(),
		Schedules:   make(map[string]*Schedule, len(order)),
	}
	if len(order) == 0 {
		return out, nil
	}

	weights := make(map[string]float64, len(order))
	for _, id := range order {
		st, err := p.g.Get(id)
		if err != nil {
			return nil, err
		}
		weights[id] = st.Weight
	}

	// Forward pass: earliest start is the max earliest finish among deps.
	es := make(map[string]float64, len(order))
	ef := make(map[string]float64, len(order))
	var projectFinish float64
	for _, id := range order {
		start := 0.0
		for _, depID := range p.g.GetDependencies(id) {
			if ef[depID] > start {
				start = ef[depID]
			}
		}
		es[id] = start
		ef[id] = start + weights[id]
		if ef[id] > projectFinish {
			projectFinish = ef[id]
		}
	}

	// Backward pass: latest finish is the min latest start among dependents,
	// seeded with the overall project finish at the sinks.
	ls := make(map[string]float64, len(order))
	lf := make(map[string]float64, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		finish := projectFinish
		for _, depID := range p.g.GetDependents(id) {
			if ls[depID] < finish {
				finish = ls[depID]
			}
		}
		lf[id] = finish
		ls[id] = finish - weights[id]
	}

	// Stage depth is the longest dependency chain from any root, in hops.
	depth := make(map[string]int, len(order))
	maxDepth := 0
	for _, id := range order {
		d := 0
		for _, depID := range p.g.GetDependencies(id) {
			if depth[depID]+1 > d {
				d = depth[depID] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	for _, id := range order {
		slack := ls[id] - es[id]
		out.Schedules[id] = &Schedule{
			SubtaskID:      id,
			EarliestStart:  es[id],
			EarliestFinish: ef[id],
			LatestStart:    ls[id],
			LatestFinish:   lf[id],
			Slack:          slack,
			Critical:       math.Abs(slack) <= slackTolerance,
			Stage:          depth[id],
		}
	}

	out.Stages = make([]Stage, maxDepth+1)
	for i := range out.Stages {
		out.Stages[i].Index = i
	}
	for _, id := range order {
		stage := &out.Stages[depth[id]]
		stage.SubtaskIDs = append(stage.SubtaskIDs, id)
		if out.Schedules[id].Critical {
			stage.Critical = true
		}
	}
	for i := range out.Stages {
		sort.Strings(out.Stages[i].SubtaskIDs)
	}

	for _, id := range order {
		fanOut := len(p.g.GetDependents(id))
		if fanOut >= p.bottleneckThreshold {
			out.Bottlenecks = append(out.Bottlenecks, Bottleneck{SubtaskID: id, FanOut: fanOut})
		}
	}
	sort.Slice(out.Bottlenecks, func(i, j int) bool {
		if out.Bottlenecks[i].FanOut != out.Bottlenecks[j].FanOut {
			return out.Bottlenecks[i].FanOut > out.Bottlenecks[j].FanOut
		}
		return out.Bottlenecks[i].SubtaskID < out.Bottlenecks[j].SubtaskID
	})

	path, _, err := p.g.CriticalPath()
	if err != nil {
		return nil, err
	}
	out.CriticalPath = path
	out.EstimatedDuration = projectFinish

	p.debugLog("[plan.Plan] %d stages, critical path %v, duration %v", len(out.Stages), path, projectFinish)
	return out, nil
}

// DurationWithWorkers estimates plan duration when at most cap subtasks run
// at once. Each stage's members are batched heaviest-first into groups of
// cap; the stage takes the sum of per-group maxima. A cap of zero or less
// means unbounded workers, so each stage takes its heaviest member.
func (pl *Plan) DurationWithWorkers(cap int) float64 {
	var total float64
	for _, stage := range pl.Stages {
		members := make([]float64, 0, len(stage.SubtaskIDs))
		for _, id := range stage.SubtaskIDs {
			sched := pl.Schedules[id]
			members = append(members, sched.EarliestFinish-sched.EarliestStart)
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(members)))

		if cap <= 0 {
			if len(members) > 0 {
				total += members[0]
			}
			continue
		}
		for i := 0; i < len(members); i += cap {
			// Members are sorted descending, so the batch maximum is first.
			total += members[i]
		}
	}
	return total
}

// CriticalIDs returns the subtasks classified critical by slack, sorted by
// earliest start so the sequence reads in execution order.
func (pl *Plan) CriticalIDs() []string {
	var ids []string
	for id, sched := range pl.Schedules {
		if sched.Critical {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := pl.Schedules[ids[i]], pl.Schedules[ids[j]]
		if a.EarliestStart != b.EarliestStart {
			return a.EarliestStart < b.EarliestStart
		}
		return ids[i] < ids[j]
	})
	return ids
}
