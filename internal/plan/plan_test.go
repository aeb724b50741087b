package plan

import (
	"math"
	"testing"

	"github.com/gafferd/gaffer/internal/graph"
	"github.com/gafferd/gaffer/pkg/models"
)

func newSubtask(id string, weight float64, deps ...string) *models.Subtask {
	return &models.Subtask{
		ID:        id,
		Status:    models.SubtaskPending,
		Priority:  models.PriorityMedium,
		DependsOn: deps,
		Weight:    weight,
	}
}

// diamondGraph builds A -> {B, C} -> D with weights 1, 2, 3, 1.
func diamondGraph(t *testing.T) *graph.DependencyGraph {
	t.Helper()
	g := graph.New()
	err := g.Build([]*models.Subtask{
		newSubtask("A", 1),
		newSubtask("B", 2, "A"),
		newSubtask("C", 3, "A"),
		newSubtask("D", 1, "B", "C"),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPlan_DiamondStages(t *testing.T) {
	p := NewPlanner(diamondGraph(t))
	pl, err := p.Plan()
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if len(pl.Stages) != len(want) {
		t.Fatalf("got %d stages, want %d", len(pl.Stages), len(want))
	}
	for i, stage := range pl.Stages {
		if stage.Index != i {
			t.Errorf("stage %d has index %d", i, stage.Index)
		}
		if len(stage.SubtaskIDs) != len(want[i]) {
			t.Fatalf("stage %d = %v, want %v", i, stage.SubtaskIDs, want[i])
		}
		for j := range want[i] {
			if stage.SubtaskIDs[j] != want[i][j] {
				t.Errorf("stage %d = %v, want %v", i, stage.SubtaskIDs, want[i])
			}
		}
	}
}

func TestPlan_DiamondCPM(t *testing.T) {
	p := NewPlanner(diamondGraph(t))
	pl, err := p.Plan()
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	cases := []struct {
		id             string
		es, ef, ls, lf float64
		slack          float64
		critical       bool
	}{
		{"A", 0, 1, 0, 1, 0, true},
		{"B", 1, 3, 2, 4, 1, false},
		{"C", 1, 4, 1, 4, 0, true},
		{"D", 4, 5, 4, 5, 0, true},
	}

	for _, tc := range cases {
		sched, ok := pl.Schedules[tc.id]
		if !ok {
			t.Fatalf("no schedule for %s", tc.id)
		}
		if !almostEqual(sched.EarliestStart, tc.es) {
			t.Errorf("%s EarliestStart = %v, want %v", tc.id, sched.EarliestStart, tc.es)
		}
		if !almostEqual(sched.EarliestFinish, tc.ef) {
			t.Errorf("%s EarliestFinish = %v, want %v", tc.id, sched.EarliestFinish, tc.ef)
		}
		if !almostEqual(sched.LatestStart, tc.ls) {
			t.Errorf("%s LatestStart = %v, want %v", tc.id, sched.LatestStart, tc.ls)
		}
		if !almostEqual(sched.LatestFinish, tc.lf) {
			t.Errorf("%s LatestFinish = %v, want %v", tc.id, sched.LatestFinish, tc.lf)
		}
		if !almostEqual(sched.Slack, tc.slack) {
			t.Errorf("%s Slack = %v, want %v", tc.id, sched.Slack, tc.slack)
		}
		if sched.Critical != tc.critical {
			t.Errorf("%s Critical = %v, want %v", tc.id, sched.Critical, tc.critical)
		}
	}

	if !almostEqual(pl.EstimatedDuration, 5) {
		t.Errorf("EstimatedDuration = %v, want 5", pl.EstimatedDuration)
	}
}

func TestPlan_DiamondCriticalPath(t *testing.T) {
	p := NewPlanner(diamondGraph(t))
	pl, err := p.Plan()
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	want := []string{"A", "C", "D"}
	if len(pl.CriticalPath) != len(want) {
		t.Fatalf("CriticalPath = %v, want %v", pl.CriticalPath, want)
	}
	for i := range want {
		if pl.CriticalPath[i] != want[i] {
			t.Errorf("CriticalPath = %v, want %v", pl.CriticalPath, want)
			break
		}
	}

	// The slack-derived classification must agree with the path.
	ids := pl.CriticalIDs()
	if len(ids) != 3 || ids[0] != "A" || ids[1] != "C" || ids[2] != "D" {
		t.Errorf("CriticalIDs() = %v, want [A C D]", ids)
	}
}

func TestPlan_Bottlenecks(t *testing.T) {
	g := graph.New()
	err := g.Build([]*models.Subtask{
		newSubtask("root", 1),
		newSubtask("x", 1, "root"),
		newSubtask("y", 1, "root"),
		newSubtask("z", 1, "root"),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	pl, err := NewPlanner(g).Plan()
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(pl.Bottlenecks) != 1 {
		t.Fatalf("Bottlenecks = %v, want exactly root", pl.Bottlenecks)
	}
	if pl.Bottlenecks[0].SubtaskID != "root" || pl.Bottlenecks[0].FanOut != 3 {
		t.Errorf("Bottlenecks[0] = %+v, want root with fan-out 3", pl.Bottlenecks[0])
	}

	// Raising the threshold above the fan-out clears the flag.
	pl, err = NewPlanner(g, WithBottleneckThreshold(4)).Plan()
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(pl.Bottlenecks) != 0 {
		t.Errorf("Bottlenecks with threshold 4 = %v, want none", pl.Bottlenecks)
	}
}

func TestPlan_EmptyGraph(t *testing.T) {
	pl, err := NewPlanner(graph.New()).Plan()
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(pl.Stages) != 0 {
		t.Errorf("Stages = %v, want none", pl.Stages)
	}
	if pl.EstimatedDuration != 0 {
		t.Errorf("EstimatedDuration = %v, want 0", pl.EstimatedDuration)
	}
}

func TestPlan_DisconnectedComponents(t *testing.T) {
	g := graph.New()
	err := g.Build([]*models.Subtask{
		newSubtask("p", 2),
		newSubtask("q", 5),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	pl, err := NewPlanner(g).Plan()
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(pl.Stages) != 1 || len(pl.Stages[0].SubtaskIDs) != 2 {
		t.Fatalf("Stages = %v, want one stage with both roots", pl.Stages)
	}
	if !almostEqual(pl.EstimatedDuration, 5) {
		t.Errorf("EstimatedDuration = %v, want 5", pl.EstimatedDuration)
	}
	// The lighter root has slack; only the heavier one is critical.
	if pl.Schedules["p"].Critical {
		t.Error("p should not be critical")
	}
	if !almostEqual(pl.Schedules["p"].Slack, 3) {
		t.Errorf("p Slack = %v, want 3", pl.Schedules["p"].Slack)
	}
	if !pl.Schedules["q"].Critical {
		t.Error("q should be critical")
	}
}

func TestPlan_DurationWithWorkers(t *testing.T) {
	p := NewPlanner(diamondGraph(t))
	pl, err := p.Plan()
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	tests := []struct {
		name string
		cap  int
		want float64
	}{
		{"serial", 1, 7},
		{"two workers", 2, 5},
		{"unbounded", 0, 5},
		{"more workers than width", 8, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pl.DurationWithWorkers(tt.cap); !almostEqual(got, tt.want) {
				t.Errorf("DurationWithWorkers(%d) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

func TestPlan_SingleNode(t *testing.T) {
	g := graph.New()
	if err := g.AddSubtask(newSubtask("solo", 4)); err != nil {
		t.Fatalf("AddSubtask() error = %v", err)
	}
	pl, err := NewPlanner(g).Plan()
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(pl.Stages) != 1 || len(pl.Stages[0].SubtaskIDs) != 1 {
		t.Fatalf("Stages = %v, want a single one-member stage", pl.Stages)
	}
	if !pl.Schedules["solo"].Critical {
		t.Error("a lone subtask is trivially critical")
	}
	if !almostEqual(pl.EstimatedDuration, 4) {
		t.Errorf("EstimatedDuration = %v, want 4", pl.EstimatedDuration)
	}
}
