package conflict

import (
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/gafferd/gaffer/pkg/models"
)

// Sentinel errors returned by resolution strategies.
var (
	// ErrNoOutputs indicates a conflict carries no outputs to choose from.
	ErrNoOutputs = errors.New("conflict has no outputs")
	// ErrNoRerunTarget indicates a conflict names no subtask to re-run.
	ErrNoRerunTarget = errors.New("conflict has no subtask to re-run")
)

// Strategy resolves one conflict into a resolution. Implementations must
// not mutate the conflict; committing the outcome is the caller's job.
type Strategy interface {
	// Kind names the strategy.
	Kind() models.StrategyKind
	// Resolve picks an outcome for the conflict.
	Resolve(c *models.Conflict) (*models.Resolution, error)
}

// VotingStrategy resolves by majority: outputs with equivalent payloads
// form a voting bloc, the largest bloc wins, and the earliest submission
// in that bloc becomes the committed output. Confidence is the winning
// bloc's share of all votes. A tie between the largest blocs picks no
// winner and requires escalation.
type VotingStrategy struct{}

// Kind names the strategy.
func (VotingStrategy) Kind() models.StrategyKind { return models.StrategyVoting }

// Resolve applies majority voting to the conflict's outputs.
func (VotingStrategy) Resolve(c *models.Conflict) (*models.Resolution, error) {
	if len(c.Outputs) == 0 {
		return nil, ErrNoOutputs
	}

	var keys []string
	blocs := make(map[string][]int)
	for i, out := range c.Outputs {
		k := normalizePayload(out.Payload)
		if _, seen := blocs[k]; !seen {
			keys = append(keys, k)
		}
		blocs[k] = append(blocs[k], i)
	}

	best := keys[0]
	tie := false
	for _, k := range keys[1:] {
		switch {
		case len(blocs[k]) > len(blocs[best]):
			best = k
			tie = false
		case len(blocs[k]) == len(blocs[best]):
			tie = true
		}
	}

	res := &models.Resolution{
		ConflictID: c.ID,
		Strategy:   models.StrategyVoting,
		Confidence: float64(len(blocs[best])) / float64(len(c.Outputs)),
		ResolvedAt: time.Now(),
	}
	if tie {
		res.RequiresEscalation = true
		return res, nil
	}

	winner := blocs[best][0]
	res.WinnerID = c.Outputs[winner].ID
	for i, out := range c.Outputs {
		if i != winner {
			res.LoserIDs = append(res.LoserIDs, out.ID)
		}
	}
	return res, nil
}

// PriorityStrategy resolves in favor of the most trusted worker: the
// output from the lowest-ranked submitter wins. Confidence scales with
// the rank gap to the runner-up, approaching 1 as the gap grows. When
// the top two submitters share a rank, the earliest submission wins with
// zero confidence and the resolution requires escalation.
type PriorityStrategy struct {
	rankOf func(workerID string) (int, bool)
}

// NewPriorityStrategy creates a priority strategy backed by a worker
// rank lookup. Workers the lookup does not know rank below every known
// worker.
func NewPriorityStrategy(rankOf func(workerID string) (int, bool)) *PriorityStrategy {
	if rankOf == nil {
		rankOf = func(string) (int, bool) { return 0, false }
	}
	return &PriorityStrategy{rankOf: rankOf}
}

// Kind names the strategy.
func (*PriorityStrategy) Kind() models.StrategyKind { return models.StrategyPriority }

// Resolve picks the output submitted by the highest-priority worker.
func (s *PriorityStrategy) Resolve(c *models.Conflict) (*models.Resolution, error) {
	if len(c.Outputs) == 0 {
		return nil, ErrNoOutputs
	}

	type candidate struct {
		idx  int
		rank int
	}
	cands := make([]candidate, len(c.Outputs))
	for i, out := range c.Outputs {
		rank, known := s.rankOf(out.WorkerID)
		if !known {
			rank = math.MaxInt32
		}
		cands[i] = candidate{idx: i, rank: rank}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].rank != cands[j].rank {
			return cands[i].rank < cands[j].rank
		}
		return c.Outputs[cands[i].idx].SubmittedAt.Before(c.Outputs[cands[j].idx].SubmittedAt)
	})

	res := &models.Resolution{
		ConflictID: c.ID,
		Strategy:   models.StrategyPriority,
		WinnerID:   c.Outputs[cands[0].idx].ID,
		ResolvedAt: time.Now(),
	}
	for _, cand := range cands[1:] {
		res.LoserIDs = append(res.LoserIDs, c.Outputs[cand.idx].ID)
	}

	if len(cands) == 1 {
		res.Confidence = 1
		return res, nil
	}
	gap := cands[1].rank - cands[0].rank
	if gap == 0 {
		res.RequiresEscalation = true
		return res, nil
	}
	res.Confidence = float64(gap) / float64(gap+1)
	return res, nil
}

// ReevaluationStrategy accepts none of the submitted outputs: all are
// superseded and the subtask goes back to the ready state for a fresh
// attempt by a different worker.
type ReevaluationStrategy struct{}

// Kind names the strategy.
func (ReevaluationStrategy) Kind() models.StrategyKind { return models.StrategyReevaluation }

// Resolve rejects every output and schedules a re-run of the subtask.
func (ReevaluationStrategy) Resolve(c *models.Conflict) (*models.Resolution, error) {
	if len(c.Outputs) == 0 {
		return nil, ErrNoOutputs
	}
	if c.SubtaskID == "" {
		return nil, ErrNoRerunTarget
	}

	res := &models.Resolution{
		ConflictID:     c.ID,
		Strategy:       models.StrategyReevaluation,
		RerunSubtaskID: c.SubtaskID,
		ResolvedAt:     time.Now(),
	}
	for _, out := range c.Outputs {
		res.LoserIDs = append(res.LoserIDs, out.ID)
	}
	return res, nil
}

// normalizePayload is the payload form used for vote grouping.
func normalizePayload(p string) string {
	return strings.TrimSpace(p)
}
