package conflict

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gafferd/gaffer/pkg/models"
)

// ErrUnmappedType indicates no strategy is mapped for a conflict type.
var ErrUnmappedType = errors.New("no strategy mapped for conflict type")

// Resolver selects a strategy per conflict classification and applies
// it. The default mapping sends duplicate and divergent outputs to
// voting, interpretation mismatches to the priority strategy, and
// dependency mismatches to re-evaluation.
type Resolver struct {
	mu         sync.Mutex
	strategies map[models.StrategyKind]Strategy
	byType     map[models.ConflictType]models.StrategyKind
	history    []models.Resolution
	debugLog   func(format string, args ...interface{})
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithStrategy registers a strategy, replacing any existing one of the
// same kind.
func WithStrategy(s Strategy) ResolverOption {
	return func(r *Resolver) {
		if s != nil {
			r.strategies[s.Kind()] = s
		}
	}
}

// WithMapping routes a conflict type to a strategy kind.
func WithMapping(t models.ConflictType, k models.StrategyKind) ResolverOption {
	return func(r *Resolver) {
		if t.Valid() && k.Valid() {
			r.byType[t] = k
		}
	}
}

// WithResolverDebugLog sets the debug logging function.
func WithResolverDebugLog(fn func(format string, args ...interface{})) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.debugLog = fn
		}
	}
}

// NewResolver creates a resolver with the three standard strategies and
// the default type mapping. The rank lookup feeds the priority strategy;
// pass nil if no worker ranking exists, which makes priority resolutions
// escalate on every multi-worker conflict.
func NewResolver(rankOf func(workerID string) (int, bool), opts ...ResolverOption) *Resolver {
	r := &Resolver{
		strategies: map[models.StrategyKind]Strategy{
			models.StrategyVoting:       VotingStrategy{},
			models.StrategyPriority:     NewPriorityStrategy(rankOf),
			models.StrategyReevaluation: ReevaluationStrategy{},
		},
		byType: map[models.ConflictType]models.StrategyKind{
			models.ConflictDuplicateOutput: models.StrategyVoting,
			models.ConflictDivergentOutput: models.StrategyVoting,
			models.ConflictInterpretation:  models.StrategyPriority,
			models.ConflictDependency:      models.StrategyReevaluation,
		},
		debugLog: func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve picks the strategy mapped to the conflict's type and applies
// it. The resolution is recorded in the resolver's history either way;
// committing it to the output store is the caller's job.
func (r *Resolver) Resolve(c *models.Conflict) (*models.Resolution, error) {
	r.mu.Lock()
	kind, ok := r.byType[c.Type]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnmappedType, c.Type)
	}
	strat, ok := r.strategies[kind]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("strategy %s is mapped for %s but not registered", kind, c.Type)
	}

	r.debugLog("[conflict] resolving %s (%s) via %s", c.ID, c.Type, kind)
	res, err := strat.Resolve(c)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict %s via %s: %w", c.ID, kind, err)
	}

	r.mu.Lock()
	r.history = append(r.history, *res)
	r.mu.Unlock()

	switch {
	case res.RequiresEscalation:
		log.Printf("[conflict] %s (%s): %s could not pick a winner, escalation required", c.ID, c.Type, kind)
	case res.RerunSubtaskID != "":
		log.Printf("[conflict] %s (%s): subtask %s reset for re-evaluation", c.ID, c.Type, res.RerunSubtaskID)
	default:
		log.Printf("[conflict] %s (%s): output %s wins with confidence %.2f", c.ID, c.Type, res.WinnerID, res.Confidence)
	}
	return res, nil
}

// History returns every resolution produced so far, in order.
func (r *Resolver) History() []models.Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Resolution, len(r.history))
	copy(out, r.history)
	return out
}
