package orchestrator

import (
	"log"
	"time"

	"github.com/gafferd/gaffer/internal/recovery"
	"github.com/gafferd/gaffer/internal/state"
	"github.com/gafferd/gaffer/pkg/models"
)

// Persistence helpers. Every helper is a no-op when no state DB is
// configured, so the orchestrator can run fully in memory. Write
// failures after the run record exists are logged, not fatal: losing an
// audit row is better than killing a live run.

func (o *Orchestrator) persistRunStart() error {
	if o.stateDB == nil {
		return nil
	}
	// A resumed run already has a row; reopen it and reload the failure
	// histories so retry budgets survive the restart.
	if existing, err := o.stateDB.GetRun(o.runID); err == nil && existing != nil {
		existing.Status = models.RunActive
		existing.CompletedAt = nil
		o.restoreRecoveryState()
		return o.stateDB.UpdateRun(existing)
	}
	return o.stateDB.CreateRun(&state.Run{
		ID:        o.runID,
		Goal:      o.goal,
		Status:    models.RunActive,
		StartedAt: time.Now(),
	})
}

// restoreRecoveryState reloads persisted failure histories into the
// recovery engine and carries over conflicts the previous execution left
// unresolved, so they still appear in the final document.
func (o *Orchestrator) restoreRecoveryState() {
	recs, err := o.stateDB.ListRecoveryRecords(o.runID)
	if err != nil {
		log.Printf("[orchestrator] load recovery records: %v", err)
	}
	for _, rec := range recs {
		strategy, _ := recovery.ParseStrategy(rec.Strategy)
		o.engine.RestoreRecord(recovery.Record{
			SubtaskID:          rec.SubtaskID,
			FailureCount:       rec.FailureCount,
			LastClassification: rec.LastClassification,
			LastError:          rec.LastError,
			BreakerState:       recovery.BreakerState(rec.BreakerState),
			ChosenStrategy:     strategy,
			UpdatedAt:          rec.UpdatedAt,
		})
	}
	if len(recs) > 0 {
		log.Printf("[orchestrator] restored failure history for %d subtask(s)", len(recs))
	}

	unresolved, err := o.stateDB.ListUnresolvedConflicts(o.runID)
	if err != nil {
		log.Printf("[orchestrator] load unresolved conflicts: %v", err)
		return
	}
	for _, c := range unresolved {
		o.priorUnresolved = append(o.priorUnresolved, c.ID)
	}
	if len(unresolved) > 0 {
		log.Printf("[orchestrator] carrying %d unresolved conflict(s) from the previous execution", len(unresolved))
	}
}

func (o *Orchestrator) persistRunEnd(status models.RunStatus, fraction float64) {
	if o.stateDB == nil {
		return
	}
	run, err := o.stateDB.GetRun(o.runID)
	if err != nil || run == nil {
		return
	}
	now := time.Now()
	run.Status = status
	run.CompletedAt = &now
	run.Fraction = fraction
	if err := o.stateDB.UpdateRun(run); err != nil {
		log.Printf("[orchestrator] persist run end: %v", err)
	}
}

func (o *Orchestrator) persistSubtaskCreate(st *models.Subtask) {
	if o.stateDB == nil {
		return
	}
	if err := o.stateDB.CreateSubtask(o.runID, st); err != nil {
		// The row exists when resuming; fall back to an update.
		if uerr := o.stateDB.UpdateSubtask(o.runID, st); uerr != nil {
			log.Printf("[orchestrator] persist subtask %s: %v", st.ID, err)
		}
	}
}

func (o *Orchestrator) persistSubtask(st *models.Subtask) {
	if o.stateDB == nil {
		return
	}
	if err := o.stateDB.UpdateSubtask(o.runID, st); err != nil {
		log.Printf("[orchestrator] persist subtask %s: %v", st.ID, err)
	}
}

func (o *Orchestrator) persistClaim(subtaskID, workerID string) int64 {
	if o.stateDB == nil {
		return 0
	}
	id, err := o.stateDB.RecordClaim(o.runID, subtaskID, workerID)
	if err != nil {
		log.Printf("[orchestrator] record claim for %s: %v", subtaskID, err)
		return 0
	}
	return id
}

func (o *Orchestrator) persistClaimRelease(claimID int64, reason string) {
	if o.stateDB == nil || claimID == 0 {
		return
	}
	if err := o.stateDB.ReleaseClaim(claimID, reason); err != nil {
		log.Printf("[orchestrator] release claim %d: %v", claimID, err)
	}
}

// persistOpenClaimRelease closes claim rows by subtask when the row ID is
// not at hand, as with swept stale claims.
func (o *Orchestrator) persistOpenClaimRelease(subtaskID, reason string) {
	if o.stateDB == nil {
		return
	}
	claims, err := o.stateDB.ListOpenClaims(o.runID)
	if err != nil {
		log.Printf("[orchestrator] list open claims: %v", err)
		return
	}
	for _, c := range claims {
		if c.SubtaskID != subtaskID {
			continue
		}
		if err := o.stateDB.ReleaseClaim(c.ID, reason); err != nil {
			log.Printf("[orchestrator] release claim %d: %v", c.ID, err)
		}
	}
}

func (o *Orchestrator) persistOutput(out *models.Output) {
	if o.stateDB == nil {
		return
	}
	if err := o.stateDB.SaveOutput(o.runID, out); err != nil {
		log.Printf("[orchestrator] persist output %s: %v", out.ID, err)
	}
}

func (o *Orchestrator) persistSuperseded(outputIDs []string) {
	if o.stateDB == nil {
		return
	}
	for _, id := range outputIDs {
		if err := o.stateDB.MarkOutputSuperseded(id); err != nil {
			log.Printf("[orchestrator] supersede output %s: %v", id, err)
		}
	}
}

func (o *Orchestrator) persistConflict(c *models.Conflict) {
	if o.stateDB == nil {
		return
	}
	if err := o.stateDB.SaveConflict(o.runID, c); err != nil {
		log.Printf("[orchestrator] persist conflict %s: %v", c.ID, err)
	}
}

func (o *Orchestrator) persistResolution(res *models.Resolution) {
	if o.stateDB == nil {
		return
	}
	if err := o.stateDB.SaveResolution(o.runID, res); err != nil {
		log.Printf("[orchestrator] persist resolution for %s: %v", res.ConflictID, err)
	}
}

func (o *Orchestrator) persistRecovery(subtaskID string) {
	if o.stateDB == nil {
		return
	}
	rec, ok := o.engine.GetRecord(subtaskID)
	if !ok {
		return
	}
	err := o.stateDB.SaveRecoveryRecord(&state.RecoveryRecord{
		RunID:              o.runID,
		SubtaskID:          rec.SubtaskID,
		FailureCount:       rec.FailureCount,
		LastClassification: rec.LastClassification,
		LastError:          rec.LastError,
		Strategy:           rec.ChosenStrategy.String(),
		BreakerState:       string(rec.BreakerState),
		UpdatedAt:          rec.UpdatedAt,
	})
	if err != nil {
		log.Printf("[orchestrator] persist recovery record for %s: %v", subtaskID, err)
	}
}

func (o *Orchestrator) persistPartialResult(pr *models.PartialResult) {
	if o.stateDB == nil {
		return
	}
	if err := o.stateDB.SavePartialResult(pr); err != nil {
		log.Printf("[orchestrator] persist partial result: %v", err)
	}
}
