package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gafferd/gaffer/internal/state"
	"github.com/gafferd/gaffer/pkg/models"
)

var reportJSONOut bool

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Show the full audit trail for a run",
	Long: `Display everything the state database recorded about one run.

The report covers:
  - Run outcome, timing, and completed-weight fraction
  - Every subtask with its claim history, outputs, and failure history
  - Detected conflicts and how each was resolved
  - The partial result, for runs that degraded

Output formats:
  - Human-readable (default): Formatted text report
  - JSON (--json flag): Machine-readable structured output

Examples:
  gaffer report a1b2c3d4           # Human-readable report
  gaffer report a1b2c3d4 --json    # JSON output
  gaffer report a1b2c3d4 --json | jq '.conflicts'`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSONOut, "json", false, "Output in JSON format")
}

// runRecord aggregates everything persisted about one run.
type runRecord struct {
	Run        state.Run             `json:"run"`
	Subtasks   []subtaskRecord       `json:"subtasks"`
	Conflicts  []conflictRecord      `json:"conflicts,omitempty"`
	Unresolved int                   `json:"unresolved_conflicts"`
	Partial    *models.PartialResult `json:"partial_result,omitempty"`
}

// subtaskRecord pairs a subtask with its audit trail.
type subtaskRecord struct {
	Subtask  models.Subtask        `json:"subtask"`
	Claims   []state.Claim         `json:"claims,omitempty"`
	Outputs  []models.Output       `json:"outputs,omitempty"`
	Recovery *state.RecoveryRecord `json:"recovery,omitempty"`
}

// conflictRecord pairs a conflict with its resolution, if one exists.
type conflictRecord struct {
	Conflict   models.Conflict    `json:"conflict"`
	Resolution *models.Resolution `json:"resolution,omitempty"`
}

func runReport(cmd *cobra.Command, args []string) error {
	runID := args[0]

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	// Try project database first, then global
	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		dbPath = state.GlobalDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("no state database found")
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rec, err := buildRunRecord(db, runID)
	if err != nil {
		return err
	}

	if reportJSONOut {
		return outputReportJSON(rec)
	}
	return outputReportHumanReadable(rec)
}

// buildRunRecord loads the run and every audit trail attached to it.
func buildRunRecord(db *state.DB, runID string) (*runRecord, error) {
	run, err := db.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	rec := &runRecord{Run: *run}

	subtasks, err := db.ListSubtasks(runID, nil)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	for _, st := range subtasks {
		sr := subtaskRecord{Subtask: st}
		if sr.Claims, err = db.ListClaims(runID, st.ID); err != nil {
			return nil, fmt.Errorf("list claims for %s: %w", st.ID, err)
		}
		if sr.Outputs, err = db.ListOutputs(runID, st.ID); err != nil {
			return nil, fmt.Errorf("list outputs for %s: %w", st.ID, err)
		}
		if st.Attempts > 0 || st.Status == models.SubtaskFailed {
			if sr.Recovery, err = db.GetRecoveryRecord(runID, st.ID); err != nil {
				return nil, fmt.Errorf("get recovery record for %s: %w", st.ID, err)
			}
		}
		rec.Subtasks = append(rec.Subtasks, sr)
	}

	conflicts, err := db.ListConflicts(runID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	for _, c := range conflicts {
		cr := conflictRecord{Conflict: c}
		if cr.Resolution, err = db.GetResolution(c.ID); err != nil {
			return nil, fmt.Errorf("get resolution for %s: %w", c.ID, err)
		}
		rec.Conflicts = append(rec.Conflicts, cr)
	}

	unresolved, err := db.ListUnresolvedConflicts(runID)
	if err != nil {
		return nil, fmt.Errorf("list unresolved conflicts: %w", err)
	}
	rec.Unresolved = len(unresolved)

	if rec.Partial, err = db.GetPartialResult(runID); err != nil {
		return nil, fmt.Errorf("get partial result: %w", err)
	}

	return rec, nil
}

// outputReportJSON writes the run record as indented JSON.
func outputReportJSON(rec *runRecord) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rec)
}

// outputReportHumanReadable writes the run record as a sectioned text report.
func outputReportHumanReadable(rec *runRecord) error {
	r := rec.Run

	fmt.Println()
	fmt.Printf("=== Run Report: %s ===\n", r.ID)
	fmt.Println()
	if r.Goal != "" {
		fmt.Printf("Goal: %s\n", r.Goal)
	}
	fmt.Printf("Status: %s at %.0f%% of weight\n", colorStatus(r.Status), r.Fraction*100)
	fmt.Printf("Started: %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	if r.CompletedAt != nil {
		fmt.Printf("Duration: %s\n", formatDuration(r.CompletedAt.Sub(r.StartedAt)))
	}
	fmt.Println()

	counts := make(map[models.SubtaskStatus]int)
	for _, sr := range rec.Subtasks {
		counts[sr.Subtask.Status]++
	}
	fmt.Printf("Subtasks: %d done, %d failed, %d other\n",
		counts[models.SubtaskDone], counts[models.SubtaskFailed],
		len(rec.Subtasks)-counts[models.SubtaskDone]-counts[models.SubtaskFailed])
	fmt.Printf("Conflicts: %d detected, %d unresolved\n", len(rec.Conflicts), rec.Unresolved)

	fmt.Println()
	fmt.Println("--- Subtasks ---")
	for _, sr := range rec.Subtasks {
		st := sr.Subtask
		fmt.Printf("\n[%s] %s: \"%s\"\n", st.Status, st.ID, truncate(st.Description, 60))
		for _, c := range sr.Claims {
			line := fmt.Sprintf("   Claim: %s at %s", c.WorkerID, c.ClaimedAt.Format("15:04:05"))
			if c.ReleasedAt != nil {
				line += fmt.Sprintf(", released %s", c.ReleasedAt.Format("15:04:05"))
				if c.Reason != "" {
					line += fmt.Sprintf(" (%s)", c.Reason)
				}
			} else {
				line += ", still open"
			}
			fmt.Println(line)
		}
		for _, o := range sr.Outputs {
			suffix := ""
			if o.Superseded {
				suffix = " [superseded]"
			}
			fmt.Printf("   Output %s by %s at %s%s\n", o.ID, o.WorkerID, o.SubmittedAt.Format("15:04:05"), suffix)
		}
		if sr.Recovery != nil {
			fmt.Printf("   Failures: %d, last %s, strategy %s\n",
				sr.Recovery.FailureCount, sr.Recovery.LastClassification, sr.Recovery.Strategy)
			if sr.Recovery.LastError != "" {
				fmt.Printf("   Last error: %s\n", flattenReportStr(sr.Recovery.LastError, 100))
			}
		} else if st.Error != "" {
			fmt.Printf("   Last error: %s\n", flattenReportStr(st.Error, 100))
		}
	}

	if len(rec.Conflicts) > 0 {
		fmt.Println()
		fmt.Println("--- Conflicts ---")
		for _, cr := range rec.Conflicts {
			c := cr.Conflict
			where := c.SubtaskID
			if where == "" {
				where = "scope " + c.ScopeKey
			}
			fmt.Printf("\n[%s] %s on %s (%d outputs)\n", conflictStateLabel(cr.Resolution), c.ID, where, len(c.Outputs))
			if res := cr.Resolution; res != nil {
				switch {
				case res.RequiresEscalation:
					fmt.Printf("   %s could not pick a winner; awaiting an external decision\n", res.Strategy)
				case res.RerunSubtaskID != "":
					fmt.Printf("   %s scheduled a re-run of %s\n", res.Strategy, res.RerunSubtaskID)
				default:
					fmt.Printf("   %s picked %s (confidence %.2f, %d superseded)\n",
						res.Strategy, res.WinnerID, res.Confidence, len(res.LoserIDs))
				}
			}
		}
	}

	if p := rec.Partial; p != nil {
		fmt.Println()
		fmt.Println("--- Partial Result ---")
		fmt.Printf("Accepted at %s with %.0f%% of weight completed\n",
			p.AcceptedAt.Format("2006-01-02 15:04:05"), p.Fraction*100)
		if len(p.CompletedIDs) > 0 {
			fmt.Printf("Completed: %s\n", strings.Join(p.CompletedIDs, ", "))
		}
		for _, f := range p.Failed {
			fmt.Printf("Failed: %s (%s) %s\n", f.ID, f.Classification, flattenReportStr(f.Error, 80))
		}
		if len(p.PendingIDs) > 0 {
			fmt.Printf("Pending: %s\n", strings.Join(p.PendingIDs, ", "))
		}
		if len(p.UnresolvedConflicts) > 0 {
			fmt.Printf("Unresolved conflicts: %s\n", strings.Join(p.UnresolvedConflicts, ", "))
			fmt.Printf("Settle each with 'gaffer resolve %s <conflict-id> --winner <output-id>'\n", p.RunID)
		}
	}

	fmt.Println()
	return nil
}

// conflictStateLabel renders the settlement state of a conflict.
func conflictStateLabel(res *models.Resolution) string {
	switch {
	case res == nil:
		return "open"
	case res.RequiresEscalation:
		return "escalated"
	default:
		return "resolved"
	}
}

// flattenReportStr collapses newlines and shortens a string for one-line display.
func flattenReportStr(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	return truncate(s, maxLen)
}
