package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gafferd/gaffer/internal/state"
	"github.com/gafferd/gaffer/pkg/models"
)

var resolveWinner string

var resolveCmd = &cobra.Command{
	Use:   "resolve <run-id> <conflict-id>",
	Short: "Settle an escalated conflict by hand",
	Long: `Pick the authoritative output for a conflict the automatic
strategies could not settle.

Escalated conflicts appear in 'gaffer report <run-id>' with their
disagreeing outputs. Settling one records a manual resolution, marks the
losing outputs superseded, and clears the conflict from the unresolved
list.

Examples:
  gaffer resolve a1b2c3d4 9f3e --winner 7c1a`,
	Args: cobra.ExactArgs(2),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveWinner, "winner", "", "Output ID to accept as authoritative (required)")
	resolveCmd.MarkFlagRequired("winner")
}

func runResolve(cmd *cobra.Command, args []string) error {
	runID, conflictID := args[0], args[1]

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

	c, err := db.GetConflict(runID, conflictID)
	if err != nil {
		return fmt.Errorf("get conflict: %w", err)
	}
	if c == nil {
		return fmt.Errorf("conflict %s not found in run %s", conflictID, runID)
	}

	existing, err := db.GetResolution(conflictID)
	if err != nil {
		return fmt.Errorf("get resolution: %w", err)
	}
	if existing != nil && !existing.RequiresEscalation {
		return fmt.Errorf("conflict %s is already resolved: %s picked %s",
			conflictID, existing.Strategy, existing.WinnerID)
	}

	var losers []string
	found := false
	for _, o := range c.Outputs {
		if o.ID == resolveWinner {
			found = true
			continue
		}
		losers = append(losers, o.ID)
	}
	if !found {
		return fmt.Errorf("output %s is not part of conflict %s (candidates: %s)",
			resolveWinner, conflictID, outputIDs(c.Outputs))
	}

	res := &models.Resolution{
		ConflictID: conflictID,
		Strategy:   models.StrategyManual,
		WinnerID:   resolveWinner,
		LoserIDs:   losers,
		Confidence: 1,
		ResolvedAt: time.Now(),
	}
	if err := db.SaveResolution(runID, res); err != nil {
		return fmt.Errorf("save resolution: %w", err)
	}
	for _, id := range losers {
		if err := db.MarkOutputSuperseded(id); err != nil {
			return fmt.Errorf("supersede output %s: %w", id, err)
		}
	}

	fmt.Printf("Conflict %s settled: %s is authoritative, %d output(s) superseded.\n",
		conflictID, resolveWinner, len(losers))
	return nil
}

// outputIDs joins the IDs of a conflict's outputs for display.
func outputIDs(outputs []models.Output) string {
	s := ""
	for i, o := range outputs {
		if i > 0 {
			s += ", "
		}
		s += o.ID
	}
	return s
}
