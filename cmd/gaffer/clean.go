package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gafferd/gaffer/internal/state"
)

var (
	cleanForce       bool
	cleanDryRun      bool
	cleanAge         time.Duration
	cleanInterrupted bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Purge old runs from the state database",
	Long: `Delete runs older than a cutoff from the state database.

Subtask history, claim and conflict audit trails, and recovery records
are removed along with each run. The project database (.gaffer/state.db)
is used when present; otherwise the global one.

With --interrupted:
  - Abandons a run whose process died, marking it aborted

Use this after a crash when the run should not be resumed.

Examples:
  gaffer clean                    # Interactive purge with confirmation
  gaffer clean --force            # Skip confirmation prompt
  gaffer clean --dry-run          # Show what would be purged
  gaffer clean --older-than 168h  # Purge runs started over a week ago
  gaffer clean --interrupted      # Also abandon an interrupted run`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVarP(&cleanForce, "force", "f", false, "Skip confirmation prompt")
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "Show what would be purged without purging")
	cleanCmd.Flags().DurationVar(&cleanAge, "older-than", 30*24*time.Hour, "Purge runs started before this long ago")
	cleanCmd.Flags().BoolVar(&cleanInterrupted, "interrupted", false, "Abandon an interrupted run, marking it aborted")
}

func runClean(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		// Fall back to the global database
		dbPath = state.GlobalDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No database found - nothing to purge.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := purgeOldRuns(db); err != nil {
		return err
	}

	if cleanInterrupted {
		if err := cleanupInterruptedRun(db); err != nil {
			return err
		}
	}

	return nil
}

// purgeOldRuns deletes runs started before the --older-than cutoff.
func purgeOldRuns(db *state.DB) error {
	runs, err := db.ListRuns(nil)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	cutoff := time.Now().Add(-cleanAge)
	count := 0
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			count++
		}
	}

	if count == 0 {
		fmt.Printf("No runs older than %s found.\n", cleanAge)
		return nil
	}

	if cleanDryRun {
		fmt.Printf("Dry run: would purge %d run(s) older than %s.\n", count, cleanAge)
		return nil
	}

	if !cleanForce {
		if !confirm(fmt.Sprintf("Purge %d run(s) older than %s? [y/N] ", count, cleanAge)) {
			fmt.Println("Purge cancelled.")
			return nil
		}
	}

	purged, err := db.PurgeOldRuns(cleanAge)
	if err != nil {
		return fmt.Errorf("purge old runs: %w", err)
	}

	fmt.Printf("Purged %d run(s).\n", purged)
	return nil
}

// cleanupInterruptedRun abandons a run whose process died. In-flight
// subtasks are marked failed and the run is marked aborted, so it no
// longer shows as active.
func cleanupInterruptedRun(db *state.DB) error {
	rm := state.NewResumeManager(db)
	interrupted, err := rm.CheckForInterrupted()
	if err != nil {
		return fmt.Errorf("check for interrupted runs: %w", err)
	}
	if interrupted == nil {
		fmt.Println("No interrupted run found.")
		return nil
	}

	fmt.Printf("Run %s: %d subtask(s) in flight, last activity %s ago\n",
		interrupted.RunID, interrupted.InFlight,
		formatDuration(time.Since(interrupted.LastActivity)))

	if cleanDryRun {
		fmt.Println("Dry run: the run would be marked aborted.")
		return nil
	}

	if !cleanForce {
		if !confirm(fmt.Sprintf("Abandon run %s and mark it aborted? [y/N] ", interrupted.RunID)) {
			fmt.Println("Cleanup cancelled.")
			return nil
		}
	}

	if err := rm.Clean(interrupted.RunID); err != nil {
		return fmt.Errorf("clean interrupted run: %w", err)
	}

	fmt.Printf("Run %s marked aborted.\n", interrupted.RunID)
	return nil
}

// confirm prompts on stdout and reads a y/N answer from stdin.
func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
