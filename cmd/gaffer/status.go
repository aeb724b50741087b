package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gafferd/gaffer/internal/state"
	"github.com/gafferd/gaffer/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run state",
	Long: `Display the state of the current and recent runs.

Shows:
  - The active run, its progress, and in-flight subtasks
  - Interrupted runs that can be resumed
  - Recent runs and their outcomes`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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
		fmt.Println("No runs recorded. Run 'gaffer run -f plan.yaml' to start.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Ensure schema is up to date
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	run, err := db.GetActiveRun()
	if err != nil {
		return fmt.Errorf("get active run: %w", err)
	}

	if run == nil {
		fmt.Println("No active run.")
		return displayRecentRuns(db)
	}

	if err := displayRun(db, run); err != nil {
		return err
	}

	// An active row with claims going nowhere usually means the process
	// behind it died.
	rm := state.NewResumeManager(db)
	if interrupted, err := rm.CheckForInterrupted(); err == nil && interrupted != nil {
		fmt.Println()
		fmt.Printf("%s run %s may be interrupted (last activity %s ago, %d in flight)\n",
			color.YellowString("⚠"), interrupted.RunID,
			formatDuration(time.Since(interrupted.LastActivity)), interrupted.InFlight)
		fmt.Printf("  Resume with 'gaffer run --resume %s' or abandon with 'gaffer clean --interrupted'\n", interrupted.RunID)
	}

	fmt.Println()
	return displayRecentRuns(db)
}

func displayRun(db *state.DB, r *state.Run) error {
	fmt.Printf("Current Run: %s\n", r.ID)
	if r.Goal != "" {
		fmt.Printf("  Goal: %s\n", r.Goal)
	}
	fmt.Printf("  Started: %s ago\n", formatDuration(time.Since(r.StartedAt)))
	fmt.Printf("  Status: %s\n", colorStatus(r.Status))

	subtasks, err := db.ListSubtasks(r.ID, nil)
	if err != nil {
		return fmt.Errorf("list subtasks: %w", err)
	}
	counts := make(map[models.SubtaskStatus]int)
	for _, st := range subtasks {
		counts[st.Status]++
	}
	fmt.Printf("  Subtasks: %d done, %d running, %d claimed, %d ready, %d pending, %d failed\n",
		counts[models.SubtaskDone], counts[models.SubtaskRunning], counts[models.SubtaskClaimed],
		counts[models.SubtaskReady], counts[models.SubtaskPending], counts[models.SubtaskFailed])

	inFlight, err := db.ListInFlightSubtasks(r.ID)
	if err != nil {
		return fmt.Errorf("list in-flight subtasks: %w", err)
	}
	if len(inFlight) > 0 {
		fmt.Println()
		fmt.Println("In flight:")
		for _, st := range inFlight {
			assignee := st.AssignedTo
			if assignee == "" {
				assignee = "unassigned"
			}
			fmt.Printf("  %s: \"%s\" on %s\n", st.ID, truncate(st.Description, 60), assignee)
		}
	}
	return nil
}

func displayRecentRuns(db *state.DB) error {
	runs, err := db.ListRuns(nil)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	// Filter to non-active runs and limit to 5
	var recent []state.Run
	for _, r := range runs {
		if r.Status != models.RunActive {
			recent = append(recent, r)
			if len(recent) >= 5 {
				break
			}
		}
	}

	if len(recent) == 0 {
		return nil
	}

	fmt.Println("Recent Runs:")
	for _, r := range recent {
		elapsed := formatDuration(time.Since(r.StartedAt))
		fmt.Printf("  %s: %s at %.0f%% (%s ago)\n", r.ID, colorStatus(r.Status), r.Fraction*100, elapsed)
	}
	fmt.Println("Use 'gaffer report <run-id>' for the full audit trail.")

	return nil
}

// colorStatus renders a run status in the color of its outcome.
func colorStatus(s models.RunStatus) string {
	switch s {
	case models.RunCompleted:
		return color.GreenString(string(s))
	case models.RunPartial:
		return color.YellowString(string(s))
	case models.RunFailed, models.RunAborted:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
