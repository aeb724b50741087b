package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gafferd/gaffer/internal/bus"
	"github.com/gafferd/gaffer/internal/config"
	"github.com/gafferd/gaffer/internal/orchestrator"
	"github.com/gafferd/gaffer/internal/planfile"
	"github.com/gafferd/gaffer/internal/signals"
	"github.com/gafferd/gaffer/internal/state"
	"github.com/gafferd/gaffer/internal/worker"
	"github.com/gafferd/gaffer/pkg/models"
)

var (
	runFile     string
	runResumeID string
	runWorkers  int
	runLocal    bool
	runNoState  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a plan with the worker fleet",
	Long: `Execute a YAML plan manifest with the worker fleet.

Subtasks become ready as their dependencies complete, are claimed by
capable workers in priority order, and run under the configured
concurrency cap. Conflicting outputs are arbitrated, and failures are
retried with backoff, reassigned to fallback workers, or degraded into
a partial result.

Workers execute subtasks by prompting Claude. Use --local to run with
in-process echo workers instead (no API key needed), which is useful
for validating a plan's flow before spending tokens.

Control a running fleet from another terminal by dropping files into
.gaffer/signals/: 'pause' holds new dispatch, 'resume' lifts it, and
'abort' stops the run. SIGINT does the same as abort.

Cross-session continuity:
  Use --resume <id> to continue an interrupted run. Completed subtasks
  keep their results; claimed and running ones are handed out again.
  'gaffer status' lists interrupted runs.`,
	RunE: runManifest,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "plan.yaml", "Plan manifest to execute")
	runCmd.Flags().StringVar(&runResumeID, "resume", "", "Resume an interrupted run by ID")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Worker count (default scheduler.max_workers)")
	runCmd.Flags().BoolVar(&runLocal, "local", false, "Use local echo workers instead of Claude")
	runCmd.Flags().BoolVar(&runNoState, "no-state", false, "Run fully in memory, without the state database")
}

func runManifest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runWorkers > 0 {
		cfg.Scheduler.MaxWorkers = runWorkers
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nReceived interrupt, shutting down...")
		cancel()
	}()

	var db *state.DB
	if !runNoState {
		db, err = state.OpenProject(cwd)
		if err != nil {
			return fmt.Errorf("open state database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	var (
		goal     string
		runID    string
		subtasks []*models.Subtask
	)
	if runResumeID != "" {
		if db == nil {
			return fmt.Errorf("--resume requires the state database (drop --no-state)")
		}
		goal, subtasks, err = loadResume(db, runResumeID)
		if err != nil {
			return err
		}
		runID = runResumeID
		fmt.Printf("Resuming run %s: %d of %d subtasks already done\n",
			runID, countDone(subtasks), len(subtasks))
	} else {
		m, err := planfile.Load(runFile)
		if err != nil {
			return err
		}
		subtasks = m.Models()
		goal = m.Goal
		if goal == "" {
			goal = filepath.Base(runFile)
		}
		if db != nil {
			reportInterrupted(db)
		}
	}

	reg, err := buildRegistry(cfg, subtasks)
	if err != nil {
		return err
	}

	msgBus := bus.New(cfg.Scheduler.EventBuffer)
	defer msgBus.Close()

	// Assign through a local so a nil *state.DB stays a nil interface.
	var store state.StateStore
	if db != nil {
		store = db
	}

	orch, err := orchestrator.New(orchestrator.Config{
		RunID:       runID,
		Goal:        goal,
		Config:      cfg,
		Registry:    reg,
		StateDB:     store,
		Bus:         msgBus,
		DebugLogDir: filepath.Join(cwd, cfg.State.Dir),
	})
	if err != nil {
		return err
	}

	// Control files: <state.dir>/signals/{abort,pause,resume}
	watcher, err := signals.New(filepath.Join(cwd, cfg.State.Dir), orch)
	if err != nil {
		fmt.Printf("Warning: control signals unavailable: %v\n", err)
	} else {
		defer watcher.Close()
	}

	evDone := make(chan struct{})
	go func() {
		defer close(evDone)
		consumeEvents(orch.Events())
	}()

	executor := cfg.Worker.Model
	if runLocal {
		executor = "local (echo)"
	}
	fmt.Printf("Starting run: %s\n", goal)
	fmt.Printf("  Subtasks: %d\n", len(subtasks))
	fmt.Printf("  Workers: %d (%s)\n", reg.Count(), executor)
	if db != nil {
		fmt.Printf("  State: %s\n", db.Path())
	}
	fmt.Println()

	pr, runErr := orch.Run(ctx, subtasks)
	<-evDone

	return summarize(pr, runErr, orch.RunID())
}

// loadResume prepares an interrupted run to continue: in-flight
// subtasks return to ready, their claims are released, and the stored
// subtasks are reloaded with completed work intact.
func loadResume(db *state.DB, runID string) (string, []*models.Subtask, error) {
	run, err := db.GetRun(runID)
	if err != nil {
		return "", nil, fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return "", nil, fmt.Errorf("run %s not found", runID)
	}

	rm := state.NewResumeManager(db)
	if err := rm.Resume(runID); err != nil {
		return "", nil, fmt.Errorf("prepare resume: %w", err)
	}

	stored, err := db.ListSubtasks(runID, nil)
	if err != nil {
		return "", nil, fmt.Errorf("load subtasks: %w", err)
	}
	if len(stored) == 0 {
		return "", nil, fmt.Errorf("run %s has no stored subtasks", runID)
	}

	subtasks := make([]*models.Subtask, len(stored))
	for i := range stored {
		subtasks[i] = &stored[i]
	}
	return run.Goal, subtasks, nil
}

func countDone(subtasks []*models.Subtask) int {
	n := 0
	for _, st := range subtasks {
		if st.Status == models.SubtaskDone {
			n++
		}
	}
	return n
}

// reportInterrupted warns when a previous run never finished.
func reportInterrupted(db *state.DB) {
	rm := state.NewResumeManager(db)
	interrupted, err := rm.CheckForInterrupted()
	if err != nil || interrupted == nil {
		return
	}
	fmt.Printf("%s found interrupted run %s (%d in flight)\n",
		color.YellowString("⚠"), interrupted.RunID, interrupted.InFlight)
	fmt.Printf("  Resume it with 'gaffer run --resume %s'\n\n", interrupted.RunID)
}

// buildRegistry registers the worker fleet. Workers cover every
// capability the plan names unless config pins a set, so a fresh
// install can run any manifest.
func buildRegistry(cfg *config.Config, subtasks []*models.Subtask) (*worker.Registry, error) {
	caps := cfg.Worker.DefaultCapabilities
	if len(caps) == 0 {
		caps = planCapabilities(subtasks)
	}

	reg := worker.NewRegistry()
	for i := 0; i < cfg.Scheduler.MaxWorkers; i++ {
		runner, err := newRunner(cfg)
		if err != nil {
			return nil, err
		}
		w := &models.Worker{
			ID:           fmt.Sprintf("worker-%d", i+1),
			Capabilities: caps,
			Rank:         i,
		}
		if err := reg.Add(w, runner); err != nil {
			return nil, fmt.Errorf("register %s: %w", w.ID, err)
		}
	}
	return reg, nil
}

// planCapabilities collects every capability tag the plan names.
func planCapabilities(subtasks []*models.Subtask) []string {
	seen := make(map[string]bool)
	var caps []string
	for _, st := range subtasks {
		for _, c := range st.Capabilities {
			if !seen[c] {
				seen[c] = true
				caps = append(caps, c)
			}
		}
	}
	sort.Strings(caps)
	return caps
}

// newRunner picks the execution backend: Claude unless --local.
func newRunner(cfg *config.Config) (worker.Runner, error) {
	if runLocal {
		return worker.NewLocalRunner(nil), nil
	}
	var apiKey string
	if !cfg.Worker.UseBedrock {
		key, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w (set ANTHROPIC_API_KEY or use --local)", err)
		}
		apiKey = key
	}
	return worker.NewClaudeRunner(worker.ClaudeConfig{
		Model:      cfg.Worker.Model,
		APIKey:     apiKey,
		UseBedrock: cfg.Worker.UseBedrock,
	})
}

// consumeEvents prints scheduler events to stdout.
func consumeEvents(events <-chan orchestrator.Event) {
	for event := range events {
		switch event.Type {
		case orchestrator.EventSubtaskStarted:
			fmt.Printf("[%s] %s (worker: %s, attempt %d)\n",
				color.CyanString("START"), event.SubtaskID, event.WorkerID, event.Attempt)
		case orchestrator.EventSubtaskCompleted:
			fmt.Printf("[%s] %s\n", color.GreenString("DONE"), event.SubtaskID)
		case orchestrator.EventSubtaskFailed:
			fmt.Printf("[%s] %s: %s\n", color.RedString("FAILED"), event.SubtaskID, event.Error)
		case orchestrator.EventSubtaskRetry:
			fmt.Printf("[%s] %s: %s\n", color.YellowString("RETRY"), event.SubtaskID, event.Message)
		case orchestrator.EventClaimReleased:
			fmt.Printf("[%s] %s released from %s\n",
				color.YellowString("STALE"), event.SubtaskID, event.WorkerID)
		case orchestrator.EventConflictDetected:
			fmt.Printf("[%s] %s: %s\n", color.YellowString("CONFLICT"), event.SubtaskID, event.Message)
		case orchestrator.EventConflictResolved:
			fmt.Printf("[%s] %s: %s\n", color.GreenString("RESOLVED"), event.SubtaskID, event.Message)
		case orchestrator.EventEscalationRaised:
			fmt.Printf("[%s] %s: %s\n", color.RedString("ESCALATE"), event.SubtaskID, event.Message)
		case orchestrator.EventRunDegraded:
			fmt.Printf("[%s] %s\n", color.YellowString("DEGRADED"), event.Message)
		case orchestrator.EventRunAborted:
			fmt.Printf("[%s] %s\n", color.RedString("ABORTED"), event.Error)
		}
	}
}

// summarize renders the final document after the run winds down.
func summarize(pr *models.PartialResult, runErr error, runID string) error {
	if pr == nil {
		return runErr
	}

	fmt.Println()
	switch {
	case runErr == nil && pr.Fraction >= 1:
		fmt.Printf("%s run %s completed: %d subtasks\n",
			color.GreenString("✓"), runID, len(pr.CompletedIDs))
	case runErr == nil:
		fmt.Printf("%s run %s accepted a partial result at %.0f%%\n",
			color.YellowString("⚠"), runID, pr.Fraction*100)
	default:
		fmt.Printf("%s run %s did not finish: %v\n", color.RedString("✗"), runID, runErr)
	}

	if len(pr.Failed) > 0 {
		fmt.Println("Failed:")
		for _, f := range pr.Failed {
			fmt.Printf("  %s (%s): %s\n", f.ID, f.Classification, f.Error)
		}
	}
	if len(pr.PendingIDs) > 0 {
		fmt.Printf("Never ran: %s\n", strings.Join(pr.PendingIDs, ", "))
	}
	if len(pr.UnresolvedConflicts) > 0 {
		fmt.Printf("Unresolved conflicts: %s\n", strings.Join(pr.UnresolvedConflicts, ", "))
		fmt.Printf("Review them with 'gaffer report %s'\n", runID)
	}
	if runErr != nil {
		fmt.Printf("Resume with 'gaffer run --resume %s'\n", runID)
	}
	return runErr
}
