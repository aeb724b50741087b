package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gaffer",
	Short: "Task scheduling and coordination for worker fleets",
	Long: `Gaffer coordinates a fleet of workers over a dependency graph of
subtasks. It plans execution with critical-path analysis, dispatches
ready subtasks to capable workers under a concurrency cap, arbitrates
conflicting outputs, and recovers from failures with retries, fallback
workers, and graceful degradation to a partial result.

Core capabilities:
- Builds a dependency graph from a YAML plan and rejects cycles
- Computes stages, the critical path, and bottlenecks before running
- Atomic claim/release so each subtask runs exactly once
- Priority-ordered dispatch with per-priority timeouts
- Conflict detection with voting, priority, and re-evaluation strategies
- Exponential backoff, circuit breakers, and partial-result degradation

Start with 'gaffer plan -f plan.yaml' to inspect a plan, then
'gaffer run -f plan.yaml' to execute it.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(versionCmd)
}
