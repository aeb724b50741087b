package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gafferd/gaffer/internal/config"
	"github.com/gafferd/gaffer/internal/graph"
	"github.com/gafferd/gaffer/internal/plan"
	"github.com/gafferd/gaffer/internal/planfile"
)

var (
	planFile    string
	planWorkers int
	planDetail  bool
	planVerbose bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Analyze a plan without executing it",
	Long: `Analyze a YAML plan manifest and print the execution plan.

Shows:
  - Parallel stages and which subtasks can run together
  - The critical path: the chain of subtasks that bounds total duration
  - Bottlenecks: subtasks whose completion unblocks many others
  - Estimated duration for a given worker count

Nothing is executed and no state is written. Use --detail for the full
per-subtask schedule with earliest/latest start times and slack.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planFile, "file", "f", "plan.yaml", "Plan manifest to analyze")
	planCmd.Flags().IntVar(&planWorkers, "workers", 0, "Worker count for the duration estimate (default scheduler.max_workers)")
	planCmd.Flags().BoolVar(&planDetail, "detail", false, "Print the full per-subtask schedule")
	planCmd.Flags().BoolVarP(&planVerbose, "verbose", "v", false, "Trace the planning pass to stderr")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m, err := planfile.Load(planFile)
	if err != nil {
		return err
	}

	g := graph.New()
	if err := g.Build(m.Models()); err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	opts := []plan.Option{plan.WithBottleneckThreshold(cfg.Plan.BottleneckThreshold)}
	if planVerbose {
		opts = append(opts, plan.WithDebugLog(func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		}))
	}
	planner := plan.NewPlanner(g, opts...)
	p, err := planner.Plan()
	if err != nil {
		return fmt.Errorf("compute plan: %w", err)
	}

	workers := planWorkers
	if workers <= 0 {
		workers = cfg.Scheduler.MaxWorkers
	}

	goal := m.Goal
	if goal == "" {
		goal = planFile
	}
	fmt.Printf("Plan: %s\n", goal)
	fmt.Printf("  Subtasks: %d in %d stages\n", g.Size(), len(p.Stages))
	fmt.Printf("  Critical path length: %.1f units\n", p.EstimatedDuration)
	fmt.Printf("  Estimated duration with %d workers: %.1f units\n", workers, p.DurationWithWorkers(workers))

	fmt.Println()
	fmt.Println("Critical path:")
	fmt.Printf("  %s\n", color.RedString(strings.Join(p.CriticalPath, " -> ")))

	fmt.Println()
	fmt.Println("Stages:")
	for _, s := range p.Stages {
		ids := make([]string, 0, len(s.SubtaskIDs))
		for _, id := range s.SubtaskIDs {
			if sched := p.Schedules[id]; sched != nil && sched.Critical {
				ids = append(ids, color.RedString(id))
			} else {
				ids = append(ids, id)
			}
		}
		fmt.Printf("  %d: %s\n", s.Index, strings.Join(ids, ", "))
	}

	if len(p.Bottlenecks) > 0 {
		fmt.Println()
		fmt.Println("Bottlenecks:")
		for _, b := range p.Bottlenecks {
			fmt.Printf("  %s %s unblocks %d subtasks\n", color.YellowString("⚠"), b.SubtaskID, b.FanOut)
		}
	}

	if planDetail {
		fmt.Println()
		fmt.Println("Schedule:")
		fmt.Printf("  %-24s %6s %6s %6s %6s %7s\n", "subtask", "es", "ef", "ls", "lf", "slack")
		for _, s := range p.Stages {
			for _, id := range s.SubtaskIDs {
				sched := p.Schedules[id]
				if sched == nil {
					continue
				}
				marker := ""
				if sched.Critical {
					marker = " *"
				}
				fmt.Printf("  %-24s %6.1f %6.1f %6.1f %6.1f %7.1f%s\n",
					id, sched.EarliestStart, sched.EarliestFinish,
					sched.LatestStart, sched.LatestFinish, sched.Slack, marker)
			}
		}
		fmt.Println("  * on the critical path")
	}

	return nil
}
