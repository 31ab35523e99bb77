package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "AI agent orchestration engine",
	Long: `Conductor executes task plans with teams of AI sub-agents.

A plan is a dependency graph of task nodes. Conductor spawns an agent per
ready node, runs independent nodes in parallel, streams agent output as it
happens, and retries failures under a loop guard that caps per-task retries
and per-run interventions.

Core capabilities:
- Validates plans and rejects circular dependencies
- Spawns isolated sub-agents per task node
- Feeds dependency results forward as context
- Guards against runaway retry and intervention loops
- Persists runs, agents, and counters for recovery`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}
