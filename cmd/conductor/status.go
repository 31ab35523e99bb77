package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/store"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run state",
	Long: `Display the state of a run, or recent runs when no ID is given.

Shows:
  - Run status and timing
  - Task nodes and their statuses
  - Agents, retries, and token usage`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of recent runs to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}
	repo, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	ctx := context.Background()

	if len(args) == 1 {
		return displayRun(ctx, repo, args[0])
	}
	return displayRecentRuns(ctx, repo)
}

func displayRecentRuns(ctx context.Context, repo *store.DB) error {
	runs, err := repo.ListRuns(ctx, statusLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs. Run 'conductor run <plan-file>' to start.")
		return nil
	}

	fmt.Printf("%-36s  %-10s  %-19s  %s\n", "RUN", "STATUS", "STARTED", "TOKENS")
	for _, r := range runs {
		statusColor(r.Status).Printf("%-36s  %-10s  %-19s  %d\n",
			r.RunID, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), r.TotalTokens)
	}
	return nil
}

func displayRun(ctx context.Context, repo *store.DB, runID string) error {
	run, err := repo.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}

	fmt.Printf("Run:     %s\n", run.RunID)
	fmt.Print("Status:  ")
	statusColor(run.Status).Println(string(run.Status))
	fmt.Printf("Started: %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("Ended:   %s (%s)\n", run.CompletedAt.Format(time.RFC3339),
			run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}
	fmt.Printf("Tokens:  %d\n", run.TotalTokens)
	fmt.Printf("Interventions: %d\n", run.TotalInterventions)

	// The run row stores the plan by reference; fetch it for the node view.
	if run.Plan == nil {
		if p, err := repo.GetPlanByRun(ctx, runID); err == nil {
			run.Plan = p
		}
	}

	if run.Plan != nil {
		fmt.Printf("\nNodes (%d):\n", len(run.Plan.Nodes))
		for _, n := range run.Plan.Nodes {
			mark := nodeMark(n.Status)
			fmt.Printf("  %s %-20s %-12s", mark, n.ID, n.Status)
			if n.RetryCount > 0 {
				fmt.Printf(" retries=%d", n.RetryCount)
			}
			if n.Error != "" {
				fmt.Printf(" error=%s", firstLine(n.Error))
			}
			fmt.Println()
		}
	}

	agents, err := repo.ListAgentsByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(agents) > 0 {
		fmt.Printf("\nAgents (%d):\n", len(agents))
		for _, a := range agents {
			fmt.Printf("  %-36s %-12s node=%s tokens=%d\n", a.ID, a.Status, a.TaskNodeID, a.TotalTokens)
		}
	}

	return nil
}

func statusColor(s models.RunStatus) *color.Color {
	switch s {
	case models.RunStatusCompleted:
		return color.New(color.FgGreen)
	case models.RunStatusFailed:
		return color.New(color.FgRed)
	case models.RunStatusExecuting, models.RunStatusMonitoring:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func nodeMark(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusCompleted:
		return color.GreenString("✓")
	case models.TaskStatusFailed:
		return color.RedString("✗")
	case models.TaskStatusInProgress:
		return color.YellowString("▶")
	case models.TaskStatusCancelled:
		return color.RedString("⊘")
	default:
		return "·"
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
