package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/store"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old terminated runs",
	Long: `Delete terminated runs older than the retention window, along with
their plans, agents, and loop-guard counters.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "Delete runs older than this many days (0 uses config)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	days := cfg.Store.PurgeAfterDays
	if cleanupDays > 0 {
		days = cleanupDays
	}
	if days <= 0 {
		return fmt.Errorf("no retention window: pass --days or set store.purge_after_days")
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

	n, err := repo.PurgeOldRuns(context.Background(), time.Duration(days)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("purge runs: %w", err)
	}

	fmt.Printf("deleted %d runs older than %d days\n", n, days)
	return nil
}
