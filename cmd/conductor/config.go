package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/store"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		fmt.Printf("provider: %s\n", cfg.Provider)
		fmt.Printf("anthropic.api_key: %s (%s)\n", config.MaskAPIKey(cfg.Anthropic.APIKey), config.GetAPIKeySource(cfg))
		fmt.Printf("anthropic.model: %s\n", orDefault(cfg.Anthropic.Model))
		fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
		fmt.Printf("openai.api_key: %s\n", config.MaskAPIKey(cfg.OpenAI.APIKey))
		fmt.Printf("openai.model: %s\n", orDefault(cfg.OpenAI.Model))
		fmt.Printf("guard.max_retries_per_task: %d\n", cfg.Guard.MaxRetriesPerTask)
		fmt.Printf("guard.max_interventions: %d\n", cfg.Guard.MaxInterventions)
		fmt.Printf("engine.max_concurrent_agents: %d\n", cfg.Engine.MaxConcurrentAgents)
		fmt.Printf("engine.max_iterations: %d\n", cfg.Engine.MaxIterations)
		fmt.Printf("store.path: %s\n", orDefaultPath(cfg.Store.Path))
		fmt.Printf("store.purge_after_days: %d\n", cfg.Store.PurgeAfterDays)
		fmt.Printf("log.level: %s\n", cfg.Log.Level)
		fmt.Printf("log.format: %s\n", cfg.Log.Format)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := config.Save(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Printf("wrote %s\n", config.GetUserConfigPath())
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file locations",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("user:    %s\n", config.GetUserConfigPath())
		if p := config.GetProjectConfigPath(); p != "" {
			fmt.Printf("project: %s\n", p)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}

func orDefaultPath(s string) string {
	if s == "" {
		return store.DefaultDBPath()
	}
	return s
}
