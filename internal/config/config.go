// Package config handles configuration loading and management for Conductor.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/viper"
)

// Config holds all configuration for Conductor.
type Config struct {
	Provider  string          `mapstructure:"provider"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Store     StoreConfig     `mapstructure:"store"`
	Log       LogConfig       `mapstructure:"log"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	// UseBedrock routes requests through AWS Bedrock instead of the API.
	UseBedrock bool   `mapstructure:"use_bedrock"`
	Region     string `mapstructure:"region"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// GuardConfig holds loop-guard ceilings.
type GuardConfig struct {
	// MaxRetriesPerTask is the per-task retry ceiling.
	MaxRetriesPerTask int `mapstructure:"max_retries_per_task"`
	// MaxInterventions is the per-run intervention ceiling.
	MaxInterventions int `mapstructure:"max_interventions"`
}

// EngineConfig holds orchestration engine settings.
type EngineConfig struct {
	// MaxConcurrentAgents bounds how many agents run at once.
	MaxConcurrentAgents int `mapstructure:"max_concurrent_agents"`
	// MaxIterations bounds each agent's reasoning loop.
	MaxIterations int `mapstructure:"max_iterations"`
}

// StoreConfig holds durable-state settings.
type StoreConfig struct {
	// Path is the SQLite database file. Empty selects the XDG default.
	Path string `mapstructure:"path"`
	// PurgeAfterDays removes terminated runs older than this many days.
	// Zero disables purging.
	PurgeAfterDays int `mapstructure:"purge_after_days"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, or error.
	Level string `mapstructure:"level"`
	// Format is "console" or "json".
	Format string `mapstructure:"format"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, OPENAI_API_KEY)
// 2. Project config (.conductor.yaml in current directory or parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Load user config from XDG path
	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// Environment variable overrides
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("openai.api_key", "OPENAI_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.OpenAI.APIKey = expandEnv(cfg.OpenAI.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.OpenAI.APIKey = expandEnv(cfg.OpenAI.APIKey)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("provider", cfg.Provider)
	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.region", cfg.Anthropic.Region)
	v.Set("openai.api_key", cfg.OpenAI.APIKey)
	v.Set("openai.model", cfg.OpenAI.Model)
	v.Set("guard.max_retries_per_task", cfg.Guard.MaxRetriesPerTask)
	v.Set("guard.max_interventions", cfg.Guard.MaxInterventions)
	v.Set("engine.max_concurrent_agents", cfg.Engine.MaxConcurrentAgents)
	v.Set("engine.max_iterations", cfg.Engine.MaxIterations)
	v.Set("store.path", cfg.Store.Path)
	v.Set("store.purge_after_days", cfg.Store.PurgeAfterDays)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "anthropic")

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.region", "")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "")

	v.SetDefault("guard.max_retries_per_task", 3)
	v.SetDefault("guard.max_interventions", 10)

	v.SetDefault("engine.max_concurrent_agents", 4)
	v.SetDefault("engine.max_iterations", 50)

	v.SetDefault("store.path", "")
	v.SetDefault("store.purge_after_days", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// getUserConfigDir returns the XDG config directory for Conductor.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}

	// Fall back to ~/.config/conductor
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".conductor.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}
