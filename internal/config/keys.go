// Package config provides API key management utilities.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured for the selected
// provider.
var ErrNoAPIKey = errors.New("no API key configured")

// GetAPIKey returns the API key for the configured provider.
// It checks in order: environment variable, config file.
func GetAPIKey(cfg *Config) (string, error) {
	switch cfg.Provider {
	case "openai":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			return key, nil
		}
		if key := os.ExpandEnv(cfg.OpenAI.APIKey); key != "" && !strings.HasPrefix(key, "${") {
			return key, nil
		}
	default:
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			return key, nil
		}
		// Bedrock authenticates through the AWS credential chain; an
		// empty key is fine there.
		if cfg.Anthropic.UseBedrock {
			return "", nil
		}
		if key := os.ExpandEnv(cfg.Anthropic.APIKey); key != "" && !strings.HasPrefix(key, "${") {
			return key, nil
		}
	}

	return "", fmt.Errorf("provider %s: %w", cfg.Provider, ErrNoAPIKey)
}

// ValidateAPIKey performs basic format validation on an Anthropic API key.
// It checks format but does not verify the key with the API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}

	if !strings.HasPrefix(key, "sk-") {
		return errors.New("invalid API key format: expected 'sk-' prefix")
	}

	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}

	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}

	if len(key) <= 15 {
		return "***"
	}

	return key[:7] + "..." + key[len(key)-4:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// GetAPIKeySource returns where the provider's API key was sourced from.
func GetAPIKeySource(cfg *Config) KeySource {
	envVar := "ANTHROPIC_API_KEY"
	fromConfig := cfg.Anthropic.APIKey
	if cfg.Provider == "openai" {
		envVar = "OPENAI_API_KEY"
		fromConfig = cfg.OpenAI.APIKey
	}

	if os.Getenv(envVar) != "" {
		return KeySourceEnv
	}

	if key := os.ExpandEnv(fromConfig); key != "" && !strings.HasPrefix(key, "${") {
		return KeySourceConfig
	}

	return KeySourceNone
}
