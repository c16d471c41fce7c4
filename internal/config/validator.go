package config

import (
	"fmt"
	"strings"
)

// Validate checks a configuration for structural problems
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535, got %d", cfg.Gateway.Port)
	}

	if strings.TrimSpace(cfg.Agent.Binary) == "" {
		return fmt.Errorf("agent binary cannot be empty")
	}

	for name, p := range cfg.Providers {
		if err := ValidateProvider(name, p); err != nil {
			return err
		}
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", cfg.Logging.Level)
	}

	return nil
}

// ValidateProvider checks a single provider definition
func ValidateProvider(name string, p ProviderConfig) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if strings.ContainsAny(name, " /\\") {
		return fmt.Errorf("provider name %q contains invalid characters", name)
	}
	if p.Command == "" && p.URL == "" {
		return fmt.Errorf("provider %q must set either command or url", name)
	}
	if p.Command != "" && p.URL != "" {
		return fmt.Errorf("provider %q cannot set both command and url", name)
	}
	return nil
}
