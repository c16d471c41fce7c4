package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main quarterdeck configuration
type Config struct {
	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Agent process configuration
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Tool providers keyed by name
	Providers map[string]ProviderConfig `json:"providers" mapstructure:"providers"`

	// Heartbeat monitor configuration
	Heartbeat HeartbeatConfig `json:"heartbeat" mapstructure:"heartbeat"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Audit store
	Audit AuditConfig `json:"audit" mapstructure:"audit"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds WebSocket gateway settings
type GatewayConfig struct {
	Host            string `json:"host" mapstructure:"host"`
	Port            int    `json:"port" mapstructure:"port"`
	ShutdownTimeout int    `json:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
}

// AgentConfig holds the per-session agent process settings
type AgentConfig struct {
	Binary          string   `json:"binary" mapstructure:"binary"`
	Args            []string `json:"args" mapstructure:"args"`
	DefaultModel    string   `json:"default_model" mapstructure:"default_model"`
	OutputBufferKiB int      `json:"output_buffer_kib" mapstructure:"output_buffer_kib"`
	StopGraceMillis int      `json:"stop_grace_millis" mapstructure:"stop_grace_millis"`
}

// ProviderConfig describes one tool-server process or remote endpoint
type ProviderConfig struct {
	Command string            `json:"command,omitempty" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
	URL     string            `json:"url,omitempty" mapstructure:"url"`
	Enabled bool              `json:"enabled" mapstructure:"enabled"`
}

// HeartbeatConfig holds liveness sweep settings
type HeartbeatConfig struct {
	IntervalSeconds int  `json:"interval_seconds" mapstructure:"interval_seconds"`
	Enabled         bool `json:"enabled" mapstructure:"enabled"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// AuditConfig holds audit store settings
type AuditConfig struct {
	Path          string `json:"path" mapstructure:"path"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
}

// StopGracePeriod returns the agent stop grace period as a duration
func (a AgentConfig) StopGracePeriod() time.Duration {
	if a.StopGraceMillis <= 0 {
		return 2 * time.Second
	}
	return time.Duration(a.StopGraceMillis) * time.Millisecond
}

// Interval returns the heartbeat sweep interval as a duration
func (h HeartbeatConfig) Interval() time.Duration {
	if h.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(h.IntervalSeconds) * time.Second
}

// DefaultConfig returns a configuration with sane defaults
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            8787,
			ShutdownTimeout: 10,
		},
		Agent: AgentConfig{
			Binary:          "claude",
			Args:            []string{},
			DefaultModel:    "",
			OutputBufferKiB: 256,
			StopGraceMillis: 2000,
		},
		Providers: map[string]ProviderConfig{},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds: 30,
			Enabled:         true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		Audit: AuditConfig{
			RetentionDays: 30,
		},
	}
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() (*Config, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &clone, nil
}
