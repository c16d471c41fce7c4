package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8787, cfg.Gateway.Port)
	assert.Equal(t, "claude", cfg.Agent.Binary)
	assert.True(t, cfg.Heartbeat.Enabled)
	assert.NotNil(t, cfg.Providers)
	assert.NoError(t, Validate(cfg))
}

func TestConfig_Durations(t *testing.T) {
	t.Run("should use configured values", func(t *testing.T) {
		a := AgentConfig{StopGraceMillis: 500}
		assert.Equal(t, 500*time.Millisecond, a.StopGracePeriod())

		h := HeartbeatConfig{IntervalSeconds: 5}
		assert.Equal(t, 5*time.Second, h.Interval())
	})

	t.Run("should fall back to defaults for zero values", func(t *testing.T) {
		assert.Equal(t, 2*time.Second, AgentConfig{}.StopGracePeriod())
		assert.Equal(t, 30*time.Second, HeartbeatConfig{}.Interval())
	})
}

func TestConfig_Clone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers["files"] = ProviderConfig{Command: "mcp-files", Enabled: true}

	clone, err := cfg.Clone()
	require.NoError(t, err)

	clone.Providers["files"] = ProviderConfig{Command: "changed"}
	assert.Equal(t, "mcp-files", cfg.Providers["files"].Command)
}

func TestValidate(t *testing.T) {
	t.Run("should reject nil config", func(t *testing.T) {
		assert.Error(t, Validate(nil))
	})

	t.Run("should reject invalid port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gateway.Port = 0
		assert.Error(t, Validate(cfg))

		cfg.Gateway.Port = 70000
		assert.Error(t, Validate(cfg))
	})

	t.Run("should reject empty agent binary", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agent.Binary = "  "
		assert.Error(t, Validate(cfg))
	})

	t.Run("should reject unknown log level", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logging.Level = "verbose"
		assert.Error(t, Validate(cfg))
	})
}

func TestValidateProvider(t *testing.T) {
	t.Run("should accept process provider", func(t *testing.T) {
		err := ValidateProvider("files", ProviderConfig{Command: "mcp-files"})
		assert.NoError(t, err)
	})

	t.Run("should accept url provider", func(t *testing.T) {
		err := ValidateProvider("remote", ProviderConfig{URL: "http://localhost:9000"})
		assert.NoError(t, err)
	})

	t.Run("should reject provider without command or url", func(t *testing.T) {
		err := ValidateProvider("empty", ProviderConfig{})
		assert.Error(t, err)
	})

	t.Run("should reject provider with both command and url", func(t *testing.T) {
		err := ValidateProvider("both", ProviderConfig{Command: "x", URL: "http://x"})
		assert.Error(t, err)
	})

	t.Run("should reject invalid names", func(t *testing.T) {
		assert.Error(t, ValidateProvider("", ProviderConfig{Command: "x"}))
		assert.Error(t, ValidateProvider("bad name", ProviderConfig{Command: "x"}))
	})
}
