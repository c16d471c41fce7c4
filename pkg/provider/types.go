// Package provider supervises shared tool-server processes: named
// providers spawned from configuration, speaking line-delimited
// JSON-RPC over stdio, with their capability lists cached while
// running. Providers are shared across sessions and live independently
// of any session's lifetime.
package provider

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a provider
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Capability is one tool a provider exposes
type Capability struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Info is one provider's view in listAll: configured providers merged
// with the live registry, each annotated with its current status.
type Info struct {
	Name         string       `json:"name"`
	Status       Status       `json:"status"`
	PID          int          `json:"pid,omitempty"`
	URL          string       `json:"url,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// ProbeResult reports a connectivity test outcome
type ProbeResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}
