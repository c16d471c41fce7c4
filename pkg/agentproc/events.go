package agentproc

// EventKind identifies the kind of a process event
type EventKind string

const (
	EventOutput      EventKind = "output"
	EventToolRequest EventKind = "tool_request"
	EventExit        EventKind = "exit"
)

// Event is a session-tagged process notification. All events from all
// sessions flow through one channel; subscribers filter by SessionID.
type Event struct {
	SessionID string
	Kind      EventKind

	// EventOutput
	Content string
	IsError bool

	// EventToolRequest
	Tool ToolRequest

	// EventExit
	ExitCode int
}

// ToolRequest is a tool-invocation block extracted from agent output
type ToolRequest struct {
	Name        string                 `json:"tool"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}
