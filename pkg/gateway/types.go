// Package gateway is the WebSocket front door: it accepts connections,
// keeps one Session per live connection, routes typed messages to
// handlers, and pushes process events back to the originating client.
package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message is the wire envelope: a typed operation or event, an
// optional payload, and an optional correlation id.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// Error codes carried in error replies
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeUnknownMessage = "UNKNOWN_MESSAGE"
	CodeHandlerError   = "HANDLER_ERROR"
	CodeCLIStartError  = "CLI_START_ERROR"
	CodeCLINotRunning  = "CLI_NOT_RUNNING"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeProjectError   = "PROJECT_ERROR"
	CodeProviderError  = "PROVIDER_ERROR"
)

// ErrorPayload is the payload of an error reply
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OpError is a handler failure with an explicit error code; handler
// errors without one are reported as HANDLER_ERROR.
type OpError struct {
	Code    string
	Message string
}

func (e *OpError) Error() string {
	return e.Message
}

// Errorf builds a coded handler failure
func Errorf(code, format string, args ...interface{}) *OpError {
	return &OpError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Session is the per-connection record: the single source of truth for
// a client's identity, working directory, and liveness. Handlers never
// cache session state outside the registry.
type Session struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time

	mu           sync.Mutex
	workingDir   string
	lastActivity time.Time
	alive        bool

	// writeMu serializes writes; gorilla connections allow only one
	// concurrent writer.
	writeMu  sync.Mutex
	teardown sync.Once
}

// WorkingDir returns the session's current working directory
func (s *Session) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDir
}

// SetWorkingDir changes the session's working directory
func (s *Session) SetWorkingDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workingDir = dir
}

// LastActivity returns the timestamp of the session's latest message
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

func (s *Session) markAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = true
}

// beginSweep clears the liveness flag and reports whether the session
// acknowledged since the previous sweep
func (s *Session) beginSweep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasAlive := s.alive
	s.alive = false
	return wasAlive
}

// WriteMessage sends one envelope over the session's connection
func (s *Session) WriteMessage(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.Conn.WriteJSON(msg)
}

// HandlerFunc processes one inbound operation for a session. A nil
// reply means the operation has no direct response.
type HandlerFunc func(sess *Session, payload json.RawMessage) (*Message, error)
