package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halden/quarterdeck/internal/observability"
)

// Router validates inbound envelopes and dispatches them by operation
// name. All failure modes become a single error reply to the sender:
// parse failures, unknown operations, and handler errors (including
// panics) never escape the dispatch boundary.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register installs a handler for an operation name
func (r *Router) Register(msgType string, handler HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = handler
	return nil
}

// HasHandler checks whether an operation name is registered
func (r *Router) HasHandler(msgType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.handlers[msgType]
	return exists
}

// Dispatch processes one raw inbound frame for a session and returns
// the reply to send, or nil when the operation has none
func (r *Router) Dispatch(sess *Session, raw []byte) *Message {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		observability.RecordDispatch("invalid", "error", 0)
		return errorReply("", CodeInvalidMessage, "malformed JSON message")
	}
	if msg.Type == "" {
		observability.RecordDispatch("invalid", "error", 0)
		return errorReply(msg.ID, CodeInvalidMessage, "message is missing a type")
	}

	r.mu.RLock()
	handler, exists := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !exists {
		observability.RecordDispatch(msg.Type, "unknown", 0)
		return errorReply(msg.ID, CodeUnknownMessage, fmt.Sprintf("unknown message type: %s", msg.Type))
	}

	start := time.Now()
	reply, err := r.invoke(handler, sess, msg.Payload)
	if err != nil {
		observability.RecordDispatch(msg.Type, "error", time.Since(start))

		code := CodeHandlerError
		var opErr *OpError
		if errors.As(err, &opErr) {
			code = opErr.Code
		}
		log.Debug().
			Str("sessionId", sess.ID).
			Str("type", msg.Type).
			Str("code", code).
			Err(err).
			Msg("Handler failed")
		return errorReply(msg.ID, code, err.Error())
	}

	observability.RecordDispatch(msg.Type, "success", time.Since(start))
	if reply != nil {
		reply.ID = msg.ID
	}
	return reply
}

// invoke runs a handler, converting panics into handler errors so one
// misbehaving handler never takes the router down
func (r *Router) invoke(handler HandlerFunc, sess *Session, payload json.RawMessage) (reply *Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("sessionId", sess.ID).
				Interface("panic", rec).
				Msg("Handler panicked")
			reply = nil
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()

	return handler(sess, payload)
}

func errorReply(id, code, message string) *Message {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &Message{Type: "error", ID: id, Payload: payload}
}

// reply builds a typed reply message, marshaling the payload
func reply(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// decode unmarshals a payload into a typed struct, reporting
// INVALID_PAYLOAD on failure
func decode(payload json.RawMessage, into interface{}) error {
	if len(payload) == 0 {
		return Errorf(CodeInvalidPayload, "payload is required")
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return Errorf(CodeInvalidPayload, "invalid payload: %s", err.Error())
	}
	return nil
}
