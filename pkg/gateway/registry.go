package gateway

import (
	"sync"

	"github.com/halden/quarterdeck/internal/observability"
)

// SessionRegistry tracks the one Session per live connection
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty session registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
	}
}

// Add registers a session
func (r *SessionRegistry) Add(sess *Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()
	observability.SetActiveSessions(count)
}

// Remove deregisters a session by id
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	count := len(r.sessions)
	r.mu.Unlock()
	observability.SetActiveSessions(count)
}

// Get retrieves a session by id
func (r *SessionRegistry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, exists := r.sessions[sessionID]
	return sess, exists
}

// All returns every registered session
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of live sessions
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UpdateActivity stamps a session's last-activity time
func (r *SessionRegistry) UpdateActivity(sessionID string) {
	r.mu.RLock()
	sess, exists := r.sessions[sessionID]
	r.mu.RUnlock()
	if exists {
		sess.touch()
	}
}

// MarkAlive records a liveness acknowledgment for the session
func (r *SessionRegistry) MarkAlive(sessionID string) {
	r.mu.RLock()
	sess, exists := r.sessions[sessionID]
	r.mu.RUnlock()
	if exists {
		sess.markAlive()
	}
}

// SweepDead clears every session's liveness flag and returns the
// sessions that had not acknowledged since the previous sweep
func (r *SessionRegistry) SweepDead() []*Session {
	var dead []*Session
	for _, sess := range r.All() {
		if !sess.beginSweep() {
			dead = append(dead, sess)
		}
	}
	return dead
}
