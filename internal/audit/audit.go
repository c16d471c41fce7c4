// Package audit persists a lifecycle audit trail (connections, agent
// processes, tool providers) to a local sqlite database. Writes are
// asynchronous and best effort: a full queue drops events rather than
// blocking the caller.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Event represents a structured audit record
type Event struct {
	Type      string                 `json:"event_type"`
	Actor     string                 `json:"actor,omitempty"` // session id or provider name
	Action    string                 `json:"action"`
	Status    string                 `json:"status"` // success, failure
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Store records audit events in sqlite
type Store struct {
	db      *sql.DB
	queue   chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type  TEXT NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	status      TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor);
`

// Open opens (creating if needed) the audit database at path
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	s := &Store{
		db:    db,
		queue: make(chan Event, 256),
		done:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	log.Info().Str("path", path).Msg("Audit store opened")
	return s, nil
}

// Record enqueues an event for persistence; drops the event when the queue is full
func (s *Store) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case s.queue <- event:
	default:
		log.Warn().Str("action", event.Action).Msg("Audit queue full, dropping event")
	}
}

func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case event := <-s.queue:
			s.insert(event)
		case <-s.done:
			// Drain whatever is already queued before shutting down.
			for {
				select {
				case event := <-s.queue:
					s.insert(event)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(event Event) {
	metadata := "{}"
	if len(event.Metadata) > 0 {
		if data, err := json.Marshal(event.Metadata); err == nil {
			metadata = string(data)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_events (event_type, actor, action, status, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.Type, event.Actor, event.Action, event.Status, metadata, event.Timestamp,
	)
	if err != nil {
		log.Error().Err(err).Str("action", event.Action).Msg("Failed to write audit event")
	}
}

// Recent returns the most recent events, newest first
func (s *Store) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT event_type, actor, action, status, metadata, created_at
		 FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var metadata string
		if err := rows.Scan(&e.Type, &e.Actor, &e.Action, &e.Status, &metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			_ = json.Unmarshal([]byte(metadata), &e.Metadata)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// Prune deletes events older than the retention window and returns the row count
func (s *Store) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	res, err := s.db.Exec(`DELETE FROM audit_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("pruned", n).Msg("Audit events pruned")
	}
	return n, nil
}

// Close flushes queued events and closes the database
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}
