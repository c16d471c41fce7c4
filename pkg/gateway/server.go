package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/halden/quarterdeck/internal/audit"
	"github.com/halden/quarterdeck/internal/config"
	"github.com/halden/quarterdeck/internal/observability"
	"github.com/halden/quarterdeck/pkg/agentproc"
	"github.com/halden/quarterdeck/pkg/provider"
	"github.com/halden/quarterdeck/pkg/shell"
	"github.com/halden/quarterdeck/pkg/store"
)

// Server is the connection gateway: it owns the listener, the session
// registry, the router, and the pump that forwards agent events back
// to their originating connections.
type Server struct {
	cfg        config.GatewayConfig
	defaultDir string

	server   *http.Server
	upgrader websocket.Upgrader
	registry *SessionRegistry
	router   *Router
	monitor  *Monitor

	agents    *agentproc.Supervisor
	providers *provider.Supervisor
	settings  *store.SettingsStore
	projects  *store.ProjectStore
	runner    *shell.Runner
	auditor   *audit.Store

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	pumpDone       chan struct{}
}

// Deps carries the collaborators the gateway dispatches into
type Deps struct {
	Agents    *agentproc.Supervisor
	Providers *provider.Supervisor
	Settings  *store.SettingsStore
	Projects  *store.ProjectStore
	Runner    *shell.Runner
	Auditor   *audit.Store

	// DefaultWorkingDir seeds new sessions before a project switch
	DefaultWorkingDir string
	Heartbeat         config.HeartbeatConfig
}

// NewServer creates the gateway server and registers all handlers
func NewServer(cfg config.GatewayConfig, deps Deps) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if deps.Agents == nil {
		return nil, fmt.Errorf("agent supervisor is required")
	}
	if deps.Providers == nil {
		return nil, fmt.Errorf("provider supervisor is required")
	}

	s := &Server{
		cfg:        cfg,
		defaultDir: deps.DefaultWorkingDir,
		registry:   NewSessionRegistry(),
		router:     NewRouter(),
		agents:     deps.Agents,
		providers:  deps.Providers,
		settings:   deps.Settings,
		projects:   deps.Projects,
		runner:     deps.Runner,
		auditor:    deps.Auditor,
		pumpDone:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local tool, any origin
			},
		},
	}
	s.monitor = NewMonitor(s, deps.Heartbeat)
	s.registerHandlers()
	observability.EnsureRegistered()

	return s, nil
}

// Registry exposes the session registry (used by the heartbeat monitor
// and tests)
func (s *Server) Registry() *SessionRegistry {
	return s.registry
}

// Start binds the listener and begins accepting connections. An
// unbindable listener is the one fatal startup error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	s.server = &http.Server{Handler: mux}

	log.Info().Str("addr", addr).Msg("Gateway listening")
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Gateway server error")
		}
	}()

	go s.pumpAgentEvents()
	s.monitor.Start()

	return nil
}

// Stop shuts the gateway down in dependency order: heartbeat first,
// then agent processes, then providers, then client connections, then
// the listener. Each stage completes before the next begins.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	log.Info().Msg("Shutting down gateway")
	s.monitor.Stop()

	s.agents.Close(ctx)
	<-s.pumpDone

	s.providers.StopAll(ctx)

	for _, sess := range s.registry.All() {
		s.teardownSession(sess, "shutdown")
	}

	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown listener: %w", err)
		}
	}

	log.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.cfg.ShutdownTimeout) * time.Second
}

// handleWebSocket accepts one connection and runs its read loop
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	sess := &Session{
		ID:           uuid.NewString(),
		Conn:         conn,
		ConnectedAt:  time.Now(),
		workingDir:   s.defaultDir,
		lastActivity: time.Now(),
		alive:        true,
	}

	conn.SetPongHandler(func(string) error {
		s.registry.MarkAlive(sess.ID)
		return nil
	})

	s.registry.Add(sess)
	observability.RecordConnection()
	log.Info().
		Str("sessionId", sess.ID).
		Str("remote", r.RemoteAddr).
		Msg("Client connected")
	s.audit("connection", sess.ID, "connect", "success", nil)

	s.sendStatus(sess, true)

	go s.readLoop(sess)
}

// sendStatus pushes a connection:status event to one session
func (s *Server) sendStatus(sess *Session, connected bool) {
	payload, _ := json.Marshal(map[string]interface{}{
		"connected":        connected,
		"sessionId":        sess.ID,
		"workingDirectory": sess.WorkingDir(),
	})
	if err := sess.WriteMessage(Message{Type: "connection:status", ID: eventID(), Payload: payload}); err != nil {
		log.Warn().Err(err).Str("sessionId", sess.ID).Msg("Failed to send connection status")
	}
}

// readLoop consumes inbound frames until the connection dies. Close
// and error both funnel into the same teardown, which runs once.
func (s *Server) readLoop(sess *Session) {
	defer s.teardownSession(sess, "transport closed")

	for {
		_, raw, err := sess.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("sessionId", sess.ID).Msg("WebSocket read error")
			}
			return
		}

		// Any inbound message counts as a liveness acknowledgment,
		// same as a pong or explicit heartbeat.
		s.registry.UpdateActivity(sess.ID)
		s.registry.MarkAlive(sess.ID)
		if reply := s.router.Dispatch(sess, raw); reply != nil {
			if err := sess.WriteMessage(*reply); err != nil {
				log.Warn().Err(err).Str("sessionId", sess.ID).Msg("Failed to write reply")
				return
			}
		}
	}
}

// teardownSession tears one session down exactly once: agent process
// stopped, registry entry removed, connection closed. Both the close
// and error paths of the same connection funnel here.
func (s *Server) teardownSession(sess *Session, reason string) {
	sess.teardown.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s.agents.Stop(ctx, sess.ID)
		s.registry.Remove(sess.ID)
		_ = sess.Conn.Close()

		log.Info().
			Str("sessionId", sess.ID).
			Str("reason", reason).
			Msg("Session closed")
		s.audit("connection", sess.ID, "disconnect", "success", map[string]interface{}{"reason": reason})
	})
}

// Send delivers a message to one session, best effort: false means the
// connection is gone or the write failed, never a fatal condition.
func (s *Server) Send(sessionID string, msg Message) bool {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return false
	}
	if err := sess.WriteMessage(msg); err != nil {
		log.Debug().Err(err).Str("sessionId", sessionID).Msg("Send failed")
		return false
	}
	return true
}

// Broadcast sends a message to every live session, ignoring
// individual failures
func (s *Server) Broadcast(msg Message) {
	for _, sess := range s.registry.All() {
		if err := sess.WriteMessage(msg); err != nil {
			log.Debug().Err(err).Str("sessionId", sess.ID).Msg("Broadcast write failed")
		}
	}
}

// Disconnect forcefully closes one session
func (s *Server) Disconnect(sessionID string) {
	if sess, ok := s.registry.Get(sessionID); ok {
		s.teardownSession(sess, "disconnect requested")
	}
}

// pumpAgentEvents forwards supervisor events to their originating
// sessions. Events for sessions no longer registered are dropped
// silently; the client is gone.
func (s *Server) pumpAgentEvents() {
	defer close(s.pumpDone)

	for event := range s.agents.Events() {
		if _, ok := s.registry.Get(event.SessionID); !ok {
			continue
		}

		switch event.Kind {
		case agentproc.EventOutput:
			s.sendEvent(event.SessionID, "agent:output", map[string]interface{}{
				"content": event.Content,
				"isError": event.IsError,
			})
		case agentproc.EventToolRequest:
			s.sendEvent(event.SessionID, "tool:request", map[string]interface{}{
				"toolName":    event.Tool.Name,
				"description": event.Tool.Description,
				"parameters":  event.Tool.Parameters,
			})
		case agentproc.EventExit:
			s.sendEvent(event.SessionID, "agent:output", map[string]interface{}{
				"content":    "",
				"isComplete": true,
				"exitCode":   event.ExitCode,
			})
		}
	}
}

func (s *Server) sendEvent(sessionID, msgType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("Failed to encode event payload")
		return
	}
	s.Send(sessionID, Message{Type: msgType, ID: eventID(), Payload: data})
}

// audit records one lifecycle event, if an audit store is wired
func (s *Server) audit(eventType, actor, action, status string, metadata map[string]interface{}) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(audit.Event{
		Type:      eventType,
		Actor:     actor,
		Action:    action,
		Status:    status,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
}

// eventID tags server-initiated events with a short correlation id
func eventID() string {
	id, err := gonanoid.New()
	if err != nil {
		return uuid.NewString()
	}
	return id
}
