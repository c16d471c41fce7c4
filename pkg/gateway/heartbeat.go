package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/halden/quarterdeck/internal/config"
	"github.com/halden/quarterdeck/internal/observability"
)

// Monitor is the heartbeat sweep: on a fixed interval it evicts every
// session that has not acknowledged liveness since the previous sweep,
// then probes the survivors. It is the only component that tears down
// sessions the client did not close itself.
type Monitor struct {
	server   *Server
	interval time.Duration
	enabled  bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMonitor creates a heartbeat monitor for the server's sessions
func NewMonitor(server *Server, cfg config.HeartbeatConfig) *Monitor {
	return &Monitor{
		server:   server,
		interval: cfg.Interval(),
		enabled:  cfg.Enabled,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop
func (m *Monitor) Start() {
	if !m.enabled {
		close(m.done)
		return
	}

	go m.run()
	log.Info().Dur("interval", m.interval).Msg("Heartbeat monitor started")
}

// Stop halts the sweep loop and waits for it to finish
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep evicts sessions that missed a full cycle, then probes the
// rest. A fresh session gets one whole interval before its first
// probe can count against it.
func (m *Monitor) sweep() {
	dead := m.server.Registry().SweepDead()
	for _, sess := range dead {
		log.Warn().
			Str("sessionId", sess.ID).
			Time("lastActivity", sess.LastActivity()).
			Msg("Session missed heartbeat, evicting")
		observability.RecordEviction()
		m.server.teardownSession(sess, "heartbeat timeout")
	}

	for _, sess := range m.server.Registry().All() {
		deadline := time.Now().Add(5 * time.Second)
		if err := sess.Conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			log.Debug().Err(err).Str("sessionId", sess.ID).Msg("Liveness probe failed")
		}
	}
}
