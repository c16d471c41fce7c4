package agentproc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halden/quarterdeck/internal/config"
)

func newTestSupervisor(t *testing.T, cfg config.AgentConfig) *Supervisor {
	t.Helper()
	s := NewSupervisor(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

// awaitEvent drains the supervisor stream until an event matches, so
// tests are not sensitive to chunking or interleaving.
func awaitEvent(t *testing.T, s *Supervisor, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "event stream closed while waiting")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSupervisorStartAndStream(t *testing.T) {
	s := newTestSupervisor(t, config.AgentConfig{Binary: "/bin/cat"})
	ctx := context.Background()

	info, err := s.Start(ctx, "sess-1", t.TempDir(), Options{Model: "m-1"})
	require.NoError(t, err)
	assert.NotZero(t, info.PID)
	assert.Equal(t, "m-1", info.Model)
	assert.Equal(t, StateRunning, s.State("sess-1"))

	require.True(t, s.SendInput("sess-1", "ping"))

	ev := awaitEvent(t, s, func(ev Event) bool {
		return ev.Kind == EventOutput && strings.Contains(ev.Content, "ping")
	})
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.False(t, ev.IsError)
	assert.Contains(t, string(s.Buffer("sess-1")), "ping")

	require.True(t, s.Stop(ctx, "sess-1"))
	assert.Equal(t, StateAbsent, s.State("sess-1"))
}

func TestSupervisorAtMostOnePerSession(t *testing.T) {
	s := newTestSupervisor(t, config.AgentConfig{Binary: "/bin/cat"})
	ctx := context.Background()

	first, err := s.Start(ctx, "sess-1", t.TempDir(), Options{})
	require.NoError(t, err)

	second, err := s.Start(ctx, "sess-1", t.TempDir(), Options{})
	require.NoError(t, err)

	assert.NotEqual(t, first.PID, second.PID, "restart must spawn a fresh process")

	info, ok := s.Info("sess-1")
	require.True(t, ok)
	assert.Equal(t, second.PID, info.PID, "registry must point at the new process")
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t, config.AgentConfig{Binary: "/bin/cat"})
	ctx := context.Background()

	// Stopping a session that never started succeeds.
	assert.True(t, s.Stop(ctx, "ghost"))
	assert.Equal(t, StateAbsent, s.State("ghost"))

	_, err := s.Start(ctx, "sess-1", t.TempDir(), Options{})
	require.NoError(t, err)

	assert.True(t, s.Stop(ctx, "sess-1"))
	assert.True(t, s.Stop(ctx, "sess-1"))
	_, ok := s.Info("sess-1")
	assert.False(t, ok)
}

func TestSupervisorSendInputWithoutProcess(t *testing.T) {
	s := newTestSupervisor(t, config.AgentConfig{Binary: "/bin/cat"})

	assert.False(t, s.SendInput("nobody", "hello"))
}

func TestSupervisorSpawnFailure(t *testing.T) {
	s := newTestSupervisor(t, config.AgentConfig{Binary: "/no/such/binary"})

	_, err := s.Start(context.Background(), "sess-1", t.TempDir(), Options{})
	require.Error(t, err)
	assert.Equal(t, StateAbsent, s.State("sess-1"), "failed spawn must leave nothing registered")
}

func TestSupervisorNaturalExit(t *testing.T) {
	s := newTestSupervisor(t, config.AgentConfig{Binary: "/bin/sh", Args: []string{"-c", "exit 3"}})

	_, err := s.Start(context.Background(), "sess-1", t.TempDir(), Options{})
	require.NoError(t, err)

	ev := awaitEvent(t, s, func(ev Event) bool { return ev.Kind == EventExit })
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, 3, ev.ExitCode)
	assert.Equal(t, StateAbsent, s.State("sess-1"), "exited process must be deregistered")
}

func TestSupervisorStderrFlagged(t *testing.T) {
	s := newTestSupervisor(t, config.AgentConfig{Binary: "/bin/sh", Args: []string{"-c", "echo oops >&2; cat"}})
	ctx := context.Background()

	_, err := s.Start(ctx, "sess-1", t.TempDir(), Options{})
	require.NoError(t, err)

	ev := awaitEvent(t, s, func(ev Event) bool {
		return ev.Kind == EventOutput && strings.Contains(ev.Content, "oops")
	})
	assert.True(t, ev.IsError)

	s.Stop(ctx, "sess-1")
}

func TestSupervisorForceKillAfterGrace(t *testing.T) {
	s := newTestSupervisor(t, config.AgentConfig{
		Binary:          "/bin/sh",
		Args:            []string{"-c", `trap "" INT; while true; do sleep 0.1; done`},
		StopGraceMillis: 200,
	})
	ctx := context.Background()

	_, err := s.Start(ctx, "sess-1", t.TempDir(), Options{})
	require.NoError(t, err)

	start := time.Now()
	require.True(t, s.Stop(ctx, "sess-1"))
	assert.Less(t, time.Since(start), 3*time.Second, "force kill must fire after the grace period")
	assert.Equal(t, StateAbsent, s.State("sess-1"))
}

func TestSupervisorToolRequestFromOutput(t *testing.T) {
	s := newTestSupervisor(t, config.AgentConfig{Binary: "/bin/cat"})
	ctx := context.Background()

	_, err := s.Start(ctx, "sess-1", t.TempDir(), Options{})
	require.NoError(t, err)

	require.True(t, s.SendInput("sess-1", `[[tool-request]]{"tool":"web_search","parameters":{"query":"go"}}[[/tool-request]]`))

	ev := awaitEvent(t, s, func(ev Event) bool { return ev.Kind == EventToolRequest })
	assert.Equal(t, "web_search", ev.Tool.Name)
	assert.Equal(t, "go", ev.Tool.Parameters["query"])

	s.Stop(ctx, "sess-1")
}

func TestSupervisorStopAll(t *testing.T) {
	s := newTestSupervisor(t, config.AgentConfig{Binary: "/bin/cat"})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Start(ctx, id, t.TempDir(), Options{})
		require.NoError(t, err)
	}

	s.StopAll(ctx)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, StateAbsent, s.State(id))
	}
}

func TestSupervisorInputDuringStop(t *testing.T) {
	s := newTestSupervisor(t, config.AgentConfig{Binary: "/bin/cat"})
	ctx := context.Background()

	_, err := s.Start(ctx, "sess-1", t.TempDir(), Options{})
	require.NoError(t, err)

	// Hammer input while the process is being torn down; once Stop
	// returns, further input must be refused.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if !s.SendInput("sess-1", "tick") {
				return
			}
		}
	}()

	require.True(t, s.Stop(ctx, "sess-1"))
	<-done
	assert.False(t, s.SendInput("sess-1", "after stop"))
}

func TestSupervisorExitEventSurvivesFullQueue(t *testing.T) {
	s := newTestSupervisor(t, config.AgentConfig{Binary: "/bin/cat"})

	// Nobody is draining the stream, so the buffer overflows; output
	// may be shed under backpressure but the exit event must not be.
	for i := 0; i < 400; i++ {
		s.emit(Event{SessionID: "noisy", Kind: EventOutput, Content: "chunk"})
	}
	s.emit(Event{SessionID: "noisy", Kind: EventExit, ExitCode: 1})

	sawExit := false
drain:
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == EventExit {
				sawExit = true
			}
		default:
			break drain
		}
	}
	assert.True(t, sawExit, "exit event was shed under backpressure")
}
