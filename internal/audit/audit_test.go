package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitForEvents(t *testing.T, s *Store, want int) []Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		events, err := s.Recent(100)
		require.NoError(t, err)
		if len(events) >= want {
			return events
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d audit events", want)
	return nil
}

func TestOpen(t *testing.T) {
	t.Run("should require a path", func(t *testing.T) {
		_, err := Open("")
		assert.Error(t, err)
	})

	t.Run("should create parent directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "audit.db")
		s, err := Open(path)
		require.NoError(t, err)
		assert.NoError(t, s.Close())
	})
}

func TestStore_Record(t *testing.T) {
	s := openTestStore(t)

	s.Record(Event{
		Type:   "session",
		Actor:  "sess-1",
		Action: "connected",
		Status: "success",
		Metadata: map[string]interface{}{
			"remote": "127.0.0.1:9999",
		},
	})
	s.Record(Event{
		Type:   "agent",
		Actor:  "sess-1",
		Action: "started",
		Status: "success",
	})

	events := waitForEvents(t, s, 2)

	// Newest first.
	assert.Equal(t, "started", events[0].Action)
	assert.Equal(t, "connected", events[1].Action)
	assert.Equal(t, "127.0.0.1:9999", events[1].Metadata["remote"])
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestStore_Prune(t *testing.T) {
	s := openTestStore(t)

	s.Record(Event{Type: "session", Action: "old", Status: "success", Timestamp: time.Now().Add(-48 * time.Hour)})
	s.Record(Event{Type: "session", Action: "new", Status: "success"})
	waitForEvents(t, s, 2)

	n, err := s.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	events, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].Action)
}

func TestStore_CloseFlushesQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		s.Record(Event{Type: "session", Action: "tick", Status: "success"})
	}
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Recent(100)
	require.NoError(t, err)
	assert.Len(t, events, 20)
}
