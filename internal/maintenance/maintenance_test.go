package maintenance

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halden/quarterdeck/internal/audit"
)

func TestNewSchedulerValidatesSchedules(t *testing.T) {
	auditor, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer auditor.Close()

	t.Run("rejects a malformed cron expression", func(t *testing.T) {
		_, err := NewScheduler(auditor, nil, Options{PruneSchedule: "not a schedule"})
		assert.Error(t, err)
	})

	t.Run("accepts defaults", func(t *testing.T) {
		s, err := NewScheduler(auditor, nil, Options{})
		require.NoError(t, err)
		s.Start()
		s.Stop()
	})
}

func TestPruneAuditRemovesOldRows(t *testing.T) {
	auditor, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer auditor.Close()

	auditor.Record(audit.Event{
		Type:      "connection",
		Actor:     "ancient",
		Action:    "connect",
		Status:    "success",
		Timestamp: time.Now().Add(-72 * time.Hour),
	})
	auditor.Record(audit.Event{
		Type:      "connection",
		Actor:     "recent",
		Action:    "connect",
		Status:    "success",
		Timestamp: time.Now(),
	})

	s, err := NewScheduler(auditor, nil, Options{AuditRetention: 24 * time.Hour})
	require.NoError(t, err)

	// Give the async audit writer a moment to land both rows.
	require.Eventually(t, func() bool {
		rows, err := auditor.Recent(10)
		return err == nil && len(rows) == 2
	}, 5*time.Second, 50*time.Millisecond)

	s.pruneAudit()

	rows, err := auditor.Recent(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "recent", rows[0].Actor)
}
