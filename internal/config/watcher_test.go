package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcher(t *testing.T) {
	t.Run("should require path and callback", func(t *testing.T) {
		_, err := NewWatcher("", func(*Config) {})
		assert.Error(t, err)

		_, err = NewWatcher("/tmp/config.json", nil)
		assert.Error(t, err)
	})
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"port": 9000}}`), 0600))

	var mu sync.Mutex
	var got *Config
	reloaded := make(chan struct{}, 4)

	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
		reloaded <- struct{}{}
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{
		"gateway": {"port": 9001},
		"providers": {"files": {"command": "mcp-files", "enabled": true}}
	}`), 0600))

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, 9001, got.Gateway.Port)
	assert.Contains(t, got.Providers, "files")
}

func TestWatcher_KeepsPreviousConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"port": 9000}}`), 0600))

	calls := make(chan struct{}, 4)
	w, err := NewWatcher(path, func(cfg *Config) {
		calls <- struct{}{}
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0600))

	select {
	case <-calls:
		t.Fatal("callback should not fire for a broken config")
	case <-time.After(1 * time.Second):
	}
}
