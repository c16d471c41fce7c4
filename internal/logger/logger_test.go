package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should create logger with defaults", func(t *testing.T) {
		l, err := New(DefaultConfig())
		require.NoError(t, err)
		defer l.Close()

		assert.NotNil(t, l.GetZerolog())
	})

	t.Run("should fall back to info on invalid level", func(t *testing.T) {
		l, err := New(Config{Level: "bogus", Console: true})
		require.NoError(t, err)
		defer l.Close()
	})

	t.Run("should create log file and parent directory", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "logs", "quarterdeck.log")

		l, err := New(Config{Level: "debug", File: path})
		require.NoError(t, err)

		zl := l.GetZerolog()
		zl.Info().Msg("hello")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello")
	})
}
