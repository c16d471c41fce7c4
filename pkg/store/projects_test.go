package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectStore(t *testing.T) {
	t.Run("should start empty", func(t *testing.T) {
		p, err := NewProjectStore(t.TempDir())
		require.NoError(t, err)

		projects, err := p.List()
		require.NoError(t, err)
		assert.Empty(t, projects)
	})

	t.Run("should record touched projects most recent first", func(t *testing.T) {
		p, err := NewProjectStore(t.TempDir())
		require.NoError(t, err)

		first := t.TempDir()
		second := t.TempDir()

		require.NoError(t, p.Touch(first))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, p.Touch(second))

		projects, err := p.List()
		require.NoError(t, err)
		require.Len(t, projects, 2)
		assert.Equal(t, second, projects[0].Path)
		assert.Equal(t, filepath.Base(second), projects[0].Name)
	})

	t.Run("should not duplicate on repeated touch", func(t *testing.T) {
		p, err := NewProjectStore(t.TempDir())
		require.NoError(t, err)

		dir := t.TempDir()
		require.NoError(t, p.Touch(dir))
		require.NoError(t, p.Touch(dir))

		projects, err := p.List()
		require.NoError(t, err)
		assert.Len(t, projects, 1)
	})

	t.Run("should reject missing paths", func(t *testing.T) {
		p, err := NewProjectStore(t.TempDir())
		require.NoError(t, err)

		_, err = p.ValidatePath(filepath.Join(t.TempDir(), "missing"))
		assert.Error(t, err)
	})

	t.Run("should reject file paths", func(t *testing.T) {
		p, err := NewProjectStore(t.TempDir())
		require.NoError(t, err)

		file := filepath.Join(t.TempDir(), "f.txt")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

		_, err = p.ValidatePath(file)
		assert.Error(t, err)
	})
}
