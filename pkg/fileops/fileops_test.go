package fileops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	dir := t.TempDir()

	t.Run("should resolve relative paths", func(t *testing.T) {
		got, err := Resolve(dir, "sub/file.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "sub", "file.txt"), got)
	})

	t.Run("should allow the working directory itself", func(t *testing.T) {
		got, err := Resolve(dir, ".")
		require.NoError(t, err)
		assert.Equal(t, dir, got)
	})

	t.Run("should reject traversal outside the working directory", func(t *testing.T) {
		_, err := Resolve(dir, "../escape.txt")
		assert.Error(t, err)

		_, err = Resolve(dir, "sub/../../escape.txt")
		assert.Error(t, err)
	})

	t.Run("should reject absolute paths outside the working directory", func(t *testing.T) {
		_, err := Resolve(dir, "/etc/passwd")
		assert.Error(t, err)
	})

	t.Run("should reject empty working directory", func(t *testing.T) {
		_, err := Resolve("", "file.txt")
		assert.Error(t, err)
	})
}

func TestReadWriteDelete(t *testing.T) {
	dir := t.TempDir()

	t.Run("should round-trip file content", func(t *testing.T) {
		require.NoError(t, WriteFile(dir, "notes/a.txt", "hello"))

		content, err := ReadFile(dir, "notes/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "hello", content)
	})

	t.Run("should delete files", func(t *testing.T) {
		require.NoError(t, WriteFile(dir, "b.txt", "x"))
		require.NoError(t, DeleteFile(dir, "b.txt"))

		_, err := ReadFile(dir, "b.txt")
		assert.Error(t, err)
	})

	t.Run("should refuse to delete directories", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "keep"), 0755))
		assert.Error(t, DeleteFile(dir, "keep"))
	})

	t.Run("should report missing files", func(t *testing.T) {
		_, err := ReadFile(dir, "nope.txt")
		assert.Error(t, err)
	})
}

func TestListDirectory(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "zoo"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "alpha"), 0755))
	require.NoError(t, WriteFile(dir, "beta.txt", "b"))
	require.NoError(t, WriteFile(dir, "apple.txt", "a"))

	entries, err := ListDirectory(dir, ".")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	// Directories first, alphabetical within each group.
	assert.Equal(t, "alpha", entries[0].Name)
	assert.Equal(t, "directory", entries[0].Type)
	assert.Equal(t, "zoo", entries[1].Name)
	assert.Equal(t, "apple.txt", entries[2].Name)
	assert.Equal(t, "file", entries[2].Type)
	assert.Equal(t, "beta.txt", entries[3].Name)
	assert.EqualValues(t, 1, entries[3].Size)
}
