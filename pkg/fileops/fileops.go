// Package fileops provides file and directory operations scoped to a
// session's working directory.
package fileops

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry describes one directory listing item
type Entry struct {
	Name string `json:"name"`
	Type string `json:"type"` // directory or file
	Size int64  `json:"size"`
}

// Resolve joins path against workingDir and rejects escapes outside it
func Resolve(workingDir, path string) (string, error) {
	if workingDir == "" {
		return "", fmt.Errorf("working directory is not set")
	}
	if strings.Contains(path, "\x00") {
		return "", fmt.Errorf("path contains null bytes")
	}

	base, err := filepath.Abs(workingDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve working directory: %w", err)
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	target = filepath.Clean(target)

	if target != base && !strings.HasPrefix(target, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory: %s", path)
	}

	return target, nil
}

// ReadFile reads a file inside the working directory
func ReadFile(workingDir, path string) (string, error) {
	target, err := Resolve(workingDir, path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

// WriteFile writes a file inside the working directory, creating parents
func WriteFile(workingDir, path, content string) error {
	target, err := Resolve(workingDir, path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	if err := os.WriteFile(target, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// DeleteFile removes a file inside the working directory
func DeleteFile(workingDir, path string) error {
	target, err := Resolve(workingDir, path)
	if err != nil {
		return err
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("refusing to delete directory: %s", path)
	}

	if err := os.Remove(target); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// ListDirectory lists a directory inside the working directory,
// directories before files and each group sorted alphabetically
func ListDirectory(workingDir, path string) ([]Entry, error) {
	target, err := Resolve(workingDir, path)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		entry := Entry{Name: de.Name(), Type: "file"}
		if de.IsDir() {
			entry.Type = "directory"
		} else if info, err := de.Info(); err == nil {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type == "directory"
		}
		return entries[i].Name < entries[j].Name
	})

	return entries, nil
}
