package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Project is one known working directory a session can switch to
type Project struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	LastOpened time.Time `json:"last_opened"`
}

// ProjectStore reads and writes projects.json
type ProjectStore struct {
	path string
	mu   sync.Mutex
}

// NewProjectStore creates a project store rooted at dataDir
func NewProjectStore(dataDir string) (*ProjectStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &ProjectStore{
		path: filepath.Join(dataDir, "projects.json"),
	}, nil
}

// List returns all known projects, most recently opened first
func (p *ProjectStore) List() ([]Project, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	projects, err := p.load()
	if err != nil {
		return nil, err
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].LastOpened.After(projects[j].LastOpened)
	})
	return projects, nil
}

// ValidatePath checks that a path exists and is a directory
func (p *ProjectStore) ValidatePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project path not accessible: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project path is not a directory: %s", path)
	}

	return abs, nil
}

// Touch records a project switch, adding the project when unknown
func (p *ProjectStore) Touch(path string) error {
	abs, err := p.ValidatePath(path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	projects, err := p.load()
	if err != nil {
		return err
	}

	now := time.Now()
	found := false
	for i := range projects {
		if projects[i].Path == abs {
			projects[i].LastOpened = now
			found = true
			break
		}
	}
	if !found {
		projects = append(projects, Project{
			Name:       filepath.Base(abs),
			Path:       abs,
			LastOpened: now,
		})
	}

	return p.write(projects)
}

func (p *ProjectStore) load() ([]Project, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Project{}, nil
		}
		return nil, fmt.Errorf("failed to read projects: %w", err)
	}

	var projects []Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("failed to parse projects: %w", err)
	}
	return projects, nil
}

func (p *ProjectStore) write(projects []Project) error {
	data, err := json.MarshalIndent(projects, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal projects: %w", err)
	}

	tempPath := p.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write projects: %w", err)
	}

	if err := os.Rename(tempPath, p.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace projects file: %w", err)
	}
	return nil
}
