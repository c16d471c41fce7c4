// Package store holds the simple file-backed collaborators: user
// settings (including tool-provider definitions) and the project list.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/halden/quarterdeck/internal/config"
	"github.com/rs/zerolog/log"
)

// Settings is the persisted user-facing configuration surface
type Settings struct {
	DefaultModel string                           `json:"default_model,omitempty"`
	Providers    map[string]config.ProviderConfig `json:"providers"`
	Preferences  map[string]interface{}           `json:"preferences,omitempty"`
}

// SettingsStore reads and writes settings.json
type SettingsStore struct {
	path string
	mu   sync.Mutex
}

// NewSettingsStore creates a settings store rooted at dataDir
func NewSettingsStore(dataDir string) (*SettingsStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &SettingsStore{
		path: filepath.Join(dataDir, "settings.json"),
	}, nil
}

// Load reads the current settings, returning empty settings when absent
func (s *SettingsStore) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *SettingsStore) load() (*Settings, error) {
	settings := &Settings{
		Providers: map[string]config.ProviderConfig{},
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if settings.Providers == nil {
		settings.Providers = map[string]config.ProviderConfig{}
	}

	return settings, nil
}

// Update applies a mutation to the settings under the write lock
func (s *SettingsStore) Update(mutate func(*Settings) error) (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.load()
	if err != nil {
		return nil, err
	}

	if err := mutate(settings); err != nil {
		return nil, err
	}

	if err := s.write(settings); err != nil {
		return nil, err
	}

	return settings, nil
}

func (s *SettingsStore) write(settings *Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}

	log.Debug().Str("path", s.path).Msg("Settings saved")
	return nil
}

// AddProvider validates and stores one provider definition
func (s *SettingsStore) AddProvider(name string, p config.ProviderConfig) error {
	if err := config.ValidateProvider(name, p); err != nil {
		return err
	}

	_, err := s.Update(func(settings *Settings) error {
		settings.Providers[name] = p
		return nil
	})
	return err
}

// RemoveProvider deletes one provider definition
func (s *SettingsStore) RemoveProvider(name string) error {
	_, err := s.Update(func(settings *Settings) error {
		if _, ok := settings.Providers[name]; !ok {
			return fmt.Errorf("provider not found: %s", name)
		}
		delete(settings.Providers, name)
		return nil
	})
	return err
}
