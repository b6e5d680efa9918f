package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Modes understood by the gateway.
const (
	ModeBasic   = "basic"
	ModeAgentic = "agentic"
)

// Preferences are the settings that survive restarts. They are loaded once
// at startup and written back on every change.
type Preferences struct {
	Mode  string `yaml:"mode"`
	Debug bool   `yaml:"debug"`

	path string
}

// DefaultPreferencesPath returns the per-user preferences file location.
func DefaultPreferencesPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating config dir: %w", err)
	}
	return filepath.Join(dir, "assistant-chat", "preferences.yaml"), nil
}

// LoadPreferences reads path. A missing file yields defaults; an unknown
// stored mode falls back to basic.
func LoadPreferences(path string) (*Preferences, error) {
	p := &Preferences{Mode: ModeBasic, path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading preferences: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing preferences: %w", err)
	}
	if p.Mode != ModeAgentic {
		p.Mode = ModeBasic
	}
	return p, nil
}

// Save writes the preferences back to the file they were loaded from.
// Preferences without a path are kept in memory only.
func (p *Preferences) Save() error {
	if p.path == "" {
		return nil
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("creating preferences dir: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing preferences: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("writing preferences: %w", err)
	}
	return nil
}

// Path returns the backing file, empty for in-memory preferences.
func (p *Preferences) Path() string { return p.path }
