// Package prefs persists the last-used fit configuration as TOML.
package prefs

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"saimfit/internal/config"
)

const prefsFile = "prefs.toml"

type document struct {
	LastInput  string            `toml:"last_input,omitempty"`
	LastOutput string            `toml:"last_output,omitempty"`
	LastConfig *config.FitConfig `toml:"last_config,omitempty"`
}

// Prefs stores the values remembered between runs.
type Prefs struct {
	mu   sync.RWMutex
	doc  document
	path string
}

// DefaultPath returns ~/.config/saimfit/prefs.toml or the platform
// equivalent.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "saimfit", prefsFile)
}

// Load reads preferences from path. A missing file yields empty
// preferences; a malformed one is an error.
func Load(path string) (*Prefs, error) {
	p := &Prefs{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	if _, err := toml.Decode(string(data), &p.doc); err != nil {
		return &Prefs{path: path}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return p, nil
}

// Path returns the file the preferences are saved to.
func (p *Prefs) Path() string { return p.path }

// Save writes preferences to disk.
func (p *Prefs) Save() error {
	var buf bytes.Buffer
	p.mu.RLock()
	err := toml.NewEncoder(&buf).Encode(p.doc)
	p.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.path, buf.Bytes(), 0o644)
}

// LastConfig returns the configuration of the last run, or the defaults.
func (p *Prefs) LastConfig() config.FitConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.doc.LastConfig == nil {
		return config.Default()
	}
	return p.doc.LastConfig.Clone()
}

// HasLastConfig reports whether a configuration was remembered.
func (p *Prefs) HasLastConfig() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doc.LastConfig != nil
}

// SetLastConfig remembers cfg.
func (p *Prefs) SetLastConfig(cfg config.FitConfig) {
	c := cfg.Clone()
	p.mu.Lock()
	p.doc.LastConfig = &c
	p.mu.Unlock()
}

// LastInput returns the input path of the last run, or "".
func (p *Prefs) LastInput() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doc.LastInput
}

// SetLastInput stores the input path.
func (p *Prefs) SetLastInput(path string) {
	p.mu.Lock()
	p.doc.LastInput = path
	p.mu.Unlock()
}

// LastOutput returns the output path of the last run, or "".
func (p *Prefs) LastOutput() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doc.LastOutput
}

// SetLastOutput stores the output path.
func (p *Prefs) SetLastOutput(path string) {
	p.mu.Lock()
	p.doc.LastOutput = path
	p.mu.Unlock()
}
