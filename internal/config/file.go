package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML run configuration. Keys missing from the file keep the
// values of base; unknown keys are rejected.
func Load(path string, base FitConfig) (FitConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FitConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, base)
}

// Parse decodes YAML on top of base.
func Parse(data []byte, base FitConfig) (FitConfig, error) {
	cfg := base.Clone()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return FitConfig{}, &ConfigError{Reason: fmt.Sprintf("parse config: %v", err), Err: err}
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg FitConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
