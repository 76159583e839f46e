package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadProfile reads profile_<name>.yaml from dir over the defaults, then applies the
// environment on top, so operators can override a checked-in profile per host.
func LoadProfile(dir, name string) (*Config, error) {
	name = strings.ToLower(name)
	return LoadFile(filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", name)))
}

// LoadFile reads a YAML profile at path, then applies the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}
