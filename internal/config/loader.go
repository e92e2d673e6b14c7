package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load parses the YAML file at path into a RelayConfig. ${VAR} references
// in the file are substituted from the environment before parsing, so
// secrets like the broker URL can stay out of the file.
func Load(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg RelayConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults is Load followed by defaulting of unset fields.
func LoadWithDefaults(path string) (*RelayConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate runs the full pipeline: read, default, validate. The
// binary boots through this entry point.
func LoadAndValidate(path string) (*RelayConfig, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a fully-defaulted configuration without reading a file.
func Default() *RelayConfig {
	cfg := &RelayConfig{}
	cfg.applyDefaults()
	return cfg
}
