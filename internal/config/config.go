// Package config models governance.yml, the optional per-root overrides for
// lifecycle timing, the doctor, the state backend and the API.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models governance.yml.
type Config struct {
	Defaults struct {
		PreflightTimeoutSeconds  int    `yaml:"preflight_timeout_seconds"`
		HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
		StallMultiplier          int    `yaml:"stall_multiplier"`
		StallFloorSeconds        int    `yaml:"stall_floor_seconds"`
		MaxReviewCycles          int    `yaml:"max_review_cycles"`
		ReviewAgentPolicy        string `yaml:"review_agent_policy"`
	} `yaml:"defaults"`
	Doctor struct {
		Strict bool   `yaml:"strict"`
		Mode   string `yaml:"mode"`
	} `yaml:"doctor"`
	Backend string `yaml:"backend"`
	API     struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"api"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Defaults.PreflightTimeoutSeconds = 3600
	cfg.Defaults.HeartbeatIntervalSeconds = 900
	cfg.Defaults.StallMultiplier = 2
	cfg.Defaults.StallFloorSeconds = 1800
	cfg.Defaults.MaxReviewCycles = 3
	cfg.Defaults.ReviewAgentPolicy = "any_different_agent"
	cfg.Doctor.Mode = "fast"
	cfg.Backend = "file"
	cfg.API.Addr = ":8787"
	cfg.API.BasePath = "/v1"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Defaults.PreflightTimeoutSeconds <= 0 {
		return fmt.Errorf("defaults.preflight_timeout_seconds must be positive")
	}
	if c.Defaults.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("defaults.heartbeat_interval_seconds must be positive")
	}
	if c.Defaults.StallMultiplier <= 0 {
		return fmt.Errorf("defaults.stall_multiplier must be positive")
	}
	if c.Defaults.StallFloorSeconds <= 0 {
		return fmt.Errorf("defaults.stall_floor_seconds must be positive")
	}
	if c.Defaults.MaxReviewCycles <= 0 {
		return fmt.Errorf("defaults.max_review_cycles must be positive")
	}
	if c.Defaults.ReviewAgentPolicy != "any_different_agent" {
		return fmt.Errorf("defaults.review_agent_policy %q not supported", c.Defaults.ReviewAgentPolicy)
	}
	switch c.Doctor.Mode {
	case "fast", "full":
	default:
		return fmt.Errorf("doctor.mode must be fast or full")
	}
	switch c.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("backend must be file or sqlite")
	}
	return nil
}

// StallThresholdSeconds is the silence window after which an in-progress
// packet counts as stalled: max(multiplier x interval, floor). A packet may
// carry its own heartbeat interval; zero falls back to the default.
func (c *Config) StallThresholdSeconds(packetIntervalSeconds int) int {
	interval := packetIntervalSeconds
	if interval <= 0 {
		interval = c.Defaults.HeartbeatIntervalSeconds
	}
	threshold := c.Defaults.StallMultiplier * interval
	if threshold < c.Defaults.StallFloorSeconds {
		threshold = c.Defaults.StallFloorSeconds
	}
	return threshold
}

// Path returns the config file path for a governance root.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, "governance.yml")
}

// LoadOptional returns the defaults when governance.yml does not exist,
// otherwise the parsed and validated file layered over the defaults.
func LoadOptional(root string) (*Config, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes, layered over the
// defaults so absent keys keep their built-in values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid governance.yml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
