// Package config loads the p1d daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/meterhub/p1d/pkg/validate"
)

// Config is the daemon configuration.
type Config struct {
	Serial     Serial     `yaml:"serial"`
	API        API        `yaml:"api"`
	Validation Validation `yaml:"validation"`
	Logging    Logging    `yaml:"logging"`
}

// Serial names the device to read from. Baud rate, parity and framing are
// fixed by the device protocol and deliberately not configurable.
type Serial struct {
	Device string `yaml:"device"`
}

// API configures the HTTP status surface.
type API struct {
	Listen string `yaml:"listen"`
}

// Validation selects the continuity-check mode: "monotonic" (default) or
// "symmetric".
type Validation struct {
	DeltaPolicy string `yaml:"delta_policy"`
}

// Logging contains logging configuration.
type Logging struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Serial:     Serial{Device: "/dev/ttyUSB0"},
		API:        API{Listen: "127.0.0.1:9170"},
		Validation: Validation{DeltaPolicy: "monotonic"},
		Logging:    Logging{Level: "info"},
	}
}

// LoadConfig loads configuration from the specified path, filling omitted
// fields from the defaults.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	cleanPath := filepath.Clean(configPath)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Serial.Device == "" {
		return fmt.Errorf("serial.device must be set")
	}
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen must be set")
	}
	if _, err := validate.ParsePolicy(c.Validation.DeltaPolicy); err != nil {
		return fmt.Errorf("validation.delta_policy: %w", err)
	}
	return nil
}

// DeltaPolicy returns the parsed continuity policy. Call Validate first.
func (c *Config) DeltaPolicy() validate.Policy {
	p, _ := validate.ParsePolicy(c.Validation.DeltaPolicy)
	return p
}
