// Package config holds the YAML configuration consumed by the wsbridge
// daemon and drivers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional log forwarding to a Loki instance.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string     `yaml:"level,omitempty"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki,omitempty"`
}

// TelemetryConfig controls the Prometheus metrics endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// PumpConfig controls the registry pump loop.
type PumpConfig struct {
	Interval Duration `yaml:"interval,omitempty"`
}

// ConnectionConfig describes one endpoint the daemon should bridge.
// Driver-specific settings stay opaque here and are decoded by the driver.
type ConnectionConfig struct {
	ID       string     `yaml:"id"`
	Driver   string     `yaml:"driver"`
	Endpoint string     `yaml:"endpoint"`
	Settings *yaml.Node `yaml:"settings,omitempty"`
}

// DecodeSettings decodes the driver settings block into out. A missing block
// leaves out untouched.
func (c ConnectionConfig) DecodeSettings(out interface{}) error {
	if c.Settings == nil {
		return nil
	}
	if err := c.Settings.Decode(out); err != nil {
		return fmt.Errorf("connection %s: decode settings: %w", c.ID, err)
	}
	return nil
}

// Config is the root configuration document.
type Config struct {
	Logging     LoggingConfig      `yaml:"logging,omitempty"`
	Telemetry   TelemetryConfig    `yaml:"telemetry,omitempty"`
	Pump        PumpConfig         `yaml:"pump,omitempty"`
	Connections []ConnectionConfig `yaml:"connections,omitempty"`
}

// PumpInterval returns the configured pump cadence or the default.
func (c *Config) PumpInterval() time.Duration {
	if c == nil || c.Pump.Interval.Duration <= 0 {
		return 50 * time.Millisecond
	}
	return c.Pump.Interval.Duration
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints that do not need a driver.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.ID == "" {
			return fmt.Errorf("connection without id")
		}
		if _, ok := seen[conn.ID]; ok {
			return fmt.Errorf("connection %s: duplicate id", conn.ID)
		}
		seen[conn.ID] = struct{}{}
		if conn.Driver == "" {
			return fmt.Errorf("connection %s: driver is required", conn.ID)
		}
		if conn.Endpoint == "" {
			return fmt.Errorf("connection %s: endpoint is required", conn.ID)
		}
	}
	return nil
}
