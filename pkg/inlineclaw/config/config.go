// Package config holds the inlineclaw configuration: the monitor policy, the
// bridge and agent endpoints, the database and maintenance settings.
package config

import (
	"fmt"
	"time"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels/bridge"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels/console"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/monitor"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/pipeline"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/store"
)

// Config is the root configuration.
type Config struct {
	Inline   monitor.Config  `yaml:"inline"`
	Bridge   bridge.Config   `yaml:"bridge"`
	Agent    pipeline.Config `yaml:"agent"`
	Database store.Config    `yaml:"database"`
	Pairing  PairingConfig   `yaml:"pairing"`
	Logging  LoggingConfig   `yaml:"logging"`
	Console  console.Config  `yaml:"console"`
}

// PairingConfig controls pending pairing requests.
type PairingConfig struct {
	// TTL is how long a pairing code stays valid (default: 1h).
	TTL time.Duration `yaml:"ttl"`

	// MaxPending caps pending requests per channel (default: 3).
	MaxPending int `yaml:"max_pending"`

	// SweepSchedule is the cron expression for pruning expired requests.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error (default: info).
	Level string `yaml:"level" env:"INLINECLAW_LOG_LEVEL"`

	// Format is "text" or "json" (default: text).
	Format string `yaml:"format" env:"INLINECLAW_LOG_FORMAT"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Inline:   monitor.DefaultConfig(),
		Bridge:   bridge.DefaultConfig(),
		Agent:    pipeline.DefaultConfig(),
		Database: store.DefaultConfig(),
		Pairing: PairingConfig{
			TTL:           store.DefaultPairingTTL,
			MaxPending:    store.DefaultMaxPending,
			SweepSchedule: "@every 10m",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Console: console.DefaultConfig(),
	}
}

// Validate checks the settings needed to serve the Inline bridge.
func (c *Config) Validate() error {
	if c.Bridge.Token == "" {
		return fmt.Errorf("bridge.token is not set (use INLINE_TOKEN or 'inlineclaw token set')")
	}
	if c.Bridge.RealtimeURL == "" {
		return fmt.Errorf("bridge.realtime_url is required")
	}
	if c.Agent.URL == "" {
		return fmt.Errorf("agent.url is required")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
