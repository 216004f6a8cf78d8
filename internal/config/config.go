// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration. Zero values for MaxCapacity and
// Timeout leave the reorder queue's escape hatches disabled; a zero
// ClientRate leaves client accepts unlimited.
type Config struct {
	// Listeners
	EventPort  int    `env:"FM_EVENT_PORT" envDefault:"9090"`
	ClientPort int    `env:"FM_CLIENT_PORT" envDefault:"9099"`
	HTTPAddr   string `env:"FM_HTTP_ADDR" envDefault:":9095"` // metrics + WebSocket gateway; empty disables

	// Reorder queue escape hatches
	MaxCapacity int           `env:"FM_MAX_CAPACITY" envDefault:"0"`
	Timeout     time.Duration `env:"FM_TIMEOUT" envDefault:"0s"`

	// Client accept rate limiting
	ClientRate  float64 `env:"FM_CLIENT_RATE" envDefault:"0"`
	ClientBurst int     `env:"FM_CLIENT_BURST" envDefault:"0"`

	// Resource monitoring; zero disables
	MonitorInterval time.Duration `env:"FM_MONITOR_INTERVAL" envDefault:"0s"`

	// Optional NATS event tap; empty URL disables
	NATSURL         string `env:"FM_NATS_URL" envDefault:""`
	FirehoseSubject string `env:"FM_FIREHOSE_SUBJECT" envDefault:"fm.events.delivered"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// Environment variables take priority over .env values.
func Load() (*Config, error) {
	// A missing .env file is fine; production supplies real env vars.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.EventPort < 0 || c.EventPort > 65535 {
		return fmt.Errorf("FM_EVENT_PORT must be 0-65535, got %d", c.EventPort)
	}
	if c.ClientPort < 0 || c.ClientPort > 65535 {
		return fmt.Errorf("FM_CLIENT_PORT must be 0-65535, got %d", c.ClientPort)
	}
	if c.EventPort != 0 && c.EventPort == c.ClientPort {
		return fmt.Errorf("FM_EVENT_PORT and FM_CLIENT_PORT must differ, both are %d", c.EventPort)
	}
	if c.MaxCapacity < 0 {
		return fmt.Errorf("FM_MAX_CAPACITY must be >= 0, got %d", c.MaxCapacity)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("FM_TIMEOUT must be >= 0, got %s", c.Timeout)
	}
	if c.ClientRate < 0 {
		return fmt.Errorf("FM_CLIENT_RATE must be >= 0, got %g", c.ClientRate)
	}
	if c.ClientRate > 0 && c.ClientBurst < 1 {
		return fmt.Errorf("FM_CLIENT_BURST must be >= 1 when FM_CLIENT_RATE is set, got %d", c.ClientBurst)
	}
	if c.NATSURL != "" && c.FirehoseSubject == "" {
		return fmt.Errorf("FM_FIREHOSE_SUBJECT must be set when FM_NATS_URL is set")
	}
	return nil
}
