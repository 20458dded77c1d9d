package multiplexer

import (
	"fmt"
	"time"

	"go.uber.org/config"
)

const _configKey = "multiplexer"

// Config holds the caller-facing limits of the multiplexer.
type Config struct {
	// DefaultTimeout bounds calls submitted without a timeout.
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
	// MaxTimeout caps any requested timeout.
	MaxTimeout time.Duration `yaml:"maxTimeout"`
	// IdleTimeout is how long an implicit session may go without a request before it is evicted.
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	SweepInterval  time.Duration `yaml:"sweepInterval"`
	EventQueueSize int           `yaml:"eventQueueSize"`
}

// DefaultConfig returns the settings used for any key missing from the config file.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     5 * time.Minute,
		IdleTimeout:    10 * time.Minute,
		SweepInterval:  30 * time.Second,
		EventQueueSize: 256,
	}
}

// LoadConfig reads the multiplexer block from the config provider.
func LoadConfig(cfg config.Provider) (Config, error) {
	c := DefaultConfig()
	if err := cfg.Get(_configKey).Populate(&c); err != nil {
		return Config{}, fmt.Errorf("getting config field %q: %w", _configKey, err)
	}
	if c.DefaultTimeout <= 0 {
		return Config{}, fmt.Errorf("%s.defaultTimeout must be positive", _configKey)
	}
	if c.MaxTimeout < c.DefaultTimeout {
		c.MaxTimeout = c.DefaultTimeout
	}
	return c, nil
}

// Timeout returns the effective timeout for a requested one.
func (c Config) Timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.DefaultTimeout
	}
	if requested > c.MaxTimeout {
		return c.MaxTimeout
	}
	return requested
}
