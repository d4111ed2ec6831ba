// Package runner owns the daemon's tick loop: it drives the scheduler,
// dispatches admitted tasks and applies executor events to the store.
package runner

import (
	"fmt"
	"time"
)

// OrphanPolicy decides what happens to tasks left running by a previous process.
type OrphanPolicy string

const (
	// OrphanFail marks orphans failed.
	OrphanFail OrphanPolicy = "fail"
	// OrphanReadmit resumes orphans when the executor supports it.
	OrphanReadmit OrphanPolicy = "readmit"
)

// Config defines the runner configuration.
type Config struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	OrphanPolicy    OrphanPolicy  `yaml:"orphan_policy"`
	// EventBuffer bounds the executor event channel.
	EventBuffer int `yaml:"event_buffer"`
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:    5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		OrphanPolicy:    OrphanFail,
		EventBuffer:     256,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	switch c.OrphanPolicy {
	case OrphanFail, OrphanReadmit:
	default:
		return fmt.Errorf("orphan_policy must be %q or %q, got %q", OrphanFail, OrphanReadmit, c.OrphanPolicy)
	}
	if c.EventBuffer < 1 {
		return fmt.Errorf("event_buffer must be at least 1")
	}
	return nil
}
