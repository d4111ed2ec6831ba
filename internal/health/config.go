// Package health implements the out-of-process watchdog: health probes of
// the daemon, restart history, and the supervisor that relaunches it.
package health

import (
	"fmt"
	"time"
)

// Config defines the watchdog configuration.
type Config struct {
	// CheckInterval is the time between health probes.
	CheckInterval time.Duration `yaml:"check_interval"`
	// StaleAfter fails a check when the daemon has not ticked for this long.
	StaleAfter time.Duration `yaml:"stale_after"`
	// MemoryCeilingMB fails a check when daemon RSS exceeds it. Zero disables the check.
	MemoryCeilingMB uint64 `yaml:"memory_ceiling_mb"`
	// FailureThreshold is the number of consecutive failures tolerated
	// before the daemon is restarted.
	FailureThreshold int `yaml:"failure_threshold"`
	// RestartHistorySize bounds the restart ring.
	RestartHistorySize int `yaml:"restart_history_size"`
	// MaxRestartsPerHour limits restart frequency.
	MaxRestartsPerHour int `yaml:"max_restarts_per_hour"`
	// StopTimeout is how long the daemon gets to exit after SIGTERM. It must
	// cover the daemon's own graceful shutdown.
	StopTimeout time.Duration `yaml:"stop_timeout"`
	// StartupGrace skips checks right after a launch.
	StartupGrace time.Duration `yaml:"startup_grace"`
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// DefaultConfig returns the default watchdog configuration.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:      15 * time.Second,
		StaleAfter:         time.Minute,
		MemoryCeilingMB:    2048,
		FailureThreshold:   3,
		RestartHistorySize: 50,
		MaxRestartsPerHour: 10,
		StopTimeout:        45 * time.Second,
		StartupGrace:       10 * time.Second,
		ProbeTimeout:       5 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive")
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("failure_threshold must not be negative")
	}
	if c.RestartHistorySize < 1 {
		return fmt.Errorf("restart_history_size must be at least 1")
	}
	if c.MaxRestartsPerHour < 1 {
		return fmt.Errorf("max_restarts_per_hour must be at least 1")
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive")
	}
	return nil
}
