package usage

import (
	"fmt"
	"time"
)

// Reset modes.
const (
	ResetDaily    = "daily"
	ResetInterval = "interval"
)

// Config holds usage budget configuration.
type Config struct {
	// TokenBudget is the number of tokens per window. 0 = not tracked against a budget.
	TokenBudget int64 `yaml:"token_budget"`
	// CostBudget is the spend in USD per window. 0 = not tracked against a budget.
	CostBudget float64 `yaml:"cost_budget"`
	// Reset selects the window boundary: "daily" or "interval".
	Reset string `yaml:"reset"`
	// ResetAt is the local wall-clock time of the daily reset (HH:MM).
	ResetAt string `yaml:"reset_at"`
	// ResetInterval is the window length when Reset is "interval".
	ResetInterval time.Duration `yaml:"reset_interval"`
}

// DefaultConfig returns the default usage configuration.
func DefaultConfig() *Config {
	return &Config{
		TokenBudget:   2_000_000,
		CostBudget:    50.0,
		Reset:         ResetDaily,
		ResetAt:       "00:00",
		ResetInterval: 5 * time.Hour,
	}
}

// Validate checks that the configuration has usable values.
func (c *Config) Validate() error {
	if c.TokenBudget < 0 {
		return fmt.Errorf("token_budget must be non-negative, got %d", c.TokenBudget)
	}
	if c.CostBudget < 0 {
		return fmt.Errorf("cost_budget must be non-negative, got %.2f", c.CostBudget)
	}
	switch c.Reset {
	case ResetDaily:
		if _, _, err := parseClock(c.ResetAt); err != nil {
			return fmt.Errorf("reset_at: %w", err)
		}
	case ResetInterval:
		if c.ResetInterval <= 0 {
			return fmt.Errorf("reset_interval must be positive, got %v", c.ResetInterval)
		}
	default:
		return fmt.Errorf("reset must be %q or %q, got %q", ResetDaily, ResetInterval, c.Reset)
	}
	return nil
}

func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}
