// Package scheduler implements the admission-control tick: it resumes paused
// work, admits queued work, and pauses what capacity cannot absorb.
package scheduler

import (
	"fmt"
	"time"
)

// Config defines the scheduler configuration.
type Config struct {
	// MaxConcurrentTasks is the maximum number of tasks running at once.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	// PreemptInFlight pauses already-dispatched tasks on a rising capacity edge.
	PreemptInFlight bool `yaml:"preempt_in_flight"`
	// ResumeBackoff delays automatic resume of tasks paused for capacity.
	ResumeBackoff time.Duration `yaml:"resume_backoff"`
	// EstimatedTaskPct is the usage headroom a task is expected to consume.
	EstimatedTaskPct float64 `yaml:"estimated_task_pct"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentTasks: 2,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be at least 1, got %d", c.MaxConcurrentTasks)
	}
	if c.ResumeBackoff < 0 {
		return fmt.Errorf("resume_backoff must not be negative")
	}
	if c.EstimatedTaskPct < 0 {
		return fmt.Errorf("estimated_task_pct must not be negative")
	}
	return nil
}
