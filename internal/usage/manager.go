// Package usage keeps the running token and cost counters that drive capacity decisions.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/sleepless/internal/models"
)

// Persister stores the current window so counters survive a daemon restart.
type Persister interface {
	SaveUsageWindow(ctx context.Context, w models.UsageWindow) error
	LoadUsageWindow(ctx context.Context) (models.UsageWindow, bool, error)
}

// Manager tracks usage against the configured budget.
type Manager struct {
	config  *Config
	persist Persister
	logger  *slog.Logger
	loc     *time.Location

	mu      sync.Mutex
	window  models.UsageWindow
	version uint64

	// saveMu orders writes to persist; saved is the newest version written.
	saveMu sync.Mutex
	saved  uint64
}

// New creates a usage manager. persist may be nil for in-memory use.
func New(cfg *Config, persist Persister, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid usage config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  cfg,
		persist: persist,
		logger:  logger.With("component", "usage"),
		loc:     time.Local,
	}, nil
}

// SetLocation sets the time zone used for daily boundaries.
func (m *Manager) SetLocation(loc *time.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loc = loc
}

// Load restores the persisted window. A window that has already ended is
// discarded and a fresh one starts at now.
func (m *Manager) Load(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = m.freshWindow(now)
	if m.persist == nil {
		return nil
	}
	w, ok, err := m.persist.LoadUsageWindow(ctx)
	if err != nil {
		return fmt.Errorf("load usage window: %w", err)
	}
	if ok && now.Before(w.WindowEnd) && !now.Before(w.WindowStart) {
		m.window = w
		m.logger.Info("restored usage window",
			"tokens", w.TokensUsed, "cost", w.CostUsed, "window_end", w.WindowEnd)
	}
	return nil
}

// RecordUsage adds tokens and cost to the running counters. Each call is
// additive; callers are responsible for not reporting the same usage twice.
func (m *Manager) RecordUsage(ctx context.Context, taskID string, tokens int64, cost float64, now time.Time) error {
	if tokens < 0 || cost < 0 {
		return models.NewValidationError("usage", fmt.Sprintf("negative usage for task %s (tokens=%d cost=%.4f)", taskID, tokens, cost))
	}

	m.mu.Lock()
	m.rolloverLocked(now)
	m.window.TokensUsed += tokens
	m.window.CostUsed += cost
	m.version++
	w, v := m.window, m.version
	m.mu.Unlock()

	m.save(ctx, w, v)
	return nil
}

// Snapshot returns the current totals and percentage of budget.
func (m *Manager) Snapshot(now time.Time) models.UsageSnapshot {
	m.mu.Lock()
	rolled := m.rolloverLocked(now)
	if rolled {
		m.version++
	}
	w, v := m.window, m.version
	m.mu.Unlock()

	if rolled {
		m.save(context.Background(), w, v)
	}
	return m.snapshotOf(w)
}

// Reset zeroes the counters and starts a new window at now.
func (m *Manager) Reset(ctx context.Context, now time.Time) {
	m.mu.Lock()
	m.window = m.freshWindow(now)
	m.version++
	w, v := m.window, m.version
	m.mu.Unlock()

	m.logger.Info("usage counters reset", "window_end", w.WindowEnd)
	m.save(ctx, w, v)
}

func (m *Manager) snapshotOf(w models.UsageWindow) models.UsageSnapshot {
	var raw float64
	if m.config.TokenBudget > 0 {
		raw = float64(w.TokensUsed) / float64(m.config.TokenBudget) * 100
	}
	if m.config.CostBudget > 0 {
		if pct := w.CostUsed / m.config.CostBudget * 100; pct > raw {
			raw = pct
		}
	}
	display := raw
	if display > 100 {
		display = 100
	}
	return models.UsageSnapshot{
		TokensUsed:  w.TokensUsed,
		CostUsed:    w.CostUsed,
		TokenBudget: m.config.TokenBudget,
		CostBudget:  m.config.CostBudget,
		Percent:     display,
		RawPercent:  raw,
		WindowStart: w.WindowStart,
		WindowEnd:   w.WindowEnd,
	}
}

// rolloverLocked replaces an expired window in one step. Must hold m.mu.
func (m *Manager) rolloverLocked(now time.Time) bool {
	if m.window.WindowEnd.IsZero() {
		m.window = m.freshWindow(now)
		return true
	}
	if now.Before(m.window.WindowEnd) {
		return false
	}
	prev := m.window
	m.window = m.freshWindow(now)
	m.logger.Info("usage window rolled over",
		"previous_tokens", prev.TokensUsed, "previous_cost", prev.CostUsed, "window_end", m.window.WindowEnd)
	return true
}

func (m *Manager) freshWindow(now time.Time) models.UsageWindow {
	start, end := m.bounds(now)
	return models.UsageWindow{WindowStart: start, WindowEnd: end}
}

// bounds returns the window containing now.
func (m *Manager) bounds(now time.Time) (time.Time, time.Time) {
	if m.config.Reset == ResetInterval {
		return now, now.Add(m.config.ResetInterval)
	}
	hour, minute, _ := parseClock(m.config.ResetAt)
	local := now.In(m.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, m.loc)
	if start.After(local) {
		start = start.AddDate(0, 0, -1)
	}
	return start, start.AddDate(0, 0, 1)
}

// save persists w unless a newer version has already been written.
func (m *Manager) save(ctx context.Context, w models.UsageWindow, version uint64) {
	if m.persist == nil {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if version <= m.saved {
		return
	}
	if err := m.persist.SaveUsageWindow(ctx, w); err != nil {
		m.logger.Warn("failed to persist usage window", "error", err)
		return
	}
	m.saved = version
}
