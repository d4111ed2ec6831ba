// Package capacity turns usage counters and wall-clock time into admission thresholds.
package capacity

import (
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/sleepless/internal/models"
)

// SnapshotSource provides usage snapshots. *usage.Manager implements it.
type SnapshotSource interface {
	Snapshot(now time.Time) models.UsageSnapshot
}

// Edge is a threshold crossing between two capacity states.
type Edge int

const (
	EdgeNone Edge = iota
	// EdgeRising means usage reached the threshold after being below it.
	EdgeRising
	// EdgeFalling means usage dropped below the threshold after being at or above it.
	EdgeFalling
)

func (e Edge) String() string {
	switch e {
	case EdgeNone:
		return "none"
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	default:
		return fmt.Sprintf("edge(%d)", int(e))
	}
}

// Monitor applies day/night/off-hours thresholds to usage. It keeps no state
// between calls; the previous state is supplied by the caller.
type Monitor struct {
	config *Config
	day    Window
	night  Window
	usage  SnapshotSource
	loc    *time.Location
}

// NewMonitor creates a capacity monitor.
func NewMonitor(cfg *Config, usage SnapshotSource) (*Monitor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if usage == nil {
		return nil, fmt.Errorf("usage source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capacity config: %w", err)
	}
	day, _ := ParseWindow(cfg.DayWindow)
	night, _ := ParseWindow(cfg.NightWindow)
	return &Monitor{config: cfg, day: day, night: night, usage: usage, loc: time.Local}, nil
}

// SetLocation sets the time zone the windows are interpreted in.
func (m *Monitor) SetLocation(loc *time.Location) {
	m.loc = loc
}

// Mode returns the threshold profile in effect at now.
func (m *Monitor) Mode(now time.Time) models.CapacityMode {
	local := now.In(m.loc)
	minute := local.Hour()*60 + local.Minute()
	switch {
	case m.day.Contains(minute):
		return models.ModeDay
	case m.night.Contains(minute):
		return models.ModeNight
	default:
		return models.ModeOffHours
	}
}

// Threshold returns the admission threshold for mode.
func (m *Monitor) Threshold(mode models.CapacityMode) float64 {
	switch mode {
	case models.ModeDay:
		return m.config.DayThresholdPct
	case models.ModeNight:
		return m.config.NightThresholdPct
	default:
		return m.config.OffHoursThresholdPct
	}
}

// State computes the capacity state at now.
func (m *Monitor) State(now time.Time) models.CapacityState {
	snap := m.usage.Snapshot(now)
	mode := m.Mode(now)
	return models.CapacityState{
		Mode:            mode,
		ThresholdPct:    m.Threshold(mode),
		CurrentUsagePct: snap.RawPercent,
		At:              now,
	}
}

// Crossed detects a threshold crossing between prev and next. Each state is
// compared against its own threshold, so a mode change that moves the
// threshold across current usage is also an edge.
func Crossed(prev, next models.CapacityState) Edge {
	was, is := prev.AtOrAbove(), next.AtOrAbove()
	switch {
	case !was && is:
		return EdgeRising
	case was && !is:
		return EdgeFalling
	default:
		return EdgeNone
	}
}

// Tracker remembers the last observed state so callers get one edge per
// crossing rather than one per tick. Before the first observation the
// previous state is treated as below threshold.
type Tracker struct {
	monitor *Monitor

	mu   sync.Mutex
	prev *models.CapacityState
}

// NewTracker wraps a monitor.
func NewTracker(m *Monitor) *Tracker {
	return &Tracker{monitor: m}
}

// Observe computes the state at now and the edge relative to the last observation.
func (t *Tracker) Observe(now time.Time) (models.CapacityState, Edge) {
	next := t.monitor.State(now)

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := models.CapacityState{ThresholdPct: next.ThresholdPct}
	if t.prev != nil {
		prev = *t.prev
	}
	t.prev = &next
	return next, Crossed(prev, next)
}

// Last returns the most recent observation, if any.
func (t *Tracker) Last() (models.CapacityState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.prev == nil {
		return models.CapacityState{}, false
	}
	return *t.prev, true
}

// Monitor returns the wrapped monitor.
func (t *Tracker) Monitor() *Monitor {
	return t.monitor
}
