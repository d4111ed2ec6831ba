package capacity

import (
	"fmt"
	"strings"
	"time"
)

// Config defines the time-of-day capacity thresholds.
type Config struct {
	// DayWindow is the interactive window, "HH:MM-HH:MM".
	DayWindow string `yaml:"day_window"`
	// NightWindow is the unattended window; it may wrap past midnight.
	NightWindow string `yaml:"night_window"`
	// DayThresholdPct stops new admissions during the day window.
	DayThresholdPct float64 `yaml:"day_threshold_pct"`
	// NightThresholdPct stops new admissions during the night window.
	NightThresholdPct float64 `yaml:"night_threshold_pct"`
	// OffHoursThresholdPct applies outside both windows.
	OffHoursThresholdPct float64 `yaml:"off_hours_threshold_pct"`
}

// DefaultConfig returns the default capacity configuration.
func DefaultConfig() *Config {
	return &Config{
		DayWindow:            "08:00-20:00",
		NightWindow:          "22:00-06:00",
		DayThresholdPct:      70,
		NightThresholdPct:    90,
		OffHoursThresholdPct: 90,
	}
}

// Validate parses both windows and checks they do not overlap.
func (c *Config) Validate() error {
	day, err := ParseWindow(c.DayWindow)
	if err != nil {
		return fmt.Errorf("day_window: %w", err)
	}
	night, err := ParseWindow(c.NightWindow)
	if err != nil {
		return fmt.Errorf("night_window: %w", err)
	}
	if day.Overlaps(night) {
		return fmt.Errorf("day_window %s and night_window %s overlap", day, night)
	}
	for name, pct := range map[string]float64{
		"day_threshold_pct":       c.DayThresholdPct,
		"night_threshold_pct":     c.NightThresholdPct,
		"off_hours_threshold_pct": c.OffHoursThresholdPct,
	} {
		if pct <= 0 {
			return fmt.Errorf("%s must be positive, got %.1f", name, pct)
		}
	}
	return nil
}

const minutesPerDay = 24 * 60

// Window is a half-open range of minutes of the day. End < Start wraps midnight.
type Window struct {
	Start int
	End   int
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("invalid window %q (want HH:MM-HH:MM)", s)
	}
	start, err := parseMinute(parts[0])
	if err != nil {
		return Window{}, err
	}
	end, err := parseMinute(parts[1])
	if err != nil {
		return Window{}, err
	}
	if start == end {
		return Window{}, fmt.Errorf("window %q is empty", s)
	}
	return Window{Start: start, End: end}, nil
}

func parseMinute(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether minute-of-day m falls inside the window.
func (w Window) Contains(m int) bool {
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

// Overlaps reports whether two windows share any minute.
func (w Window) Overlaps(other Window) bool {
	for m := 0; m < minutesPerDay; m++ {
		if w.Contains(m) && other.Contains(m) {
			return true
		}
	}
	return false
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}
