package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/sleepless/internal/models"
)

var (
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	primaryColor = lipgloss.Color("#7C3AED")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	labelStyle = lipgloss.NewStyle().Foreground(mutedColor).Width(16)
	okStyle    = lipgloss.NewStyle().Foreground(successColor)
	warnStyle  = lipgloss.NewStyle().Foreground(warningColor)
	errStyle   = lipgloss.NewStyle().Foreground(errorColor)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)
)

func statusStyle(s models.TaskStatus) lipgloss.Style {
	switch s {
	case models.TaskStatusCompleted:
		return okStyle
	case models.TaskStatusRunning, models.TaskStatusQueued:
		return lipgloss.NewStyle()
	case models.TaskStatusPaused:
		return warnStyle
	default:
		return errStyle
	}
}

func field(label, value string) string {
	return labelStyle.Render(label) + value
}

// usageBar renders pct as a ten-cell bar, coloured against threshold.
func usageBar(pct, threshold float64) string {
	cells := int(pct / 10)
	if cells > 10 {
		cells = 10
	}
	if cells < 0 {
		cells = 0
	}
	bar := strings.Repeat("█", cells) + strings.Repeat("░", 10-cells)
	style := okStyle
	switch {
	case pct >= threshold:
		style = errStyle
	case pct >= threshold*0.8:
		style = warnStyle
	}
	return style.Render(bar) + fmt.Sprintf(" %.1f%% / %.0f%%", pct, threshold)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func renderHealthReport(r models.HealthReport) string {
	lines := []string{
		titleStyle.Render("Watchdog"),
		field("Generated", formatTime(r.GeneratedAt)),
		field("Uptime", r.Uptime.Round(time.Second).String()),
		field("Checks", fmt.Sprintf("%d passed, %d failed", r.ChecksPassed, r.ChecksFailed)),
	}
	if r.ConsecutiveFailures > 0 {
		lines = append(lines, field("Failing", errStyle.Render(fmt.Sprintf("%d in a row: %s", r.ConsecutiveFailures, r.LastCheckError))))
	} else {
		lines = append(lines, field("Last check", okStyle.Render("ok")+" "+formatAgo(r.LastCheckAt)))
	}
	if r.Memory.Error != "" {
		lines = append(lines, field("Memory", warnStyle.Render(r.Memory.Error)))
	} else {
		lines = append(lines, field("Memory", fmt.Sprintf("pid %d, rss %d MB", r.Memory.PID, r.Memory.RSSBytes/1024/1024)))
	}
	lines = append(lines, field("Restarts", fmt.Sprintf("%d recorded", len(r.Restarts))))
	for i, ev := range r.Restarts {
		if i == 5 {
			break
		}
		by := "exit"
		if ev.TriggeredByWatchdog {
			by = "watchdog"
		}
		lines = append(lines, "  "+lipgloss.NewStyle().Foreground(mutedColor).Render(formatTime(ev.Timestamp))+" ["+by+"] "+ev.Reason)
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}
