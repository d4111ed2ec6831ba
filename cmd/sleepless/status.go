package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fentz26/sleepless/internal/controlplane"
	"github.com/fentz26/sleepless/internal/health"
	"github.com/fentz26/sleepless/internal/models"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show usage, capacity and queue counts",
	RunE:  runStatus,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	RunE:  runHealth,
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/usage")
	if err != nil {
		return err
	}
	var u controlplane.UsageResponse
	if err := json.Unmarshal(resp, &u); err != nil {
		return err
	}

	lines := []string{
		titleStyle.Render("sleepless"),
		field("Mode", string(u.Capacity.Mode)),
		field("Usage", usageBar(u.Capacity.CurrentUsagePct, u.Capacity.ThresholdPct)),
		field("Tokens", fmt.Sprintf("%d / %d", u.Usage.TokensUsed, u.Usage.TokenBudget)),
		field("Cost", fmt.Sprintf("$%.2f / $%.2f", u.Usage.CostUsed, u.Usage.CostBudget)),
		field("Window", formatTime(u.Usage.WindowStart)+" → "+formatTime(u.Usage.WindowEnd)),
	}
	if u.Capacity.AtOrAbove() {
		lines = append(lines, warnStyle.Render("At capacity: new work is paused until usage drops or the window resets."))
	}

	var counts []string
	for _, st := range []models.TaskStatus{
		models.TaskStatusQueued, models.TaskStatusRunning, models.TaskStatusPaused,
		models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled,
	} {
		counts = append(counts, fmt.Sprintf("%s %d", statusStyle(st).Render(string(st)), u.Tasks[st]))
	}
	lines = append(lines, field("Tasks", strings.Join(counts, "  ")))

	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	h, err := CheckHealth()
	if h == nil {
		fmt.Println(errStyle.Render("✗ Daemon unreachable"))
		return err
	}

	state := okStyle.Render("✓ healthy")
	if !h.OK {
		state = errStyle.Render("✗ unhealthy")
	}
	inFlight := "none"
	if len(h.InFlight) > 0 {
		inFlight = strings.Join(h.InFlight, ", ")
	}
	lines := []string{
		titleStyle.Render("Daemon") + " " + state,
		field("PID", fmt.Sprint(h.PID)),
		field("Started", formatTime(h.StartedAt)),
		field("Last tick", formatAgo(h.LastTick)),
		field("Ticks", fmt.Sprintf("%d (%d skipped)", h.Ticks, h.TicksSkipped)),
		field("In flight", inFlight),
		field("Database", h.DB),
	}
	if h.Stopping {
		lines = append(lines, warnStyle.Render("Shutting down"))
	}
	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))

	if report, rerr := health.ReadStatusFile(cfg.Daemon.StatusPath); rerr == nil {
		fmt.Println(renderHealthReport(report))
	}
	return err
}
