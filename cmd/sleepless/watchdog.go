package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fentz26/sleepless/internal/health"
	"github.com/fentz26/sleepless/internal/metrics"
	"github.com/fentz26/sleepless/internal/models"
	"github.com/spf13/cobra"
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Run the daemon under a health-checking supervisor",
	Long: `Launches the daemon as a child process, probes its /health endpoint on a
timer and restarts it when it exits or fails consecutive health checks.`,
	RunE: runWatchdog,
}

var watchdogStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last health report written by the watchdog",
	RunE:  runWatchdogStatus,
}

func init() {
	watchdogCmd.AddCommand(watchdogStatusCmd)
}

func runWatchdog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	var sampler health.MemorySampler
	if ps, err := health.NewProcfsSampler(); err == nil {
		sampler = ps
	} else {
		logger.Warn("memory sampling disabled", "error", err)
	}

	monitor := health.NewMonitor(cfg.Watchdog, sampler, metrics.NewCollector(), logger)
	launcher := &health.ExecLauncher{
		Path:    exe,
		Args:    daemonArgs(cfg),
		LogPath: cfg.Daemon.LogPath,
	}
	sup := health.NewSupervisor(monitor, cfg.Watchdog, launcher, health.NewHTTPTarget(cfg.BaseURL()), health.SupervisorOptions{
		StatusPath: cfg.Daemon.StatusPath,
		LockPath:   filepath.Join(cfg.Daemon.DataDir, "watchdog.lock"),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		if errors.Is(err, models.ErrWatchdogRestart) {
			logger.Error("watchdog giving up", "error", err)
		}
		return err
	}
	return nil
}

func runWatchdogStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	report, err := health.ReadStatusFile(cfg.Daemon.StatusPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no watchdog status at %s (is the watchdog running?)", cfg.Daemon.StatusPath)
		}
		return err
	}
	fmt.Println(renderHealthReport(report))
	return nil
}
