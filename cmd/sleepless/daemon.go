package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/sleepless/internal/config"
	"github.com/fentz26/sleepless/internal/daemon"
	"github.com/fentz26/sleepless/internal/logging"
	"github.com/spf13/cobra"
)

var (
	foreground bool
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the sleepless daemon",
	Long: `Starts the daemon which runs the scheduler tick loop and serves the HTTP API.
Without --foreground the daemon is started in the background and the command
returns once it answers health checks.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVar(&foreground, "foreground", false, "Run in the foreground instead of detaching")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Daemon.ListenAddr = listenAddr
		apiAddr = cfg.BaseURL()
	}
	if dbPath != "" {
		cfg.Daemon.DBPath = dbPath
	}

	if !foreground {
		return launchDetached(cfg)
	}

	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		logger.Error("daemon exited", "error", err)
		return err
	}
	return nil
}

func newLogger(cfg *config.Config, out io.Writer) (*slog.Logger, error) {
	return logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
}

// launchDetached re-executes this binary in the foreground as a background
// session and waits until it reports healthy.
func launchDetached(cfg *config.Config) error {
	if health, err := CheckHealth(); err == nil {
		fmt.Printf("Daemon already running (pid %d) at %s\n", health.PID, apiAddr)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	logFile, err := logging.OpenFile(cfg.Daemon.LogPath)
	if err != nil {
		return err
	}
	defer logFile.Close()

	proc := exec.Command(exe, daemonArgs(cfg)...)
	proc.Stdout = logFile
	proc.Stderr = logFile
	configureDaemonProc(proc)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	pid := proc.Process.Pid
	if err := proc.Process.Release(); err != nil {
		return fmt.Errorf("release daemon process: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := CheckHealth(); err == nil {
			fmt.Printf("Daemon started (pid %d) at %s\n", pid, apiAddr)
			fmt.Printf("Logs: %s\n", cfg.Daemon.LogPath)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return errors.New("daemon did not become healthy; see " + cfg.Daemon.LogPath)
}

// daemonArgs are the arguments of a foreground daemon child.
func daemonArgs(cfg *config.Config) []string {
	return []string{
		"daemon", "--foreground",
		"--config", configPath,
		"--listen", cfg.Daemon.ListenAddr,
		"--db", cfg.Daemon.DBPath,
	}
}
