package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fentz26/sleepless/internal/models"
	"github.com/gofrs/flock"
	"golang.org/x/time/rate"
)

// RestartError means the watchdog could not relaunch the daemon. It is fatal.
type RestartError struct {
	Attempts int
	Err      error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("watchdog could not restart daemon after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RestartError) Unwrap() error { return e.Err }

// Is matches models.ErrWatchdogRestart.
func (e *RestartError) Is(target error) bool { return target == models.ErrWatchdogRestart }

// Child is a running daemon process.
type Child interface {
	PID() int
	// Done is closed when the process exits.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed.
	ExitCode() int
	// Terminate asks the process to stop, then kills it after timeout.
	Terminate(timeout time.Duration) error
}

// Launcher starts daemon processes.
type Launcher interface {
	Launch(ctx context.Context) (Child, error)
}

// ExecLauncher runs the daemon binary as a child process.
type ExecLauncher struct {
	Path string
	Args []string
	// LogPath receives the child's stdout and stderr when set.
	LogPath string
}

// Launch starts the daemon.
func (l *ExecLauncher) Launch(ctx context.Context) (Child, error) {
	cmd := exec.Command(l.Path, l.Args...)
	var logFile *os.File
	if l.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(l.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(l.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open daemon log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("launch daemon: %w", err)
	}

	c := &execChild{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			c.exitCode = 0
		case errors.As(err, &exitErr):
			c.exitCode = exitErr.ExitCode()
		default:
			c.exitCode = -1
		}
		if logFile != nil {
			logFile.Close()
		}
		close(c.done)
	}()
	return c, nil
}

type execChild struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

func (c *execChild) PID() int              { return c.cmd.Process.Pid }
func (c *execChild) Done() <-chan struct{} { return c.done }
func (c *execChild) ExitCode() int         { return c.exitCode }

func (c *execChild) Terminate(timeout time.Duration) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if err := terminate(c.cmd.Process.Pid); err != nil {
		return c.cmd.Process.Kill()
	}
	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
		return c.cmd.Process.Kill()
	}
}

// Supervisor launches the daemon and restarts it when it exits or fails
// its health checks.
type Supervisor struct {
	monitor    *Monitor
	config     *Config
	launcher   Launcher
	target     Target
	limiter    *rate.Limiter
	logger     *slog.Logger
	statusPath string
	lockPath   string

	// launchAttempts and retryDelay bound a single restart.
	launchAttempts int
	retryDelay     time.Duration

	mu         sync.Mutex
	child      Child
	launchedAt time.Time
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	// StatusPath receives the JSON health report after every check.
	StatusPath string
	// LockPath guards against a second watchdog.
	LockPath string
}

// NewSupervisor creates a supervisor.
func NewSupervisor(m *Monitor, cfg *Config, launcher Launcher, target Target, opts SupervisorOptions, logger *slog.Logger) *Supervisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	perRestart := time.Hour / time.Duration(cfg.MaxRestartsPerHour)
	return &Supervisor{
		monitor:        m,
		config:         cfg,
		launcher:       launcher,
		target:         target,
		limiter:        rate.NewLimiter(rate.Every(perRestart), cfg.MaxRestartsPerHour),
		logger:         logger.With("component", "watchdog"),
		statusPath:     opts.StatusPath,
		lockPath:       opts.LockPath,
		launchAttempts: 3,
		retryDelay:     time.Second,
	}
}

// Run supervises the daemon until ctx is cancelled, then stops it. The only
// error it returns is a *RestartError, or a failure to take the lock.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.lockPath != "" {
		lock := flock.New(s.lockPath)
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire watchdog lock: %w", err)
		}
		if !ok {
			return errors.New("another watchdog is already running")
		}
		defer lock.Unlock()
	}

	if err := s.launch(ctx); err != nil {
		return err
	}
	s.logger.Info("watchdog started", "pid", s.currentChild().PID(), "check_interval", s.config.CheckInterval)

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		child := s.currentChild()
		if ctx.Err() != nil {
			s.stop(child)
			return nil
		}
		select {
		case <-ctx.Done():
			s.stop(child)
			return nil

		case <-child.Done():
			code := child.ExitCode()
			s.monitor.RecordRestart(fmt.Sprintf("daemon exited with code %d", code), &code, false)
			if err := s.restart(ctx); err != nil {
				return err
			}

		case <-ticker.C:
			if time.Since(s.launchTime()) < s.config.StartupGrace {
				continue
			}
			s.monitor.PerformHealthCheck(ctx, s.target)
			s.writeStatus(ctx)
			if !s.monitor.ShouldRestart() {
				continue
			}

			reason := fmt.Sprintf("%d consecutive health check failures: %s",
				s.monitor.ConsecutiveFailures(), s.monitor.LastError())
			if err := child.Terminate(s.config.StopTimeout); err != nil {
				s.logger.Warn("failed to stop unhealthy daemon", "error", err)
			}
			<-child.Done()
			code := child.ExitCode()
			s.monitor.RecordRestart(reason, &code, true)
			if err := s.restart(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) stop(child Child) {
	s.logger.Info("watchdog stopping daemon")
	if err := child.Terminate(s.config.StopTimeout); err != nil {
		s.logger.Warn("failed to stop daemon", "error", err)
	}
}

// restart relaunches the daemon within the restart rate limit.
func (s *Supervisor) restart(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &RestartError{Attempts: 0, Err: fmt.Errorf("restart rate limit: %w", err)}
	}
	s.monitor.ResetConsecutive()
	err := s.launch(ctx)
	s.writeStatus(ctx)
	return err
}

func (s *Supervisor) launch(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.launchAttempts; attempt++ {
		child, err := s.launcher.Launch(ctx)
		if err == nil {
			s.mu.Lock()
			s.child = child
			s.launchedAt = time.Now()
			s.mu.Unlock()
			s.logger.Info("daemon launched", "pid", child.PID(), "attempt", attempt)
			return nil
		}
		lastErr = err
		s.logger.Error("daemon launch failed", "attempt", attempt, "error", err)
		if attempt < s.launchAttempts {
			select {
			case <-ctx.Done():
				return &RestartError{Attempts: attempt, Err: ctx.Err()}
			case <-time.After(s.retryDelay):
			}
		}
	}
	return &RestartError{Attempts: s.launchAttempts, Err: lastErr}
}

func (s *Supervisor) currentChild() Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child
}

func (s *Supervisor) launchTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launchedAt
}

// writeStatus atomically replaces the status file with a fresh report.
func (s *Supervisor) writeStatus(ctx context.Context) {
	if s.statusPath == "" {
		return
	}
	report := s.monitor.Report(ctx, nil)
	if err := WriteStatusFile(s.statusPath, report); err != nil {
		s.logger.Warn("failed to write status file", "path", s.statusPath, "error", err)
	}
}

// WriteStatusFile writes report as JSON via a temp file and rename.
func WriteStatusFile(path string, report models.HealthReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadStatusFile reads a report written by WriteStatusFile.
func ReadStatusFile(path string) (models.HealthReport, error) {
	var report models.HealthReport
	data, err := os.ReadFile(path)
	if err != nil {
		return report, err
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("parse status file: %w", err)
	}
	return report, nil
}
