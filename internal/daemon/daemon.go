// Package daemon wires the store, usage, capacity, scheduler, runner and
// control plane into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/sleepless/internal/audit"
	"github.com/fentz26/sleepless/internal/capacity"
	"github.com/fentz26/sleepless/internal/config"
	"github.com/fentz26/sleepless/internal/connectors"
	"github.com/fentz26/sleepless/internal/connectors/localexec"
	"github.com/fentz26/sleepless/internal/controlplane"
	"github.com/fentz26/sleepless/internal/metrics"
	"github.com/fentz26/sleepless/internal/runner"
	"github.com/fentz26/sleepless/internal/scheduler"
	"github.com/fentz26/sleepless/internal/store"
	"github.com/fentz26/sleepless/internal/usage"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning is returned when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("another sleepless daemon is already running")

// Daemon owns every long-lived component. Nothing is global; New builds
// each component once and passes it explicitly.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	usage   *usage.Manager
	runner  *runner.Runner
	server  *controlplane.Server
	metrics *metrics.Collector
	lock    *flock.Flock

	addr chan net.Addr
}

// Option customizes New.
type Option func(*options)

type options struct {
	executor connectors.Executor
}

// WithExecutor replaces the configured local agent executor.
func WithExecutor(e connectors.Executor) Option {
	return func(o *options) { o.executor = e }
}

// New constructs a daemon from cfg. The returned daemon owns the store and
// must be closed.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Daemon.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	exec := o.executor
	if exec == nil {
		le, err := localexec.New(cfg.Agent)
		if err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
		exec = le
	}

	st, err := store.New(cfg.Daemon.DBPath)
	if err != nil {
		return nil, err
	}

	u, err := usage.New(cfg.Usage, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	u.SetLocation(loc)

	mon, err := capacity.NewMonitor(cfg.Capacity, u)
	if err != nil {
		st.Close()
		return nil, err
	}
	mon.SetLocation(loc)

	m := metrics.NewCollector()
	pdr := audit.NewPDRWriter(st)
	sched := scheduler.New(st, capacity.NewTracker(mon), pdr, m, cfg.Scheduler, logger)
	r := runner.New(st, u, sched, exec, pdr, m, cfg.Runner, logger)
	service := controlplane.NewService(st, r, u, mon, pdr)

	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		usage:   u,
		runner:  r,
		server:  controlplane.NewServer(service, cfg.Daemon.ListenAddr, m.Handler(), logger),
		metrics: m,
		lock:    flock.New(cfg.Daemon.LockPath),
		addr:    make(chan net.Addr, 1),
	}, nil
}

// Run takes the single-instance lock, restores the usage window and serves
// until ctx is cancelled. It returns nil on a clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer d.lock.Unlock()

	if err := d.usage.Load(ctx, time.Now()); err != nil {
		d.logger.Warn("could not restore usage window; starting fresh", "error", err)
	}

	ln, err := net.Listen("tcp", d.cfg.Daemon.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Daemon.ListenAddr, err)
	}
	d.addr <- ln.Addr()

	d.logger.Info("daemon started", "pid", os.Getpid(), "addr", ln.Addr().String(), "db", d.cfg.Daemon.DBPath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.server.Serve(ln)
	})
	g.Go(func() error {
		return d.runner.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	d.logger.Info("daemon stopped")
	return err
}

// Addr blocks until the daemon is listening and returns its address.
func (d *Daemon) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case a := <-d.addr:
		d.addr <- a
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the store.
func (d *Daemon) Close() error {
	return d.store.Close()
}
