package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/sleepless/internal/audit"
	"github.com/fentz26/sleepless/internal/capacity"
	"github.com/fentz26/sleepless/internal/connectors"
	"github.com/fentz26/sleepless/internal/models"
	"github.com/fentz26/sleepless/internal/scheduler"
	"github.com/fentz26/sleepless/internal/store"
	"github.com/fentz26/sleepless/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExec struct {
	mu           sync.Mutex
	dispatched   []string
	cancelled    []string
	failDispatch bool
}

func (e *fakeExec) Name() string { return "fake" }

func (e *fakeExec) Dispatch(ctx context.Context, task *models.Task, r connectors.Reporter) (connectors.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failDispatch {
		return connectors.Handle{}, errors.New("agent binary missing")
	}
	e.dispatched = append(e.dispatched, task.ID)
	return connectors.Handle{ID: "h-" + task.ID, TaskID: task.ID}, nil
}

func (e *fakeExec) Cancel(h connectors.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, h.TaskID)
	return nil
}

func (e *fakeExec) calls() (dispatched, cancelled []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.dispatched...), append([]string(nil), e.cancelled...)
}

type resumingExec struct {
	fakeExec
	resumed []string
}

func (e *resumingExec) Resume(ctx context.Context, task *models.Task, r connectors.Reporter) (connectors.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumed = append(e.resumed, task.ID)
	return connectors.Handle{ID: "r-" + task.ID, TaskID: task.ID}, nil
}

type fixture struct {
	store  *store.Store
	usage  *usage.Manager
	runner *Runner
	now    time.Time
}

func newFixture(t *testing.T, exec connectors.Executor, schedCfg *scheduler.Config, cfg *Config) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	u, err := usage.New(&usage.Config{TokenBudget: 1000, Reset: usage.ResetDaily, ResetAt: "00:00"}, nil, nil)
	require.NoError(t, err)
	u.SetLocation(time.UTC)

	mon, err := capacity.NewMonitor(capacity.DefaultConfig(), u)
	require.NoError(t, err)
	mon.SetLocation(time.UTC)

	if schedCfg == nil {
		schedCfg = &scheduler.Config{MaxConcurrentTasks: 2}
	}
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.ShutdownTimeout = time.Second
	}
	pdr := audit.NewPDRWriter(s)
	sched := scheduler.New(s, capacity.NewTracker(mon), pdr, nil, schedCfg, nil)

	f := &fixture{store: s, usage: u, now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	f.runner = New(s, u, sched, exec, pdr, nil, cfg, nil)
	f.runner.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) enqueue(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.Enqueue(context.Background(), &models.Task{ID: id, Title: "task " + id}))
}

func (f *fixture) task(t *testing.T, id string) *models.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestTickOnceDispatchesAndCompletes(t *testing.T) {
	exec := &fakeExec{}
	f := newFixture(t, exec, nil, nil)
	f.enqueue(t, "A")
	f.enqueue(t, "B")

	f.runner.TickOnce(context.Background())
	dispatched, _ := exec.calls()
	assert.Equal(t, []string{"A", "B"}, dispatched)
	assert.Equal(t, []string{"A", "B"}, f.runner.Status().InFlight)
	assert.Equal(t, models.TaskStatusRunning, f.task(t, "A").Status)

	f.runner.OnTaskComplete("A", connectors.Result{Status: models.TaskStatusCompleted}, nil)
	f.runner.OnTaskComplete("B", connectors.Result{Status: models.TaskStatusFailed, FailureReason: "tests failed"}, nil)

	// Completions are applied at the start of the next tick.
	assert.Equal(t, models.TaskStatusRunning, f.task(t, "A").Status)
	f.runner.TickOnce(context.Background())

	assert.Equal(t, models.TaskStatusCompleted, f.task(t, "A").Status)
	b := f.task(t, "B")
	assert.Equal(t, models.TaskStatusFailed, b.Status)
	assert.Equal(t, "tests failed", b.FailureReason)
	assert.Empty(t, f.runner.Status().InFlight)
	assert.Equal(t, int64(2), f.runner.Status().Ticks)
}

func TestUsageEventsAppliedBeforeScheduling(t *testing.T) {
	f := newFixture(t, &fakeExec{}, &scheduler.Config{MaxConcurrentTasks: 1}, nil)
	f.enqueue(t, "A")
	f.runner.TickOnce(context.Background())

	f.runner.OnTaskUsage("A", 800, 0.4)
	f.enqueue(t, "B")
	assert.Equal(t, int64(0), f.usage.Snapshot(f.now).TokensUsed)

	f.runner.TickOnce(context.Background())
	assert.Equal(t, int64(800), f.usage.Snapshot(f.now).TokensUsed)
	a := f.task(t, "A")
	assert.Equal(t, int64(800), a.TokensUsed)
	assert.Equal(t, 0.4, a.CostUsed)

	// 80% is above the 70% day threshold.
	b := f.task(t, "B")
	assert.Equal(t, models.TaskStatusPaused, b.Status)
	assert.Equal(t, models.PauseReasonCapacity, b.PauseReason)
}

func TestOutputAppendedToRuns(t *testing.T) {
	f := newFixture(t, &fakeExec{}, nil, nil)
	f.enqueue(t, "A")
	f.runner.OnTaskOutput("A", "stdout", "hello")

	runs, err := f.store.RunsForTask(context.Background(), "A")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "hello", runs[0].Content)
}

func TestCancelRunningIgnoresCompletion(t *testing.T) {
	exec := &fakeExec{}
	f := newFixture(t, exec, nil, nil)
	f.enqueue(t, "A")
	f.runner.TickOnce(context.Background())

	task, err := f.runner.Cancel(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
	_, cancelled := exec.calls()
	assert.Equal(t, []string{"A"}, cancelled)

	f.runner.OnTaskComplete("A", connectors.Result{Status: models.TaskStatusCompleted}, nil)
	f.runner.TickOnce(context.Background())
	assert.Equal(t, models.TaskStatusCancelled, f.task(t, "A").Status)
	assert.Empty(t, f.runner.Status().InFlight)
}

func TestCancelQueuedAndTerminal(t *testing.T) {
	exec := &fakeExec{}
	f := newFixture(t, exec, nil, nil)
	f.enqueue(t, "A")

	_, err := f.runner.Cancel(context.Background(), "A")
	require.NoError(t, err)
	_, cancelled := exec.calls()
	assert.Empty(t, cancelled, "queued task has no execution to signal")

	_, err = f.runner.Cancel(context.Background(), "A")
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	_, err = f.runner.Cancel(context.Background(), "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestPauseRunningTask(t *testing.T) {
	exec := &fakeExec{}
	f := newFixture(t, exec, nil, nil)
	f.enqueue(t, "A")
	f.runner.TickOnce(context.Background())

	task, err := f.runner.Pause(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, models.PauseReasonManual, task.PauseReason)

	f.runner.OnTaskComplete("A", connectors.Result{Status: models.TaskStatusCancelled}, nil)
	f.runner.TickOnce(context.Background())
	assert.Equal(t, models.TaskStatusPaused, f.task(t, "A").Status, "manual pause is not auto-resumed")
}

// interceptingScheduler runs the real tick, then calls after before the
// runner dispatches the result.
type interceptingScheduler struct {
	inner Scheduler
	after func()
}

func (s *interceptingScheduler) Tick(ctx context.Context, now time.Time, inFlight []string) (*scheduler.TickResult, error) {
	res, err := s.inner.Tick(ctx, now, inFlight)
	s.after()
	return res, err
}

func TestCancelBetweenTickAndDispatch(t *testing.T) {
	exec := &fakeExec{}
	f := newFixture(t, exec, nil, nil)
	f.enqueue(t, "A")
	f.runner.sched = &interceptingScheduler{inner: f.runner.sched, after: func() {
		_, err := f.runner.Cancel(context.Background(), "A")
		require.NoError(t, err)
	}}

	f.runner.TickOnce(context.Background())

	dispatched, _ := exec.calls()
	assert.Empty(t, dispatched)
	assert.Empty(t, f.runner.Status().InFlight)
	assert.Equal(t, models.TaskStatusCancelled, f.task(t, "A").Status)
}

func TestPauseBetweenTickAndDispatch(t *testing.T) {
	exec := &fakeExec{}
	f := newFixture(t, exec, nil, nil)
	f.enqueue(t, "A")
	f.runner.sched = &interceptingScheduler{inner: f.runner.sched, after: func() {
		_, err := f.runner.Pause(context.Background(), "A")
		require.NoError(t, err)
	}}

	f.runner.TickOnce(context.Background())

	dispatched, _ := exec.calls()
	assert.Empty(t, dispatched)
	a := f.task(t, "A")
	assert.Equal(t, models.TaskStatusPaused, a.Status)
	assert.Equal(t, models.PauseReasonManual, a.PauseReason)

	// Nothing is remembered once the tick is over.
	f.runner.sched = f.runner.sched.(*interceptingScheduler).inner
	_, err := f.runner.Cancel(context.Background(), "A")
	require.NoError(t, err)
	assert.Empty(t, f.runner.pending)
}

// cancelOnDispatchExec cancels the task through the runner while the
// execution is starting.
type cancelOnDispatchExec struct {
	fakeExec
	runner *Runner
}

func (e *cancelOnDispatchExec) Dispatch(ctx context.Context, task *models.Task, r connectors.Reporter) (connectors.Handle, error) {
	h, err := e.fakeExec.Dispatch(ctx, task, r)
	if _, cerr := e.runner.Cancel(ctx, task.ID); cerr != nil {
		return h, cerr
	}
	return h, err
}

func TestCancelWhileExecutionStarts(t *testing.T) {
	exec := &cancelOnDispatchExec{}
	f := newFixture(t, exec, nil, nil)
	exec.runner = f.runner
	f.enqueue(t, "A")

	f.runner.TickOnce(context.Background())

	dispatched, cancelled := exec.calls()
	assert.Equal(t, []string{"A"}, dispatched)
	assert.Equal(t, []string{"A"}, cancelled, "started execution is stopped")
	assert.Equal(t, models.TaskStatusCancelled, f.task(t, "A").Status)

	f.runner.OnTaskComplete("A", connectors.Result{Status: models.TaskStatusCompleted}, nil)
	f.runner.TickOnce(context.Background())
	assert.Equal(t, models.TaskStatusCancelled, f.task(t, "A").Status)
	assert.Empty(t, f.runner.Status().InFlight)
}

func TestExecutorPauseResult(t *testing.T) {
	f := newFixture(t, &fakeExec{}, nil, nil)
	f.enqueue(t, "A")
	f.runner.TickOnce(context.Background())

	after := f.now.Add(time.Hour)
	f.runner.OnTaskComplete("A", connectors.Result{Status: models.TaskStatusPaused, ResumeAfter: &after}, nil)
	f.runner.TickOnce(context.Background())

	a := f.task(t, "A")
	assert.Equal(t, models.TaskStatusPaused, a.Status)
	assert.Equal(t, models.PauseReasonUsageLimit, a.PauseReason)
	require.NotNil(t, a.ResumeAfter)
	assert.True(t, a.ResumeAfter.Equal(after))
}

func TestDispatchErrorFailsTask(t *testing.T) {
	f := newFixture(t, &fakeExec{failDispatch: true}, nil, nil)
	f.enqueue(t, "A")
	f.runner.TickOnce(context.Background())

	a := f.task(t, "A")
	assert.Equal(t, models.TaskStatusFailed, a.Status)
	assert.Contains(t, a.FailureReason, "agent binary missing")
}

func TestExecutionErrorFailsTask(t *testing.T) {
	f := newFixture(t, &fakeExec{}, nil, nil)
	f.enqueue(t, "A")
	f.runner.TickOnce(context.Background())

	f.runner.OnTaskComplete("A", connectors.Result{}, errors.New("pipe closed"))
	f.runner.TickOnce(context.Background())
	assert.Contains(t, f.task(t, "A").FailureReason, "pipe closed")
}

func markRunning(t *testing.T, f *fixture, id string) {
	t.Helper()
	f.enqueue(t, id)
	_, err := f.store.Transition(context.Background(), id, models.TaskStatusRunning, store.TransitionFields{})
	require.NoError(t, err)
}

func TestResolveOrphansFail(t *testing.T) {
	f := newFixture(t, &fakeExec{}, nil, nil)
	markRunning(t, f, "A")

	require.NoError(t, f.runner.ResolveOrphans(context.Background()))
	a := f.task(t, "A")
	assert.Equal(t, models.TaskStatusFailed, a.Status)
	assert.Contains(t, a.FailureReason, "orphaned")
}

func TestResolveOrphansReadmit(t *testing.T) {
	exec := &resumingExec{}
	cfg := DefaultConfig()
	cfg.OrphanPolicy = OrphanReadmit
	f := newFixture(t, exec, nil, cfg)
	markRunning(t, f, "A")

	require.NoError(t, f.runner.ResolveOrphans(context.Background()))
	assert.Equal(t, models.TaskStatusRunning, f.task(t, "A").Status)
	assert.Equal(t, []string{"A"}, exec.resumed)
	assert.Equal(t, []string{"A"}, f.runner.Status().InFlight)
}

func TestResolveOrphansReadmitWithoutResumer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OrphanPolicy = OrphanReadmit
	f := newFixture(t, &fakeExec{}, nil, cfg)
	markRunning(t, f, "A")

	require.NoError(t, f.runner.ResolveOrphans(context.Background()))
	assert.Equal(t, models.TaskStatusFailed, f.task(t, "A").Status)
}

func TestPreemptInFlight(t *testing.T) {
	exec := &fakeExec{}
	f := newFixture(t, exec, &scheduler.Config{MaxConcurrentTasks: 1, PreemptInFlight: true}, nil)
	f.enqueue(t, "A")
	f.runner.TickOnce(context.Background())

	require.NoError(t, f.runner.ReportUsage(context.Background(), "A", 800, 0))
	f.runner.TickOnce(context.Background())

	a := f.task(t, "A")
	assert.Equal(t, models.TaskStatusPaused, a.Status)
	assert.Equal(t, models.PauseReasonCapacity, a.PauseReason)
	_, cancelled := exec.calls()
	assert.Equal(t, []string{"A"}, cancelled)
}

func TestReportUsageRejectsNegative(t *testing.T) {
	f := newFixture(t, &fakeExec{}, nil, nil)
	err := f.runner.ReportUsage(context.Background(), "A", -5, 0)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

// blockingScheduler holds a tick open until released.
type blockingScheduler struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingScheduler) Tick(ctx context.Context, now time.Time, inFlight []string) (*scheduler.TickResult, error) {
	b.entered <- struct{}{}
	<-b.release
	return &scheduler.TickResult{}, nil
}

func TestTickOnceIsNotReentrant(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	defer s.Close()

	sched := &blockingScheduler{entered: make(chan struct{}, 1), release: make(chan struct{})}
	u, err := usage.New(nil, nil, nil)
	require.NoError(t, err)
	r := New(s, u, sched, &fakeExec{}, nil, nil, nil, nil)

	done := make(chan struct{})
	go func() {
		r.TickOnce(context.Background())
		close(done)
	}()
	<-sched.entered

	r.TickOnce(context.Background())
	assert.Equal(t, int64(1), r.Status().TicksSkipped)
	assert.Equal(t, int64(0), r.Status().Ticks)

	close(sched.release)
	<-done
	assert.Equal(t, int64(1), r.Status().Ticks)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	f := newFixture(t, &fakeExec{}, nil, nil)
	f.enqueue(t, "A")
	f.runner.TickOnce(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.runner.OnTaskComplete("A", connectors.Result{Status: models.TaskStatusCompleted}, nil)
	}()
	f.runner.Shutdown()

	assert.Equal(t, models.TaskStatusCompleted, f.task(t, "A").Status)
	assert.True(t, f.runner.Status().Stopping)

	// No admissions after shutdown.
	f.enqueue(t, "B")
	f.runner.TickOnce(context.Background())
	assert.Equal(t, models.TaskStatusQueued, f.task(t, "B").Status)
}

func TestShutdownTimeoutLeavesTasksRunning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	f := newFixture(t, &fakeExec{}, nil, cfg)
	f.enqueue(t, "A")
	f.runner.TickOnce(context.Background())

	start := time.Now()
	f.runner.Shutdown()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, models.TaskStatusRunning, f.task(t, "A").Status)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = 100 * time.Millisecond
	f := newFixture(t, &fakeExec{}, nil, cfg)
	markRunning(t, f, "orphan")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.runner.Status().Ticks >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, models.TaskStatusFailed, f.task(t, "orphan").Status)
	assert.False(t, f.runner.Status().StartedAt.IsZero())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }, true},
		{"bad policy", func(c *Config) { c.OrphanPolicy = "ignore" }, true},
		{"zero buffer", func(c *Config) { c.EventBuffer = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.Equal(t, tt.wantErr, err != nil, fmt.Sprintf("err = %v", err))
		})
	}
}
