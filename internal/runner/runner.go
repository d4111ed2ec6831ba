package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/sleepless/internal/audit"
	"github.com/fentz26/sleepless/internal/connectors"
	"github.com/fentz26/sleepless/internal/metrics"
	"github.com/fentz26/sleepless/internal/models"
	"github.com/fentz26/sleepless/internal/scheduler"
	"github.com/fentz26/sleepless/internal/store"
)

// TaskStore is the subset of *store.Store the runner uses.
type TaskStore interface {
	ListTasks(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error)
	Transition(ctx context.Context, id string, to models.TaskStatus, fields store.TransitionFields) (*models.Task, error)
	AddTaskUsage(ctx context.Context, id string, tokens int64, cost float64) error
	AppendRun(ctx context.Context, taskID, stream, content string) (*models.Run, error)
}

// UsageRecorder is implemented by *usage.Manager.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, taskID string, tokens int64, cost float64, now time.Time) error
}

// Scheduler is implemented by *scheduler.Scheduler.
type Scheduler interface {
	Tick(ctx context.Context, now time.Time, inFlight []string) (*scheduler.TickResult, error)
}

// ErrStopped is returned when an event is submitted after shutdown.
var ErrStopped = errors.New("runner stopped")

type eventKind int

const (
	eventUsage eventKind = iota
	eventComplete
)

type event struct {
	kind   eventKind
	taskID string
	tokens int64
	cost   float64
	result connectors.Result
	err    error
}

// flight is one dispatched execution.
type flight struct {
	handle    connectors.Handle
	startedAt time.Time
	// detached is set when the store was already moved off running by a
	// cancel or pause; the executor's completion is then ignored.
	detached bool
}

// statusChange is a cancel or pause that reached a task between the
// scheduler moving it to running and the runner tracking its execution.
type statusChange struct {
	to     models.TaskStatus
	fields store.TransitionFields
}

// Status is a snapshot of the runner for health reporting.
type Status struct {
	StartedAt    time.Time `json:"started_at"`
	LastTick     time.Time `json:"last_tick"`
	Ticks        int64     `json:"ticks"`
	TicksSkipped int64     `json:"ticks_skipped"`
	InFlight     []string  `json:"in_flight"`
	Stopping     bool      `json:"stopping"`
}

// Runner dispatches work and tracks in-flight tasks.
type Runner struct {
	store    TaskStore
	usage    UsageRecorder
	sched    Scheduler
	executor connectors.Executor
	pdr      *audit.PDRWriter
	metrics  *metrics.Collector
	config   *Config
	logger   *slog.Logger
	now      func() time.Time

	events   chan event
	done     chan struct{}
	doneOnce sync.Once
	ticking  atomic.Bool
	stopping atomic.Bool

	mu          sync.Mutex
	inFlight    map[string]*flight
	dispatching bool
	pending     map[string]statusChange
	startedAt time.Time
	lastTick  time.Time
	ticks     int64
	skipped   int64
}

// New creates a runner. pdr and m may be nil.
func New(s TaskStore, u UsageRecorder, sched Scheduler, exec connectors.Executor, pdr *audit.PDRWriter, m *metrics.Collector, cfg *Config, logger *slog.Logger) *Runner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    s,
		usage:    u,
		sched:    sched,
		executor: exec,
		pdr:      pdr,
		metrics:  m,
		config:   cfg,
		logger:   logger.With("component", "runner"),
		now:      time.Now,
		events:   make(chan event, cfg.EventBuffer),
		done:     make(chan struct{}),
		inFlight: make(map[string]*flight),
		pending:  make(map[string]statusChange),
	}
}

// SetClock replaces the runner's time source.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Run resolves orphans, then ticks until ctx is cancelled, then shuts down
// gracefully. It returns nil on a clean shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.startedAt = r.now()
	r.mu.Unlock()

	if err := r.ResolveOrphans(ctx); err != nil {
		r.logger.Error("orphan resolution failed", "error", err)
	}

	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()
	r.logger.Info("runner started", "tick_interval", r.config.TickInterval, "executor", r.executor.Name())

	for {
		select {
		case <-ctx.Done():
			r.Shutdown()
			return nil
		case <-ticker.C:
			r.TickOnce(ctx)
			// A fire that arrived while the tick ran is dropped, not queued.
			select {
			case <-ticker.C:
				r.recordSkip()
			default:
			}
		}
	}
}

// TickOnce drains executor events, runs one scheduler tick and dispatches its
// admissions. A call made while another tick is running is skipped.
func (r *Runner) TickOnce(ctx context.Context) {
	if !r.ticking.CompareAndSwap(false, true) {
		r.recordSkip()
		return
	}
	defer r.ticking.Store(false)

	start := time.Now()
	r.drainEvents(ctx)
	if r.stopping.Load() {
		return
	}

	now := r.now()
	r.mu.Lock()
	r.dispatching = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.dispatching = false
		clear(r.pending)
		r.mu.Unlock()
	}()

	res, err := r.sched.Tick(ctx, now, r.inFlightIDs())
	if err != nil {
		r.logger.Error("scheduler tick failed", "error", err)
	}
	if res != nil {
		for _, id := range res.Preempt {
			r.preempt(ctx, id)
		}
		for _, task := range res.Dispatch {
			r.dispatch(ctx, task)
		}
	}

	r.mu.Lock()
	r.lastTick = now
	r.ticks++
	inFlight := len(r.inFlight)
	r.mu.Unlock()

	r.metrics.SetInFlight(inFlight)
	r.metrics.RecordTick(time.Since(start).Seconds())
}

func (r *Runner) recordSkip() {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()
	r.metrics.RecordTickSkipped()
}

func (r *Runner) dispatch(ctx context.Context, task *models.Task) {
	if change, ok := r.takePending(task.ID); ok {
		r.logger.Info("task changed before dispatch; not starting it", "task_id", task.ID, "status", change.to)
		r.reapply(ctx, task.ID, change)
		return
	}
	h, err := r.executor.Dispatch(ctx, task, r)
	if err != nil {
		r.logger.Error("dispatch failed", "task_id", task.ID, "error", err)
		r.finish(ctx, task.ID, models.TaskStatusFailed, store.TransitionFields{
			FailureReason: fmt.Sprintf("dispatch failed: %v", err),
		})
		return
	}
	if change, ok := r.track(task.ID, h); !ok {
		r.logger.Info("task changed while starting; stopping it", "task_id", task.ID, "status", change.to)
		if err := r.executor.Cancel(h); err != nil {
			r.logger.Warn("executor cancel failed", "task_id", task.ID, "error", err)
		}
		r.reapply(ctx, task.ID, change)
		return
	}
	r.logger.Info("dispatched task", "task_id", task.ID, "handle", h.ID)
}

// track records an execution. If a cancel or pause arrived for the task
// during the tick, the flight is recorded detached and the change is
// returned with ok false.
func (r *Runner) track(taskID string, h connectors.Handle) (statusChange, bool) {
	r.mu.Lock()
	f := &flight{handle: h, startedAt: r.now()}
	change, changed := r.pending[taskID]
	if changed {
		f.detached = true
		delete(r.pending, taskID)
	}
	r.inFlight[taskID] = f
	n := len(r.inFlight)
	r.mu.Unlock()
	r.metrics.SetInFlight(n)
	return change, !changed
}

func (r *Runner) takePending(id string) (statusChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	change, ok := r.pending[id]
	delete(r.pending, id)
	return change, ok
}

// reapply writes a cancel or pause again in case the scheduler's move to
// running landed after it.
func (r *Runner) reapply(ctx context.Context, id string, change statusChange) {
	if _, err := r.store.Transition(ctx, id, change.to, change.fields); err != nil {
		r.logger.Debug("status change already applied", "task_id", id, "status", change.to, "error", err)
	}
}

// preempt pauses an in-flight task for capacity and stops its execution.
func (r *Runner) preempt(ctx context.Context, id string) {
	if _, err := r.store.Transition(ctx, id, models.TaskStatusPaused, store.TransitionFields{
		PauseReason: models.PauseReasonCapacity,
	}); err != nil {
		r.logger.Warn("preempt failed", "task_id", id, "error", err)
		return
	}
	r.metrics.RecordPaused(string(models.PauseReasonCapacity))
	r.record(ctx, audit.ActionPause, id, "preempted for capacity")
	r.detach(id, statusChange{to: models.TaskStatusPaused, fields: store.TransitionFields{PauseReason: models.PauseReasonCapacity}})
}

// detach marks a flight as no longer owning the task status and signals the
// executor. A task the current tick has not dispatched yet is remembered so
// dispatch can honour the change.
func (r *Runner) detach(id string, change statusChange) {
	r.mu.Lock()
	f, ok := r.inFlight[id]
	if ok {
		f.detached = true
	} else if r.dispatching {
		r.pending[id] = change
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := r.executor.Cancel(f.handle); err != nil {
		r.logger.Warn("executor cancel failed", "task_id", id, "error", err)
	}
}

// Cancel moves a task to cancelled and signals the executor if it is running.
// The executor's completion for the task is ignored.
func (r *Runner) Cancel(ctx context.Context, id string) (*models.Task, error) {
	task, err := r.store.Transition(ctx, id, models.TaskStatusCancelled, store.TransitionFields{})
	if err != nil {
		return nil, err
	}
	r.metrics.RecordFinished(string(models.TaskStatusCancelled))
	r.record(ctx, audit.ActionCancel, id, "cancelled")
	r.logger.Info("cancelled task", "task_id", id)
	r.detach(id, statusChange{to: models.TaskStatusCancelled})
	return task, nil
}

// Pause manually pauses a task. A running task's execution is stopped.
func (r *Runner) Pause(ctx context.Context, id string) (*models.Task, error) {
	fields := store.TransitionFields{PauseReason: models.PauseReasonManual}
	task, err := r.store.Transition(ctx, id, models.TaskStatusPaused, fields)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordPaused(string(models.PauseReasonManual))
	r.record(ctx, audit.ActionPause, id, "paused manually")
	r.detach(id, statusChange{to: models.TaskStatusPaused, fields: fields})
	return task, nil
}

// OnTaskUsage implements connectors.Reporter.
func (r *Runner) OnTaskUsage(taskID string, tokens int64, cost float64) {
	if err := r.send(context.Background(), event{kind: eventUsage, taskID: taskID, tokens: tokens, cost: cost}); err != nil {
		r.logger.Warn("usage report dropped", "task_id", taskID, "error", err)
	}
}

// OnTaskComplete implements connectors.Reporter.
func (r *Runner) OnTaskComplete(taskID string, result connectors.Result, err error) {
	if serr := r.send(context.Background(), event{kind: eventComplete, taskID: taskID, result: result, err: err}); serr != nil {
		r.logger.Warn("completion dropped; task will be resolved as an orphan", "task_id", taskID, "error", serr)
	}
}

// OnTaskOutput implements connectors.Reporter. Logs belong to the executor
// and are appended directly.
func (r *Runner) OnTaskOutput(taskID, stream, line string) {
	if _, err := r.store.AppendRun(context.Background(), taskID, stream, line); err != nil {
		r.logger.Warn("failed to append run output", "task_id", taskID, "error", err)
	}
}

// ReportUsage submits usage from a remote executor. It blocks while the
// event buffer is full.
func (r *Runner) ReportUsage(ctx context.Context, taskID string, tokens int64, cost float64) error {
	if tokens < 0 || cost < 0 {
		return models.NewValidationError("usage", "tokens and cost must not be negative")
	}
	return r.send(ctx, event{kind: eventUsage, taskID: taskID, tokens: tokens, cost: cost})
}

func (r *Runner) send(ctx context.Context, ev event) error {
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainEvents applies every buffered executor event.
func (r *Runner) drainEvents(ctx context.Context) {
	for {
		select {
		case ev := <-r.events:
			r.apply(ctx, ev)
		default:
			return
		}
	}
}

func (r *Runner) apply(ctx context.Context, ev event) {
	switch ev.kind {
	case eventUsage:
		if err := r.usage.RecordUsage(ctx, ev.taskID, ev.tokens, ev.cost, r.now()); err != nil {
			r.logger.Warn("usage rejected", "task_id", ev.taskID, "error", err)
			return
		}
		if err := r.store.AddTaskUsage(ctx, ev.taskID, ev.tokens, ev.cost); err != nil {
			r.logger.Warn("failed to record task usage", "task_id", ev.taskID, "error", err)
		}
	case eventComplete:
		r.complete(ctx, ev)
	}
}

func (r *Runner) complete(ctx context.Context, ev event) {
	r.mu.Lock()
	f, ok := r.inFlight[ev.taskID]
	delete(r.inFlight, ev.taskID)
	n := len(r.inFlight)
	r.mu.Unlock()
	r.metrics.SetInFlight(n)

	if !ok || f.detached {
		r.logger.Debug("ignoring completion for detached task", "task_id", ev.taskID)
		return
	}

	if ev.err != nil {
		r.finish(ctx, ev.taskID, models.TaskStatusFailed, store.TransitionFields{
			FailureReason: fmt.Sprintf("execution error: %v", ev.err),
		})
		return
	}

	switch ev.result.Status {
	case models.TaskStatusCompleted, models.TaskStatusCancelled:
		r.finish(ctx, ev.taskID, ev.result.Status, store.TransitionFields{})
	case models.TaskStatusPaused:
		reason := ev.result.PauseReason
		if reason == models.PauseReasonNone {
			reason = models.PauseReasonUsageLimit
		}
		r.finish(ctx, ev.taskID, models.TaskStatusPaused, store.TransitionFields{
			PauseReason: reason,
			ResumeAfter: ev.result.ResumeAfter,
		})
	default:
		reason := ev.result.FailureReason
		if reason == "" {
			reason = fmt.Sprintf("execution ended with status %q", ev.result.Status)
		}
		r.finish(ctx, ev.taskID, models.TaskStatusFailed, store.TransitionFields{FailureReason: reason})
	}
}

// finish moves a running task to its outcome status.
func (r *Runner) finish(ctx context.Context, id string, to models.TaskStatus, fields store.TransitionFields) {
	if _, err := r.store.Transition(ctx, id, to, fields); err != nil {
		r.logger.Warn("failed to record task outcome", "task_id", id, "status", to, "error", err)
		return
	}
	if to == models.TaskStatusPaused {
		r.metrics.RecordPaused(string(fields.PauseReason))
	} else {
		r.metrics.RecordFinished(string(to))
	}
	details := string(to)
	if fields.FailureReason != "" {
		details += ": " + fields.FailureReason
	}
	r.record(ctx, audit.ActionFinish, id, details)
	r.logger.Info("task finished", "task_id", id, "status", to, "reason", fields.FailureReason)
}

// ResolveOrphans handles tasks persisted as running that have no in-memory
// execution, according to the orphan policy.
func (r *Runner) ResolveOrphans(ctx context.Context) error {
	running, err := r.store.ListTasks(ctx, models.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}

	for _, task := range running {
		r.mu.Lock()
		_, tracked := r.inFlight[task.ID]
		r.mu.Unlock()
		if tracked {
			continue
		}

		if r.config.OrphanPolicy == OrphanReadmit {
			if resumer, ok := r.executor.(connectors.Resumer); ok {
				h, err := resumer.Resume(ctx, task, r)
				if err == nil {
					r.track(task.ID, h)
					r.record(ctx, audit.ActionOrphan, task.ID, "readmitted")
					r.logger.Info("readmitted orphan", "task_id", task.ID)
					continue
				}
				r.logger.Warn("orphan resume failed", "task_id", task.ID, "error", err)
			} else {
				r.logger.Warn("executor cannot resume sessions; failing orphan", "task_id", task.ID)
			}
		}

		r.finish(ctx, task.ID, models.TaskStatusFailed, store.TransitionFields{
			FailureReason: "orphaned: daemon restarted while task was running",
		})
		r.record(ctx, audit.ActionOrphan, task.ID, "failed")
	}
	return nil
}

// Shutdown stops admissions and waits up to ShutdownTimeout for in-flight
// tasks to report. Tasks still running afterwards stay running.
func (r *Runner) Shutdown() {
	if !r.stopping.CompareAndSwap(false, true) {
		return
	}
	r.logger.Info("runner shutting down", "in_flight", len(r.inFlightIDs()))

	ctx := context.Background()
	deadline := time.NewTimer(r.config.ShutdownTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

wait:
	for len(r.inFlightIDs()) > 0 {
		select {
		case ev := <-r.events:
			r.apply(ctx, ev)
		case <-poll.C:
		case <-deadline.C:
			break wait
		}
	}
	r.drainEvents(ctx)
	r.doneOnce.Do(func() { close(r.done) })

	if left := r.inFlightIDs(); len(left) > 0 {
		r.logger.Warn("shutdown timeout; tasks left running", "tasks", left)
	}
	r.logger.Info("runner stopped")
}

// Status returns a snapshot for health reporting.
func (r *Runner) Status() Status {
	ids := r.inFlightIDs()
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		StartedAt:    r.startedAt,
		LastTick:     r.lastTick,
		Ticks:        r.ticks,
		TicksSkipped: r.skipped,
		InFlight:     ids,
		Stopping:     r.stopping.Load(),
	}
}

func (r *Runner) inFlightIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.inFlight))
	for id := range r.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Runner) record(ctx context.Context, action, taskID, details string) {
	if _, err := r.pdr.Record(ctx, action, map[string]any{"task_id": taskID, "details": details}, "success", taskID, details); err != nil {
		r.logger.Warn("failed to write PDR", "action", action, "task_id", taskID, "error", err)
	}
}
