package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/sleepless/internal/audit"
	"github.com/fentz26/sleepless/internal/capacity"
	"github.com/fentz26/sleepless/internal/metrics"
	"github.com/fentz26/sleepless/internal/models"
	"github.com/fentz26/sleepless/internal/store"
)

// TaskStore is the subset of *store.Store the scheduler reads and writes.
type TaskStore interface {
	GetPausedTasksForResume(ctx context.Context, now time.Time) ([]*models.Task, error)
	GetAdmissibleQueue(ctx context.Context, now time.Time) ([]*models.Task, error)
	ListTasks(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error)
	DependenciesCompleted(ctx context.Context, task *models.Task) (bool, error)
	Transition(ctx context.Context, id string, to models.TaskStatus, fields store.TransitionFields) (*models.Task, error)
}

// CapacityObserver reports the capacity state and the edge since the last
// observation. *capacity.Tracker implements it.
type CapacityObserver interface {
	Observe(now time.Time) (models.CapacityState, capacity.Edge)
}

// TickResult describes the decisions of one tick.
type TickResult struct {
	// Capacity is the last observed capacity state.
	Capacity models.CapacityState
	// Dispatch lists tasks moved to running this tick, in dispatch order.
	Dispatch []*models.Task
	Resumed  []string
	Admitted []string
	// Paused lists tasks moved to paused/capacity this tick.
	Paused []string
	// Deferred lists queued tasks left queued because the concurrency limit was reached.
	Deferred []string
	// Blocked lists tasks skipped because a dependency is not completed.
	Blocked []string
	// Preempt lists in-flight tasks the runner should cancel and pause.
	Preempt []string
	// Edges lists the capacity crossings observed during the tick.
	Edges []capacity.Edge
}

// Scheduler makes admission decisions. It holds no task state between ticks.
type Scheduler struct {
	store    TaskStore
	capacity CapacityObserver
	pdr      *audit.PDRWriter
	metrics  *metrics.Collector
	config   *Config
	logger   *slog.Logger
}

// New creates a new scheduler. pdr and m may be nil.
func New(s TaskStore, c CapacityObserver, pdr *audit.PDRWriter, m *metrics.Collector, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		capacity: c,
		pdr:      pdr,
		metrics:  m,
		config:   cfg,
		logger:   logger.With("component", "scheduler"),
	}
}

// Config returns the scheduler configuration.
func (sch *Scheduler) Config() *Config {
	return sch.config
}

// tick carries the per-tick working state.
type tick struct {
	now      time.Time
	state    models.CapacityState
	slots    int
	rising   bool
	inFlight []string
	result   *TickResult
	// ready caches dependency checks made during the tick.
	ready map[string]bool
}

// Tick runs one resume pass followed by one admission pass. inFlight holds
// the ids of tasks already dispatched. A store error aborts the current pass
// and is returned together with the decisions made so far.
func (sch *Scheduler) Tick(ctx context.Context, now time.Time, inFlight []string) (*TickResult, error) {
	t := &tick{
		now:      now,
		slots:    sch.config.MaxConcurrentTasks - len(inFlight),
		inFlight: inFlight,
		result:   &TickResult{},
		ready:    make(map[string]bool),
	}
	sch.observe(t)

	if err := sch.resumePass(ctx, t); err != nil {
		return t.result, fmt.Errorf("resume pass: %w", err)
	}
	if err := sch.admissionPass(ctx, t); err != nil {
		return t.result, fmt.Errorf("admission pass: %w", err)
	}
	return t.result, nil
}

// observe refreshes the capacity state and handles a rising edge.
func (sch *Scheduler) observe(t *tick) {
	state, edge := sch.capacity.Observe(t.now)
	t.state = state
	t.result.Capacity = state
	sch.metrics.SetCapacity(state.CurrentUsagePct, state.ThresholdPct)
	if edge == capacity.EdgeNone {
		return
	}

	t.result.Edges = append(t.result.Edges, edge)
	sch.metrics.RecordCapacityEdge(edge.String())
	sch.logger.Info("capacity threshold crossed",
		"edge", edge.String(), "mode", state.Mode,
		"usage_pct", state.CurrentUsagePct, "threshold_pct", state.ThresholdPct)

	if edge == capacity.EdgeRising {
		t.rising = true
		if sch.config.PreemptInFlight && len(t.result.Preempt) == 0 {
			t.result.Preempt = append(t.result.Preempt, t.inFlight...)
		}
	}
}

// hasHeadroom reports whether one more task fits under the threshold.
func (sch *Scheduler) hasHeadroom(t *tick) bool {
	if t.rising {
		return false
	}
	return t.state.CurrentUsagePct+sch.config.EstimatedTaskPct < t.state.ThresholdPct
}

// resumePass resumes paused tasks ahead of queued tasks of equal or lower
// priority. Slots needed by ready queued tasks of strictly higher priority
// are held back for the admission pass.
func (sch *Scheduler) resumePass(ctx context.Context, t *tick) error {
	paused, err := sch.store.GetPausedTasksForResume(ctx, t.now)
	if err != nil || len(paused) == 0 {
		return err
	}
	waiting, err := sch.readyQueuedRanks(ctx, t)
	if err != nil {
		return err
	}
	for _, task := range paused {
		ok, err := sch.dependenciesReady(ctx, t, task)
		if err != nil {
			return err
		}
		if !ok {
			t.result.Blocked = append(t.result.Blocked, task.ID)
			continue
		}
		if t.slots-outranking(waiting, task.Priority) <= 0 || !sch.hasHeadroom(t) {
			// Stays paused and is retried first next tick.
			continue
		}

		updated, err := sch.store.Transition(ctx, task.ID, models.TaskStatusRunning, store.TransitionFields{})
		if err != nil {
			if skippable(err) {
				sch.logger.Warn("skipping resume", "task_id", task.ID, "error", err)
				continue
			}
			return err
		}
		t.slots--
		t.result.Dispatch = append(t.result.Dispatch, updated)
		t.result.Resumed = append(t.result.Resumed, task.ID)
		sch.metrics.RecordResumed()
		sch.record(ctx, t, audit.ActionResume, task, fmt.Sprintf("resumed from %s", task.PauseReason))
		sch.logger.Info("resumed task", "task_id", task.ID, "priority", task.Priority, "pause_reason", task.PauseReason)

		sch.observe(t)
	}
	return nil
}

// readyQueuedRanks returns the priority ranks of queued tasks whose
// dependencies are completed.
func (sch *Scheduler) readyQueuedRanks(ctx context.Context, t *tick) ([]int, error) {
	queued, err := sch.store.ListTasks(ctx, models.TaskStatusQueued)
	if err != nil {
		return nil, err
	}
	var ranks []int
	for _, task := range queued {
		ok, err := sch.dependenciesReady(ctx, t, task)
		if err != nil {
			return nil, err
		}
		if ok {
			ranks = append(ranks, task.Priority.Rank())
		}
	}
	return ranks, nil
}

func outranking(ranks []int, p models.Priority) int {
	n := 0
	for _, r := range ranks {
		if r > p.Rank() {
			n++
		}
	}
	return n
}

func (sch *Scheduler) dependenciesReady(ctx context.Context, t *tick, task *models.Task) (bool, error) {
	if ok, cached := t.ready[task.ID]; cached {
		return ok, nil
	}
	ok, err := sch.store.DependenciesCompleted(ctx, task)
	if err != nil {
		return false, err
	}
	t.ready[task.ID] = ok
	return ok, nil
}

func (sch *Scheduler) admissionPass(ctx context.Context, t *tick) error {
	queue, err := sch.store.GetAdmissibleQueue(ctx, t.now)
	if err != nil {
		return err
	}
	for _, task := range queue {
		// Paused entries were handled by the resume pass.
		if task.Status != models.TaskStatusQueued {
			continue
		}
		ok, err := sch.dependenciesReady(ctx, t, task)
		if err != nil {
			return err
		}
		if !ok {
			t.result.Blocked = append(t.result.Blocked, task.ID)
			continue
		}

		switch {
		case !sch.hasHeadroom(t):
			if err := sch.pauseForCapacity(ctx, t, task); err != nil {
				return err
			}
		case t.slots <= 0:
			t.result.Deferred = append(t.result.Deferred, task.ID)
		default:
			updated, err := sch.store.Transition(ctx, task.ID, models.TaskStatusRunning, store.TransitionFields{})
			if err != nil {
				if skippable(err) {
					sch.logger.Warn("skipping admission", "task_id", task.ID, "error", err)
					continue
				}
				return err
			}
			t.slots--
			t.result.Dispatch = append(t.result.Dispatch, updated)
			t.result.Admitted = append(t.result.Admitted, task.ID)
			sch.metrics.RecordAdmitted()
			sch.record(ctx, t, audit.ActionAdmit, task, "admitted")
			sch.logger.Info("admitted task", "task_id", task.ID, "priority", task.Priority)

			sch.observe(t)
		}
	}
	return nil
}

func (sch *Scheduler) pauseForCapacity(ctx context.Context, t *tick, task *models.Task) error {
	fields := store.TransitionFields{PauseReason: models.PauseReasonCapacity}
	if sch.config.ResumeBackoff > 0 {
		after := t.now.Add(sch.config.ResumeBackoff)
		fields.ResumeAfter = &after
	}
	if _, err := sch.store.Transition(ctx, task.ID, models.TaskStatusPaused, fields); err != nil {
		if skippable(err) {
			sch.logger.Warn("skipping capacity pause", "task_id", task.ID, "error", err)
			return nil
		}
		return err
	}
	t.result.Paused = append(t.result.Paused, task.ID)
	sch.metrics.RecordPaused(string(models.PauseReasonCapacity))
	sch.record(ctx, t, audit.ActionPause, task, "paused for capacity")
	sch.logger.Info("paused task for capacity", "task_id", task.ID,
		"usage_pct", t.state.CurrentUsagePct, "threshold_pct", t.state.ThresholdPct)
	return nil
}

func (sch *Scheduler) record(ctx context.Context, t *tick, action string, task *models.Task, details string) {
	inputs := map[string]any{
		"task_id":       task.ID,
		"priority":      task.Priority,
		"mode":          t.state.Mode,
		"usage_pct":     t.state.CurrentUsagePct,
		"threshold_pct": t.state.ThresholdPct,
	}
	if _, err := sch.pdr.Record(ctx, action, inputs, "success", task.ID, details); err != nil {
		sch.logger.Warn("failed to write PDR", "action", action, "task_id", task.ID, "error", err)
	}
}

// skippable reports errors caused by a concurrent change to one task, such as
// a cancel racing the tick. They affect only that task, not the pass.
func skippable(err error) bool {
	return errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound)
}
