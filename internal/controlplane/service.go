// Package controlplane provides the HTTP API and service layer of the daemon.
package controlplane

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fentz26/sleepless/internal/audit"
	"github.com/fentz26/sleepless/internal/capacity"
	"github.com/fentz26/sleepless/internal/models"
	"github.com/fentz26/sleepless/internal/runner"
	"github.com/fentz26/sleepless/internal/store"
	"github.com/fentz26/sleepless/internal/usage"
)

// Runner is the subset of *runner.Runner the control plane drives.
type Runner interface {
	Cancel(ctx context.Context, id string) (*models.Task, error)
	Pause(ctx context.Context, id string) (*models.Task, error)
	ReportUsage(ctx context.Context, taskID string, tokens int64, cost float64) error
	Status() runner.Status
}

// Service provides the control plane business logic.
type Service struct {
	store    *store.Store
	runner   Runner
	usage    *usage.Manager
	capacity *capacity.Monitor
	pdr      *audit.PDRWriter
	now      func() time.Time
}

// NewService creates a new control plane service.
func NewService(s *store.Store, r Runner, u *usage.Manager, c *capacity.Monitor, pdr *audit.PDRWriter) *Service {
	return &Service{
		store:    s,
		runner:   r,
		usage:    u,
		capacity: c,
		pdr:      pdr,
		now:      time.Now,
	}
}

// SetClock replaces the service's time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	ID           string   `json:"id,omitempty"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Priority     string   `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// CreateTask enqueues a new task.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	prio, err := models.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	task := &models.Task{
		ID:           strings.TrimSpace(req.ID),
		Title:        req.Title,
		Description:  req.Description,
		Priority:     prio,
		Dependencies: req.Dependencies,
	}
	if err := s.store.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	s.pdr.Record(ctx, audit.ActionEnqueue, req, "success", task.ID, string(task.Priority))
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns tasks, optionally filtered by a comma-separated status list.
func (s *Service) ListTasks(ctx context.Context, status string) ([]*models.Task, error) {
	var statuses []models.TaskStatus
	for _, part := range strings.Split(status, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		st := models.TaskStatus(part)
		if !st.Valid() {
			return nil, models.NewValidationError("status", fmt.Sprintf("unknown status %q", part))
		}
		statuses = append(statuses, st)
	}
	return s.store.ListTasks(ctx, statuses...)
}

// CancelTask cancels a queued, running or paused task.
func (s *Service) CancelTask(ctx context.Context, id string) (*models.Task, error) {
	return s.runner.Cancel(ctx, id)
}

// PauseTask pauses a task manually. Manually paused tasks are never resumed
// by the scheduler.
func (s *Service) PauseTask(ctx context.Context, id string) (*models.Task, error) {
	return s.runner.Pause(ctx, id)
}

// ResumeTask returns a paused task to the queue.
func (s *Service) ResumeTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.store.Transition(ctx, id, models.TaskStatusQueued, store.TransitionFields{})
	if err != nil {
		return nil, err
	}
	s.pdr.Record(ctx, audit.ActionResume, map[string]string{"task_id": id}, "success", id, "manual resume to queue")
	return task, nil
}

// UsageReport is the body of POST /tasks/{id}/usage.
type UsageReport struct {
	Tokens int64   `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// ReportUsage records usage on behalf of a remote executor.
func (s *Service) ReportUsage(ctx context.Context, id string, rep UsageReport) error {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return err
	}
	return s.runner.ReportUsage(ctx, id, rep.Tokens, rep.Cost)
}

// TaskLogs returns the run output of a task.
func (s *Service) TaskLogs(ctx context.Context, id string) ([]models.Run, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.store.RunsForTask(ctx, id)
}

// UsageResponse is the body of GET /usage.
type UsageResponse struct {
	Usage    models.UsageSnapshot      `json:"usage"`
	Capacity models.CapacityState      `json:"capacity"`
	Tasks    map[models.TaskStatus]int `json:"tasks"`
}

// Usage returns the current budget window and capacity state.
func (s *Service) Usage(ctx context.Context) (*UsageResponse, error) {
	now := s.now()
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &UsageResponse{
		Usage:    s.usage.Snapshot(now),
		Capacity: s.capacity.State(now),
		Tasks:    counts,
	}, nil
}

// HealthResponse is the body of GET /health. The watchdog reads pid,
// started_at and last_tick from it.
type HealthResponse struct {
	OK           bool                 `json:"ok"`
	DB           string               `json:"db"`
	PID          int                  `json:"pid"`
	StartedAt    time.Time            `json:"started_at"`
	LastTick     time.Time            `json:"last_tick"`
	Ticks        int64                `json:"ticks"`
	TicksSkipped int64                `json:"ticks_skipped"`
	InFlight     []string             `json:"in_flight"`
	Stopping     bool                 `json:"stopping"`
	Usage        models.UsageSnapshot `json:"usage"`
	Capacity     models.CapacityState `json:"capacity"`
	Time         time.Time            `json:"time"`
}

// Health reports daemon liveness.
func (s *Service) Health(ctx context.Context) *HealthResponse {
	now := s.now()
	st := s.runner.Status()
	resp := &HealthResponse{
		OK:           true,
		DB:           "ok",
		PID:          os.Getpid(),
		StartedAt:    st.StartedAt,
		LastTick:     st.LastTick,
		Ticks:        st.Ticks,
		TicksSkipped: st.TicksSkipped,
		InFlight:     st.InFlight,
		Stopping:     st.Stopping,
		Usage:        s.usage.Snapshot(now),
		Capacity:     s.capacity.State(now),
		Time:         now,
	}
	if resp.InFlight == nil {
		resp.InFlight = []string{}
	}
	if err := s.store.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
	}
	return resp
}
