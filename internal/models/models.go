// Package models defines the core domain types for sleepless.
package models

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusPaused,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// legalTransitions is the task state machine.
var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:  {TaskStatusRunning, TaskStatusPaused, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusPaused, TaskStatusCancelled},
	// paused -> queued is a manual resume; the task re-enters the queue at its original position.
	TaskStatusPaused: {TaskStatusRunning, TaskStatusQueued, TaskStatusCancelled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders tasks for admission. Higher ranks are admitted first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the sortable weight of p, or -1 if p is unknown.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(rank int) Priority {
	switch rank {
	case 3:
		return PriorityUrgent
	case 2:
		return PriorityHigh
	case 1:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// ParsePriority parses a priority name; empty input yields normal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if p.Rank() < 0 {
		return "", NewValidationError("priority", fmt.Sprintf("unknown priority %q", s))
	}
	return p, nil
}

// PauseReason records why a task is paused.
type PauseReason string

const (
	PauseReasonNone       PauseReason = ""
	PauseReasonUsageLimit PauseReason = "usage_limit"
	PauseReasonBudget     PauseReason = "budget"
	PauseReasonCapacity   PauseReason = "capacity"
	PauseReasonManual     PauseReason = "manual"
)

// Resumable reports whether the scheduler may resume the task on its own.
func (r PauseReason) Resumable() bool {
	switch r {
	case PauseReasonUsageLimit, PauseReasonBudget, PauseReasonCapacity:
		return true
	}
	return false
}

// ResumableReasons lists the reasons eligible for automatic resumption.
func ResumableReasons() []PauseReason {
	return []PauseReason{PauseReasonUsageLimit, PauseReasonBudget, PauseReasonCapacity}
}

// Task represents a unit of work in the queue.
type Task struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	Description   string      `json:"description"`
	Priority      Priority    `json:"priority"`
	Status        TaskStatus  `json:"status"`
	Dependencies  []string    `json:"dependencies,omitempty"`
	PauseReason   PauseReason `json:"pause_reason,omitempty"`
	ResumeAfter   *time.Time  `json:"resume_after,omitempty"`
	TokensUsed    int64       `json:"tokens_used"`
	CostUsed      float64     `json:"cost_used"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Seq           int64       `json:"seq"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
}

// EligibleForResume reports whether a paused task may be resumed automatically at now.
func (t *Task) EligibleForResume(now time.Time) bool {
	if t.Status != TaskStatusPaused || !t.PauseReason.Resumable() {
		return false
	}
	return t.ResumeAfter == nil || !t.ResumeAfter.After(now)
}

// Run is an append-only chunk of output produced while executing a task.
type Run struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Stream    string    `json:"stream"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// UsageSnapshot is a point-in-time view of the usage counters.
type UsageSnapshot struct {
	TokensUsed  int64     `json:"tokens_used"`
	CostUsed    float64   `json:"cost_used"`
	TokenBudget int64     `json:"token_budget"`
	CostBudget  float64   `json:"cost_budget"`
	Percent     float64   `json:"percent"`
	RawPercent  float64   `json:"raw_percent"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// UsageWindow is the persisted counter state of the current budget window.
type UsageWindow struct {
	TokensUsed  int64
	CostUsed    float64
	WindowStart time.Time
	WindowEnd   time.Time
}

// CapacityMode is the time-of-day threshold profile.
type CapacityMode string

const (
	ModeDay      CapacityMode = "day"
	ModeNight    CapacityMode = "night"
	ModeOffHours CapacityMode = "off-hours"
)

// CapacityState is derived on every tick; it is never persisted.
type CapacityState struct {
	Mode            CapacityMode `json:"mode"`
	ThresholdPct    float64      `json:"threshold_pct"`
	CurrentUsagePct float64      `json:"current_usage_pct"`
	At              time.Time    `json:"at"`
}

// AtOrAbove reports whether usage has reached the threshold.
func (s CapacityState) AtOrAbove() bool {
	return s.CurrentUsagePct >= s.ThresholdPct
}

// RestartEvent records one daemon restart. It is never mutated after creation.
type RestartEvent struct {
	ID                  string    `json:"id"`
	Timestamp           time.Time `json:"timestamp"`
	Reason              string    `json:"reason"`
	ExitCode            *int      `json:"exit_code,omitempty"`
	TriggeredByWatchdog bool      `json:"triggered_by_watchdog"`
}

// MemoryMetrics are sampled from the daemon process.
type MemoryMetrics struct {
	PID        int    `json:"pid"`
	RSSBytes   uint64 `json:"rss_bytes"`
	VSizeBytes uint64 `json:"vsize_bytes"`
	Error      string `json:"error,omitempty"`
}

// HealthReport is computed on demand by the watchdog.
type HealthReport struct {
	GeneratedAt         time.Time      `json:"generated_at"`
	Uptime              time.Duration  `json:"uptime"`
	Memory              MemoryMetrics  `json:"memory"`
	ChecksPassed        int64          `json:"checks_passed"`
	ChecksFailed        int64          `json:"checks_failed"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastCheckAt         time.Time      `json:"last_check_at,omitempty"`
	LastCheckError      string         `json:"last_check_error,omitempty"`
	Restarts            []RestartEvent `json:"restarts"`
}
