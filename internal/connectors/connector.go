// Package connectors defines the boundary between the daemon and the agent
// sessions that execute tasks.
package connectors

import (
	"context"
	"errors"
	"time"

	"github.com/fentz26/sleepless/internal/models"
)

// ErrResumeUnsupported is returned by a Resumer that cannot continue a session.
var ErrResumeUnsupported = errors.New("resume not supported")

// Handle identifies one dispatched execution.
type Handle struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
}

// Result is the outcome an executor reports for a finished execution.
type Result struct {
	// Status is completed, failed or paused.
	Status        models.TaskStatus  `json:"status"`
	ExitCode      int                `json:"exit_code"`
	FailureReason string             `json:"failure_reason,omitempty"`
	PauseReason   models.PauseReason `json:"pause_reason,omitempty"`
	ResumeAfter   *time.Time         `json:"resume_after,omitempty"`
}

// Reporter receives asynchronous events from an executor. Implementations
// must be safe for concurrent use.
type Reporter interface {
	// OnTaskUsage reports tokens and cost consumed since the previous report.
	OnTaskUsage(taskID string, tokens int64, cost float64)
	// OnTaskOutput appends one line of session output to the task's logs.
	OnTaskOutput(taskID, stream, line string)
	// OnTaskComplete is called exactly once per dispatch. err is set when
	// the execution could not run to a result at all.
	OnTaskComplete(taskID string, result Result, err error)
}

// Executor runs tasks. Dispatch returns without waiting for the task.
type Executor interface {
	// Name returns the connector identifier.
	Name() string

	// Dispatch starts executing task and reports progress to r.
	Dispatch(ctx context.Context, task *models.Task, r Reporter) (Handle, error)

	// Cancel signals a running execution to stop. Completion is still
	// reported through the Reporter.
	Cancel(h Handle) error
}

// Resumer is implemented by executors that can continue an interrupted session.
type Resumer interface {
	Resume(ctx context.Context, task *models.Task, r Reporter) (Handle, error)
}
