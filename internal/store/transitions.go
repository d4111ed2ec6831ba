package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fentz26/sleepless/internal/models"
)

// TransitionFields carries the optional columns that accompany a status change.
type TransitionFields struct {
	// PauseReason is required when transitioning to paused.
	PauseReason models.PauseReason
	// ResumeAfter is the earliest automatic resume time for a paused task.
	ResumeAfter *time.Time
	// FailureReason is a human-readable cause stored on failed tasks.
	FailureReason string
}

// Transition atomically moves a task to a new status. The row's current
// status is read and the update is conditional on it inside one transaction,
// so a concurrent writer can never produce a half-applied change.
func (s *Store) Transition(ctx context.Context, id string, to models.TaskStatus, fields TransitionFields) (*models.Task, error) {
	if !to.Valid() {
		return nil, models.NewValidationError("status", "unknown status "+string(to))
	}
	if to == models.TaskStatusPaused && fields.PauseReason == models.PauseReasonNone {
		return nil, models.NewValidationError("pause_reason", "pause reason is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, storeErr("query task", err)
	}

	from := task.Status
	if !models.CanTransition(from, to) {
		return nil, &models.TransitionError{ID: id, From: from, To: to}
	}

	now := s.now()
	task.Status = to
	task.UpdatedAt = now
	switch to {
	case models.TaskStatusPaused:
		task.PauseReason = fields.PauseReason
		task.ResumeAfter = fields.ResumeAfter
	default:
		task.PauseReason = models.PauseReasonNone
		task.ResumeAfter = nil
	}
	if to == models.TaskStatusRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if to.IsTerminal() {
		task.FinishedAt = &now
	}
	if to == models.TaskStatusFailed {
		task.FailureReason = fields.FailureReason
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, pause_reason = ?, resume_after = ?, failure_reason = ?,
		 updated_at = ?, started_at = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		task.Status, string(task.PauseReason), nullNanos(task.ResumeAfter), task.FailureReason,
		toNanos(task.UpdatedAt), nullNanos(task.StartedAt), nullNanos(task.FinishedAt),
		id, from,
	)
	if err != nil {
		return nil, storeErr("update task status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("check rows affected", err)
	}
	if n == 0 {
		// Status changed between our read and update
		return nil, &models.TransitionError{ID: id, From: from, To: to}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit transaction", err)
	}
	return task, nil
}
