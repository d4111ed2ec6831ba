package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/sleepless/internal/models"
	"github.com/google/uuid"
)

const taskColumns = `seq, id, title, description, priority, status, dependencies, pause_reason, resume_after,
	tokens_used, cost_used, failure_reason, created_at, updated_at, started_at, finished_at`

// queueOrder is the admission order: priority desc, then creation time, then insertion.
const queueOrder = ` ORDER BY priority DESC, created_at ASC, seq ASC`

func scanTask(scanner interface{ Scan(dest ...any) error }) (*models.Task, error) {
	var (
		task        models.Task
		rank        int
		status      string
		deps        string
		pauseReason string
		resumeAfter sql.NullInt64
		createdAt   int64
		updatedAt   int64
		startedAt   sql.NullInt64
		finishedAt  sql.NullInt64
	)
	if err := scanner.Scan(
		&task.Seq, &task.ID, &task.Title, &task.Description, &rank, &status, &deps, &pauseReason, &resumeAfter,
		&task.TokensUsed, &task.CostUsed, &task.FailureReason, &createdAt, &updatedAt, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	task.Priority = models.PriorityFromRank(rank)
	task.Status = models.TaskStatus(status)
	task.PauseReason = models.PauseReason(pauseReason)
	task.ResumeAfter = timePtr(resumeAfter)
	task.CreatedAt = fromNanos(createdAt)
	task.UpdatedAt = fromNanos(updatedAt)
	task.StartedAt = timePtr(startedAt)
	task.FinishedAt = timePtr(finishedAt)
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &task.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	return &task, nil
}

func (s *Store) queryTasks(ctx context.Context, op, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storeErr(op, fmt.Errorf("scan task: %w", err))
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return tasks, nil
}

// --- Task Operations ---

// Enqueue inserts a new task with status queued. An empty ID is replaced by a
// generated one; an ID that already exists is a validation error.
func (s *Store) Enqueue(ctx context.Context, task *models.Task) error {
	if task == nil {
		return models.NewValidationError("task", "task is required")
	}
	task.Title = strings.TrimSpace(task.Title)
	if task.Title == "" {
		return models.NewValidationError("title", "title is required")
	}
	if task.Priority == "" {
		task.Priority = models.PriorityNormal
	}
	if task.Priority.Rank() < 0 {
		return models.NewValidationError("priority", fmt.Sprintf("unknown priority %q", task.Priority))
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	for _, dep := range task.Dependencies {
		if dep == task.ID {
			return models.NewValidationError("dependencies", "task cannot depend on itself")
		}
	}

	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Status = models.TaskStatusQueued
	task.PauseReason = models.PauseReasonNone
	task.ResumeAfter = nil

	deps := task.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return models.NewValidationError("dependencies", err.Error())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, task.ID).Scan(&exists)
	if err != nil {
		return storeErr("check task id", err)
	}
	if exists > 0 {
		return models.NewValidationError("id", fmt.Sprintf("task %s already exists", task.ID))
	}

	for _, dep := range task.Dependencies {
		var found int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, dep).Scan(&found); err != nil {
			return storeErr("check dependency", err)
		}
		if found == 0 {
			return models.NewValidationError("dependencies", fmt.Sprintf("unknown dependency %s", dep))
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, priority, status, dependencies, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, task.Priority.Rank(), task.Status, string(depsJSON),
		toNanos(task.CreatedAt), toNanos(task.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.NewValidationError("id", fmt.Sprintf("task %s already exists", task.ID))
		}
		return storeErr("insert task", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		task.Seq = seq
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit transaction", err)
	}
	return nil
}

// GetTask retrieves a task by ID. A missing task is a NotFoundError.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, storeErr("query task", err)
	}
	return task, nil
}

// ListTasks returns tasks in queue order, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += queueOrder
	return s.queryTasks(ctx, "query tasks", query, args...)
}

// GetAdmissibleQueue returns queued tasks and paused tasks eligible for
// automatic resumption at now, in admission order.
func (s *Store) GetAdmissibleQueue(ctx context.Context, now time.Time) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? OR (` + resumableClause + `)` + queueOrder
	args := append([]any{models.TaskStatusQueued}, resumableArgs(now)...)
	return s.queryTasks(ctx, "query admissible queue", query, args...)
}

// GetPausedTasksForResume returns paused tasks eligible for automatic
// resumption at now, in admission order.
func (s *Store) GetPausedTasksForResume(ctx context.Context, now time.Time) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + resumableClause + queueOrder
	return s.queryTasks(ctx, "query paused tasks", query, resumableArgs(now)...)
}

const resumableClause = `status = ? AND pause_reason IN (?, ?, ?) AND (resume_after IS NULL OR resume_after <= ?)`

func resumableArgs(now time.Time) []any {
	args := []any{models.TaskStatusPaused}
	for _, r := range models.ResumableReasons() {
		args = append(args, string(r))
	}
	return append(args, toNanos(now))
}

// DependenciesCompleted reports whether every dependency of task is completed.
func (s *Store) DependenciesCompleted(ctx context.Context, task *models.Task) (bool, error) {
	if len(task.Dependencies) == 0 {
		return true, nil
	}
	placeholders := make([]string, len(task.Dependencies))
	args := make([]any, 0, len(task.Dependencies)+1)
	args = append(args, models.TaskStatusCompleted)
	for i, dep := range task.Dependencies {
		placeholders[i] = "?"
		args = append(args, dep)
	}
	var done int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT id) FROM tasks WHERE status = ? AND id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	).Scan(&done)
	if err != nil {
		return false, storeErr("query dependencies", err)
	}
	return done == len(uniqueStrings(task.Dependencies)), nil
}

// AddTaskUsage adds tokens and cost consumed by a task. These columns belong
// to the execution collaborator and are never touched by transitions.
func (s *Store) AddTaskUsage(ctx context.Context, id string, tokens int64, cost float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET tokens_used = tokens_used + ?, cost_used = cost_used + ?, updated_at = ? WHERE id = ?`,
		tokens, cost, toNanos(s.now()), id,
	)
	if err != nil {
		return storeErr("update task usage", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &models.NotFoundError{ID: id}
	}
	return nil
}

// CountByStatus returns the number of tasks in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, storeErr("count tasks", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("scan count", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
