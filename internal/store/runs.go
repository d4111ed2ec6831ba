package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fentz26/sleepless/internal/models"
	"github.com/google/uuid"
)

// --- Run Operations ---

// AppendRun records a chunk of execution output for a task. Runs are append-only.
func (s *Store) AppendRun(ctx context.Context, taskID, stream, content string) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Stream:    stream,
		Content:   content,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, task_id, stream, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.Stream, run.Content, toNanos(run.CreatedAt),
	)
	if err != nil {
		return nil, storeErr("insert run", err)
	}
	return run, nil
}

// RunsForTask returns the output of a task, oldest first.
func (s *Store) RunsForTask(ctx context.Context, taskID string) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, stream, content, created_at FROM runs WHERE task_id = ? ORDER BY created_at ASC, rowid ASC`,
		taskID,
	)
	if err != nil {
		return nil, storeErr("query runs", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		var createdAt int64
		if err := rows.Scan(&run.ID, &run.TaskID, &run.Stream, &run.Content, &createdAt); err != nil {
			return nil, storeErr("scan run", err)
		}
		run.CreatedAt = fromNanos(createdAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(ctx context.Context, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  s.now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TaskID, pdr.Details, toNanos(pdr.Timestamp),
	)
	if err != nil {
		return nil, storeErr("insert pdr", err)
	}
	return pdr, nil
}

// PDRsForTask returns the decision trail of a task, oldest first.
func (s *Store) PDRsForTask(ctx context.Context, taskID string) ([]models.PDREntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM pdr WHERE task_id = ? ORDER BY timestamp ASC, rowid ASC`,
		taskID,
	)
	if err != nil {
		return nil, storeErr("query pdr", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var task, details sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &task, &details, &ts); err != nil {
			return nil, storeErr("scan pdr", err)
		}
		e.TaskID = task.String
		e.Details = details.String
		e.Timestamp = fromNanos(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Usage window ---

// SaveUsageWindow persists the usage manager's current window.
func (s *Store) SaveUsageWindow(ctx context.Context, w models.UsageWindow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_window (id, tokens_used, cost_used, window_start, window_end, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET tokens_used = excluded.tokens_used, cost_used = excluded.cost_used,
		 window_start = excluded.window_start, window_end = excluded.window_end, updated_at = excluded.updated_at`,
		w.TokensUsed, w.CostUsed, toNanos(w.WindowStart), toNanos(w.WindowEnd), toNanos(s.now()),
	)
	if err != nil {
		return storeErr("save usage window", err)
	}
	return nil
}

// LoadUsageWindow returns the persisted usage window, or ok=false if none exists.
func (s *Store) LoadUsageWindow(ctx context.Context) (w models.UsageWindow, ok bool, err error) {
	var start, end int64
	err = s.db.QueryRowContext(ctx,
		`SELECT tokens_used, cost_used, window_start, window_end FROM usage_window WHERE id = 1`,
	).Scan(&w.TokensUsed, &w.CostUsed, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UsageWindow{}, false, nil
	}
	if err != nil {
		return models.UsageWindow{}, false, storeErr("load usage window", err)
	}
	w.WindowStart = fromNanos(start)
	w.WindowEnd = fromNanos(end)
	return w, true, nil
}
