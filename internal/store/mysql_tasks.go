package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"priceguard/internal/core"
)

// marshalJSONColumn encodes v for a MySQL JSON column, NULL when empty.
func marshalJSONColumn(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal JSON column: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

func unmarshalJSONColumn(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// ---- tasks ----

func (s *MySQL) CreateTask(ctx context.Context, task *core.Task) error {
	return s.SaveTask(ctx, task)
}

func (s *MySQL) SaveTask(ctx context.Context, task *core.Task) error {
	summary, err := marshalJSONColumn(task.Summary)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, product_id, scheduled_time, priority, status, retry_count,
			max_retries, started_at, completed_at, error_message, summary, worker_handle,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			scheduled_time = VALUES(scheduled_time), priority = VALUES(priority),
			status = VALUES(status), retry_count = VALUES(retry_count),
			max_retries = VALUES(max_retries), started_at = VALUES(started_at),
			completed_at = VALUES(completed_at), error_message = VALUES(error_message),
			summary = VALUES(summary), worker_handle = VALUES(worker_handle),
			updated_at = VALUES(updated_at)`,
		task.ID, task.ProductID, task.ScheduledTime, task.Priority, string(task.Status),
		task.RetryCount, task.MaxRetries, task.StartedAt, task.CompletedAt,
		task.ErrorMessage, summary, task.WorkerHandle, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

const taskColumns = `id, product_id, scheduled_time, priority, status, retry_count,
	max_retries, started_at, completed_at, COALESCE(error_message, ''), summary,
	COALESCE(worker_handle, ''), created_at, updated_at`

func (s *MySQL) TaskByID(ctx context.Context, id string) (*core.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, core.ErrNotFound
	}
	return tasks[0], nil
}

func (s *MySQL) PendingTaskForProduct(ctx context.Context, productID string) (*core.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE product_id = ? AND status IN ('pending', 'scheduled')
		ORDER BY scheduled_time ASC LIMIT 1`, productID)
	if err != nil {
		return nil, fmt.Errorf("load pending task for %s: %w", productID, err)
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, core.ErrNotFound
	}
	return tasks[0], nil
}

func (s *MySQL) DuePendingTasks(ctx context.Context, now time.Time, limit int) ([]*core.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending' AND scheduled_time <= ?
		ORDER BY priority ASC, scheduled_time ASC, id ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("load due pending tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *MySQL) StaleTasks(ctx context.Context, cutoff time.Time, limit int) ([]*core.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('scheduled', 'running') AND updated_at < ?
		ORDER BY updated_at ASC, id ASC
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("load stale tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*core.Task, error) {
	var tasks []*core.Task
	for rows.Next() {
		var t core.Task
		var status string
		var started, completed sql.NullTime
		var summary []byte
		if err := rows.Scan(&t.ID, &t.ProductID, &t.ScheduledTime, &t.Priority, &status,
			&t.RetryCount, &t.MaxRetries, &started, &completed, &t.ErrorMessage,
			&summary, &t.WorkerHandle, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = core.TaskStatus(status)
		if started.Valid {
			t.StartedAt = &started.Time
		}
		if completed.Valid {
			t.CompletedAt = &completed.Time
		}
		if len(summary) > 0 {
			var ts core.TaskSummary
			if err := json.Unmarshal(summary, &ts); err != nil {
				return nil, fmt.Errorf("task %s: invalid summary JSON: %w", t.ID, err)
			}
			t.Summary = &ts
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// ---- retention ----

// PurgeOldData deletes observations, terminal tasks, engagement events and
// expired in-app notifications older than the cutoff.
func (s *MySQL) PurgeOldData(ctx context.Context, before time.Time) (int, error) {
	purged := 0
	statements := []struct {
		desc  string
		query string
		args  []any
	}{
		{"observations", `DELETE FROM observations WHERE observed_at < ?`, []any{before}},
		{"tasks", `DELETE FROM tasks WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`, []any{before}},
		{"engagement events", `DELETE FROM engagement_events WHERE occurred_at < ?`, []any{before}},
		{"in-app notifications", `DELETE FROM in_app_notifications WHERE expires_at < ?`, []any{before}},
	}
	for _, st := range statements {
		res, err := s.db.ExecContext(ctx, st.query, st.args...)
		if err != nil {
			return purged, fmt.Errorf("purge %s: %w", st.desc, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return purged, fmt.Errorf("purge %s: %w", st.desc, err)
		}
		purged += int(n)
	}
	return purged, nil
}
