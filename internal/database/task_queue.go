package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookpay/internal/models"
)

func (q *Queries) CreateTask(ctx context.Context, task *models.Task) error {
	ts := now()
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	id, err := q.insertID(ctx,
		`INSERT INTO task_queue (task_type, booking_id, payload, status, retry_count, last_error, created_at, next_retry_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskType, task.BookingID, task.Payload, task.Status, task.RetryCount, task.LastError, ts, task.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	task.ID = id
	task.CreatedAt = ts
	return nil
}

func (q *Queries) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var t models.Task
	if err := q.get(ctx, &t, `SELECT * FROM task_queue WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

func (q *Queries) GetPendingTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	var tasks []*models.Task
	err := q.selectAll(ctx, &tasks,
		`SELECT * FROM task_queue
		 WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		models.TaskStatusPending, models.TaskStatusRetry, now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending tasks: %w", err)
	}
	return tasks, nil
}

// ClaimTask moves a due task to processing. Exactly one caller wins.
func (q *Queries) ClaimTask(ctx context.Context, id int64) error {
	rows, err := q.exec(ctx,
		`UPDATE task_queue SET status = ?, claimed_at = ? WHERE id = ? AND status IN (?, ?)`,
		models.TaskStatusProcessing, now(), id, models.TaskStatusPending, models.TaskStatusRetry)
	if err != nil {
		return fmt.Errorf("failed to claim task: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotClaimable
	}
	return nil
}

func (q *Queries) UpdateTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []interface{}
	ts := now()

	var lastErr *string
	if errMsg != "" {
		lastErr = &errMsg
	}

	switch status {
	case models.TaskStatusRetry:
		query = `UPDATE task_queue SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []interface{}{status, lastErr, nextRetryAt, id}
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		query = `UPDATE task_queue SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []interface{}{status, lastErr, nextRetryAt, ts, id}
	default:
		query = `UPDATE task_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, lastErr, nextRetryAt, id}
	}

	if _, err := q.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

func (q *Queries) GetFailedTasks(ctx context.Context) ([]*models.Task, error) {
	var tasks []*models.Task
	err := q.selectAll(ctx, &tasks,
		`SELECT * FROM task_queue WHERE status = ? ORDER BY created_at DESC`, models.TaskStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed tasks: %w", err)
	}
	return tasks, nil
}

// RequeueTask resets a failed task so the worker picks it up again.
func (q *Queries) RequeueTask(ctx context.Context, id int64) error {
	rows, err := q.exec(ctx,
		`UPDATE task_queue SET status = ?, retry_count = 0, next_retry_at = NULL, processed_at = NULL WHERE id = ? AND status = ?`,
		models.TaskStatusPending, id, models.TaskStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}
	if rows == 0 {
		return ErrStaleState
	}
	return nil
}

// ReleaseStaleTasks returns tasks stuck in processing since before cutoff to
// the retry state, e.g. after the worker process died mid-call.
func (q *Queries) ReleaseStaleTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := q.exec(ctx,
		`UPDATE task_queue SET status = ? WHERE status = ? AND claimed_at < ?`,
		models.TaskStatusRetry, models.TaskStatusProcessing, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to release stale tasks: %w", err)
	}
	return rows, nil
}
