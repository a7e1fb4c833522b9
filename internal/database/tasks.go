package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c.mueller/pm-connect/internal/models"
)

func decodeTask(doc string) (*models.WorkerTask, error) {
	var t models.WorkerTask
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return &t, nil
}

// CreateOrGetTask inserts task unless one with the same integration and
// external task id exists. It returns the stored task and whether it was
// created by this call. The unique index makes concurrent deliveries of the
// same webhook collapse onto one record.
func (db *DB) CreateOrGetTask(ctx context.Context, task *models.WorkerTask) (*models.WorkerTask, bool, error) {
	doc, err := json.Marshal(task)
	if err != nil {
		return nil, false, fmt.Errorf("encoding task: %w", err)
	}

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO worker_tasks (
			id, integration_id, external_task_id, worker_chat_id, worker_external_id,
			status, doc, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (integration_id, external_task_id) DO NOTHING`,
		task.ID, task.IntegrationID, task.ExternalTaskID, task.WorkerChatID, task.WorkerExternalID,
		string(task.Status), string(doc), formatTime(task.CreatedAt), formatTime(task.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("getting rows affected: %w", err)
	}

	if n == 1 {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("committing task: %w", err)
		}
		return task, true, nil
	}

	var existing string
	err = tx.GetContext(ctx, &existing,
		"SELECT doc FROM worker_tasks WHERE integration_id = ? AND external_task_id = ?",
		task.IntegrationID, task.ExternalTaskID)
	if err != nil {
		return nil, false, fmt.Errorf("getting existing task: %w", notFound(err))
	}
	stored, err := decodeTask(existing)
	if err != nil {
		return nil, false, err
	}
	return stored, false, tx.Commit()
}

// GetTask retrieves a task by id
func (db *DB) GetTask(ctx context.Context, id string) (*models.WorkerTask, error) {
	var doc string
	if err := db.conn.GetContext(ctx, &doc, "SELECT doc FROM worker_tasks WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, notFound(err))
	}
	return decodeTask(doc)
}

// UpdateTask applies fn to the stored task inside one transaction. An error
// from fn aborts the update and is returned unchanged.
func (db *DB) UpdateTask(ctx context.Context, id string, fn func(*models.WorkerTask) error) (*models.WorkerTask, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var doc string
	if err := tx.GetContext(ctx, &doc, "SELECT doc FROM worker_tasks WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, notFound(err))
	}
	task, err := decodeTask(doc)
	if err != nil {
		return nil, err
	}

	if err := fn(task); err != nil {
		return nil, err
	}
	task.ID = id

	updated, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE worker_tasks SET
			worker_chat_id = ?, worker_external_id = ?, status = ?, doc = ?, updated_at = ?
		WHERE id = ?`,
		task.WorkerChatID, task.WorkerExternalID, string(task.Status), string(updated), formatTime(task.UpdatedAt),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks matching filter, newest first
func (db *DB) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.WorkerTask, error) {
	var conditions []string
	var args []any

	if filter.IntegrationID != "" {
		conditions = append(conditions, "integration_id = ?")
		args = append(args, filter.IntegrationID)
	}
	if filter.WorkerChatID != "" {
		conditions = append(conditions, "worker_chat_id = ?")
		args = append(args, filter.WorkerChatID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Open {
		conditions = append(conditions, "status != ?")
		args = append(args, string(models.StatusCompleted))
	}
	if filter.Undelivered {
		conditions = append(conditions,
			"worker_chat_id != '' AND COALESCE(json_extract(doc, '$.message_id'), 0) = 0")
	}

	query := "SELECT doc FROM worker_tasks"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	var docs []string
	if err := db.conn.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	tasks := make([]models.WorkerTask, 0, len(docs))
	for _, doc := range docs {
		t, err := decodeTask(doc)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

// HasTasksForWorker reports whether any task was ever assigned to the worker
func (db *DB) HasTasksForWorker(ctx context.Context, integrationID, workerExternalID string) (bool, error) {
	var n int
	err := db.conn.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM worker_tasks
		WHERE integration_id = ? AND worker_external_id = ? COLLATE NOCASE`,
		integrationID, workerExternalID)
	if err != nil {
		return false, fmt.Errorf("counting worker tasks: %w", err)
	}
	return n > 0, nil
}
