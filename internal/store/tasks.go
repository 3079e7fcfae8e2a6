package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"devorchestra/pkg/models"
)

// CreateTask inserts a new task record.
func (db *DB) CreateTask(task *models.Task) error {
	dependsOn, err := json.Marshal(task.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO tasks (id, job_id, role, status, input, output, depends_on,
			attempt, retry_count, last_error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.JobID, string(task.Role), string(task.Status),
		rawJSONString(task.Input), rawJSONString(task.Output), string(dependsOn),
		task.Attempt, task.RetryCount, nullString(task.LastError),
		formatTime(task.CreatedAt), formatNullableTime(task.StartedAt),
		formatNullableTime(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by job and task ID.
func (db *DB) GetTask(jobID, taskID string) (*models.Task, error) {
	row := db.QueryRow(taskSelect+` WHERE job_id = ? AND id = ?`, jobID, taskID)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s/%s: %w", jobID, taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask persists the full mutable state of a task. The scheduler calls
// this before every dispatch and after every transition, so a restart can
// rebuild the graph from these rows alone.
func (db *DB) UpdateTask(task *models.Task) error {
	result, err := db.Exec(`
		UPDATE tasks SET status = ?, input = ?, output = ?, attempt = ?,
			retry_count = ?, last_error = ?, started_at = ?, completed_at = ?
		WHERE job_id = ? AND id = ?
	`, string(task.Status), rawJSONString(task.Input), rawJSONString(task.Output),
		task.Attempt, task.RetryCount, nullString(task.LastError),
		formatNullableTime(task.StartedAt), formatNullableTime(task.CompletedAt),
		task.JobID, task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s/%s: %w", task.JobID, task.ID, ErrNotFound)
	}
	return nil
}

// ListTasksByJob returns all tasks for a job in creation order.
func (db *DB) ListTasksByJob(jobID string) ([]*models.Task, error) {
	rows, err := db.Query(taskSelect+` WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// GetJobSnapshot reads a job and all its tasks inside one transaction, so
// the caller never observes a half-applied transition.
func (db *DB) GetJobSnapshot(jobID string) (*models.Job, []*models.Task, error) {
	var job *models.Job
	var tasks []*models.Task

	err := db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT id, story, legacy_code, status, created_at, completed_at
			FROM jobs WHERE id = ?
		`, jobID)

		var err error
		job, err = scanJob(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
			}
			return fmt.Errorf("get job: %w", err)
		}

		rows, err := tx.Query(taskSelect+` WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		defer rows.Close()

		tasks, err = collectTasks(rows)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	for _, t := range tasks {
		job.TaskIDs = append(job.TaskIDs, t.ID)
	}
	return job, tasks, nil
}

const taskSelect = `
	SELECT id, job_id, role, status, input, output, depends_on,
		attempt, retry_count, last_error, created_at, started_at, completed_at
	FROM tasks`

func collectTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(s scanner) (*models.Task, error) {
	var task models.Task
	var role, status, createdAt string
	var input, output, dependsOn, lastError sql.NullString
	var startedAt, completedAt sql.NullString

	err := s.Scan(&task.ID, &task.JobID, &role, &status, &input, &output,
		&dependsOn, &task.Attempt, &task.RetryCount, &lastError,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	task.Role = models.Role(role)
	task.Status = models.TaskStatus(status)
	if input.Valid {
		task.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		task.Output = json.RawMessage(output.String)
	}
	if dependsOn.Valid && dependsOn.String != "" {
		if err := json.Unmarshal([]byte(dependsOn.String), &task.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on: %w", err)
		}
	}
	task.LastError = lastError.String
	task.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	task.StartedAt = parseNullableTime(startedAt)
	task.CompletedAt = parseNullableTime(completedAt)
	return &task, nil
}

func rawJSONString(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
