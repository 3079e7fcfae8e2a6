package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"devorchestra/pkg/models"
)

// CreateJob inserts a new job record.
func (db *DB) CreateJob(job *models.Job) error {
	_, err := db.Exec(`
		INSERT INTO jobs (id, story, legacy_code, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, job.ID, job.Story, nullString(job.LegacyCode), string(job.Status), formatTime(job.CreatedAt))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (db *DB) GetJob(id string) (*models.Job, error) {
	row := db.QueryRow(`
		SELECT id, story, legacy_code, status, created_at, completed_at
		FROM jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJobStatus transitions a job to the given status, stamping
// completed_at when the status is terminal.
func (db *DB) UpdateJobStatus(id string, status models.JobStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid job status: %s", status)
	}

	var completedAt *string
	if status.Terminal() {
		now := formatTime(time.Now())
		completedAt = &now
	}

	result, err := db.Exec(`
		UPDATE jobs SET status = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`, string(status), completedAt, id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetLatestJob returns the most recently created job, or ErrNotFound when
// no jobs exist.
func (db *DB) GetLatestJob() (*models.Job, error) {
	row := db.QueryRow(`
		SELECT id, story, legacy_code, status, created_at, completed_at
		FROM jobs ORDER BY created_at DESC, id DESC LIMIT 1
	`)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest job: %w", err)
	}
	return job, nil
}

// ListUnfinishedJobs returns jobs that were pending or running, oldest
// first. Used by crash recovery on startup.
func (db *DB) ListUnfinishedJobs() ([]*models.Job, error) {
	rows, err := db.Query(`
		SELECT id, story, legacy_code, status, created_at, completed_at
		FROM jobs WHERE status IN (?, ?) ORDER BY created_at ASC
	`, string(models.JobPending), string(models.JobRunning))
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobStats aggregates job and task outcomes, optionally bounded to jobs
// created within the given window.
func (db *DB) JobStats(window *models.StatsWindow) (*models.Stats, error) {
	since := time.Time{}
	if window != nil {
		since = window.Since
	}

	stats := &models.Stats{
		TasksByStatus: make(map[models.TaskStatus]int),
		WindowStart:   since,
		GeneratedAt:   time.Now().UTC(),
	}

	err := db.Transaction(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT status, COUNT(*),
				COALESCE(AVG(CASE WHEN completed_at IS NOT NULL
					THEN (julianday(completed_at) - julianday(created_at)) * 86400.0
					END), 0)
			FROM jobs WHERE created_at >= ? GROUP BY status
		`, formatTime(since))
		if err != nil {
			return fmt.Errorf("aggregate jobs: %w", err)
		}
		defer rows.Close()

		var durationSum float64
		var terminalCount int
		for rows.Next() {
			var status string
			var count int
			var avgSeconds float64
			if err := rows.Scan(&status, &count, &avgSeconds); err != nil {
				return fmt.Errorf("scan job aggregate: %w", err)
			}
			stats.TotalJobs += count
			switch models.JobStatus(status) {
			case models.JobSucceeded:
				stats.SucceededJobs += count
			case models.JobPartiallyFailed:
				stats.PartialJobs += count
			case models.JobFailed:
				stats.FailedJobs += count
			default:
				stats.ActiveJobs += count
			}
			if models.JobStatus(status).Terminal() {
				durationSum += avgSeconds * float64(count)
				terminalCount += count
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if terminalCount > 0 {
			stats.AvgJobDuration = time.Duration(durationSum / float64(terminalCount) * float64(time.Second))
		}

		taskRows, err := tx.Query(`
			SELECT t.status, COUNT(*), COALESCE(SUM(t.retry_count), 0)
			FROM tasks t JOIN jobs j ON t.job_id = j.id
			WHERE j.created_at >= ? GROUP BY t.status
		`, formatTime(since))
		if err != nil {
			return fmt.Errorf("aggregate tasks: %w", err)
		}
		defer taskRows.Close()

		for taskRows.Next() {
			var status string
			var count, retries int
			if err := taskRows.Scan(&status, &count, &retries); err != nil {
				return fmt.Errorf("scan task aggregate: %w", err)
			}
			stats.TasksByStatus[models.TaskStatus(status)] += count
			stats.TotalRetries += retries
		}
		return taskRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*models.Job, error) {
	var job models.Job
	var legacyCode sql.NullString
	var status, createdAt string
	var completedAt sql.NullString

	err := s.Scan(&job.ID, &job.Story, &legacyCode, &status, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.LegacyCode = legacyCode.String
	job.Status = models.JobStatus(status)
	job.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	job.CompletedAt = parseNullableTime(completedAt)
	return &job, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
