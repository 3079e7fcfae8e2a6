package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"devorchestra/pkg/models"
)

// RecoveryResult summarizes what startup recovery found and changed.
type RecoveryResult struct {
	JobsResumed   int
	TasksRequeued int
	TasksFailed   int
}

// RecoverInterrupted repairs state left behind by a crash. Tasks that were
// dispatched or running when the process died cannot have a live worker
// anymore; they are failed with a crash marker and either requeued (retry
// budget remaining) or left failed for the scheduler to propagate skips
// from. The scheduler re-derives readiness from the repaired rows, so this
// function never sets a task back to ready directly.
func (db *DB) RecoverInterrupted(maxAttempts int) (*RecoveryResult, error) {
	jobs, err := db.ListUnfinishedJobs()
	if err != nil {
		return nil, fmt.Errorf("recovery: %w", err)
	}

	result := &RecoveryResult{}
	for _, job := range jobs {
		requeued, failed, err := db.repairJobTasks(job.ID, maxAttempts)
		if err != nil {
			return nil, fmt.Errorf("recovery: job %s: %w", job.ID, err)
		}
		result.JobsResumed++
		result.TasksRequeued += requeued
		result.TasksFailed += failed
		if requeued > 0 || failed > 0 {
			log.Printf("[recovery] job %s: %d task(s) requeued, %d failed after crash",
				job.ID, requeued, failed)
		}
	}
	return result, nil
}

func (db *DB) repairJobTasks(jobID string, maxAttempts int) (requeued, failed int, err error) {
	err = db.Transaction(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT id, retry_count FROM tasks
			WHERE job_id = ? AND status IN (?, ?)
		`, jobID, string(models.TaskDispatched), string(models.TaskRunning))
		if err != nil {
			return fmt.Errorf("find interrupted tasks: %w", err)
		}

		type interrupted struct {
			id         string
			retryCount int
		}
		var found []interrupted
		for rows.Next() {
			var t interrupted
			if err := rows.Scan(&t.id, &t.retryCount); err != nil {
				rows.Close()
				return fmt.Errorf("scan interrupted task: %w", err)
			}
			found = append(found, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := formatTime(time.Now())
		for _, t := range found {
			// A dispatched row may or may not have executed before the
			// crash. Treating it as failed keeps at-most-one-execution per
			// attempt: the requeue bumps the attempt counter before any
			// new dispatch.
			if t.retryCount+1 < maxAttempts {
				_, err = tx.Exec(`
					UPDATE tasks SET status = ?, retry_count = retry_count + 1,
						last_error = ?, started_at = NULL
					WHERE job_id = ? AND id = ?
				`, string(models.TaskReady), "interrupted by restart", jobID, t.id)
				requeued++
			} else {
				_, err = tx.Exec(`
					UPDATE tasks SET status = ?, last_error = ?, completed_at = ?
					WHERE job_id = ? AND id = ?
				`, string(models.TaskFailed), "interrupted by restart, retry budget exhausted", now, jobID, t.id)
				failed++
			}
			if err != nil {
				return fmt.Errorf("repair task %s: %w", t.id, err)
			}
		}
		return nil
	})
	return requeued, failed, err
}
