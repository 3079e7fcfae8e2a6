package models

import "time"

// JobStatus represents the overall state of a job.
type JobStatus string

const (
	// JobPending indicates the job is accepted but not yet scheduled.
	JobPending JobStatus = "pending"
	// JobRunning indicates at least one task is still non-terminal.
	JobRunning JobStatus = "running"
	// JobSucceeded indicates every task succeeded.
	JobSucceeded JobStatus = "succeeded"
	// JobPartiallyFailed indicates some required tasks succeeded while
	// others failed or were skipped.
	JobPartiallyFailed JobStatus = "partially_failed"
	// JobFailed indicates the critical path failed.
	JobFailed JobStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobSucceeded, JobPartiallyFailed, JobFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the job can no longer change status.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobPartiallyFailed || s == JobFailed
}

// Job represents one end-to-end request to transform a user story into
// generated artifacts.
type Job struct {
	// ID is the unique job identifier.
	ID string `json:"id"`
	// Story is the raw user story text submitted by the caller.
	Story string `json:"story"`
	// LegacyCode is optional existing code to integrate with. When present
	// the job's graph gains a legacy-analysis branch.
	LegacyCode string `json:"legacy_code,omitempty"`
	// Status is the overall job state.
	Status JobStatus `json:"status"`
	// TaskIDs lists the owned tasks in creation order.
	TaskIDs []string `json:"task_ids"`
	// CreatedAt is when the job was accepted.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the job reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobView is the externally visible projection of a job and its tasks.
type JobView struct {
	ID          string     `json:"id"`
	Story       string     `json:"story"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Tasks       []TaskView `json:"tasks"`
	// Stalled is a liveness diagnostic: the job is marked running but no
	// task is ready, dispatched, or running. It should never be true in a
	// healthy system.
	Stalled bool `json:"stalled,omitempty"`
}

// ComputeJobStatus derives the terminal job status from its tasks.
// Succeeded requires every task to have succeeded. The job fails outright
// when the critical path is lost: ingestion failed or skipped, or all three
// generation roles did. Otherwise a mix of success and failure is a partial
// failure.
func ComputeJobStatus(tasks []*Task) JobStatus {
	allSucceeded := true
	anySucceeded := false
	anyFailedOrSkipped := false
	generationLost := 0
	generationTotal := 0

	for _, t := range tasks {
		switch t.Status {
		case TaskSucceeded:
			anySucceeded = true
		case TaskFailed, TaskSkipped:
			allSucceeded = false
			anyFailedOrSkipped = true
			if t.Role == RoleIngestion {
				return JobFailed
			}
		default:
			allSucceeded = false
		}
		for _, g := range GenerationRoles {
			if t.Role == g {
				generationTotal++
				if t.Status == TaskFailed || t.Status == TaskSkipped {
					generationLost++
				}
			}
		}
	}

	if allSucceeded && len(tasks) > 0 {
		return JobSucceeded
	}
	if generationTotal > 0 && generationLost == generationTotal {
		return JobFailed
	}
	if anySucceeded && anyFailedOrSkipped {
		return JobPartiallyFailed
	}
	if anyFailedOrSkipped {
		return JobFailed
	}
	return JobRunning
}
