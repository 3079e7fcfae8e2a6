package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskBlocked indicates the task is waiting on prerequisites.
	TaskBlocked TaskStatus = "blocked"
	// TaskReady indicates all prerequisites are satisfied and the task is
	// eligible for dispatch.
	TaskReady TaskStatus = "ready"
	// TaskDispatched indicates the task has been handed to an executor but
	// has not reported progress yet.
	TaskDispatched TaskStatus = "dispatched"
	// TaskRunning indicates the executor reported the task started.
	TaskRunning TaskStatus = "running"
	// TaskSucceeded indicates the task completed and its output is set.
	TaskSucceeded TaskStatus = "succeeded"
	// TaskFailed indicates the task failed terminally.
	TaskFailed TaskStatus = "failed"
	// TaskSkipped indicates the task will never run because a required
	// prerequisite failed or the job was cancelled.
	TaskSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskBlocked, TaskReady, TaskDispatched, TaskRunning, TaskSucceeded, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions can occur from this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskSkipped
}

// Dependency is one prerequisite edge of a task. An optional prerequisite
// satisfies readiness once it is terminal in any status; its failure never
// propagates a skip to the dependent.
type Dependency struct {
	// TaskID is the prerequisite task.
	TaskID string `json:"task_id"`
	// Optional marks the edge as a soft input rather than a hard prerequisite.
	Optional bool `json:"optional,omitempty"`
}

// Task represents one role's unit of work within a job.
type Task struct {
	// ID is unique within the owning job.
	ID string `json:"id"`
	// JobID is the owning job.
	JobID string `json:"job_id"`
	// Role is the fixed category of work this task performs.
	Role Role `json:"role"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Input is the role-specific payload handed to the executor.
	Input json.RawMessage `json:"input,omitempty"`
	// Output is set exactly once, when the task succeeds.
	Output json.RawMessage `json:"output,omitempty"`
	// DependsOn lists prerequisite edges.
	DependsOn []Dependency `json:"depends_on,omitempty"`
	// Attempt is incremented on every dispatch. Terminal events carrying a
	// stale attempt number are ignored.
	Attempt int `json:"attempt"`
	// RetryCount is the number of retries consumed so far.
	RetryCount int `json:"retry_count"`
	// LastError holds the most recent failure message, if any.
	LastError string `json:"last_error,omitempty"`
	// CreatedAt orders tasks for FIFO dispatch under a saturated pool.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the current attempt began executing.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DependencyIDs returns the prerequisite task IDs, required and optional.
func (t *Task) DependencyIDs() []string {
	ids := make([]string, 0, len(t.DependsOn))
	for _, d := range t.DependsOn {
		ids = append(ids, d.TaskID)
	}
	return ids
}

// TaskView is the externally visible projection of a task. Output is
// populated only once the task has succeeded.
type TaskView struct {
	ID          string          `json:"id"`
	Role        Role            `json:"role"`
	Status      TaskStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// View projects the task for external status queries.
func (t *Task) View() TaskView {
	v := TaskView{
		ID:          t.ID,
		Role:        t.Role,
		Status:      t.Status,
		RetryCount:  t.RetryCount,
		LastError:   t.LastError,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.Status == TaskSucceeded {
		v.Output = t.Output
	}
	return v
}
