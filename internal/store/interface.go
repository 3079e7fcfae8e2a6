package store

import (
	"devorchestra/pkg/models"
)

// JobStore defines job persistence operations.
type JobStore interface {
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	UpdateJobStatus(id string, status models.JobStatus) error
	GetLatestJob() (*models.Job, error)
	ListUnfinishedJobs() ([]*models.Job, error)
	JobStats(since *models.StatsWindow) (*models.Stats, error)
}

// TaskStore defines task persistence operations.
type TaskStore interface {
	CreateTask(task *models.Task) error
	GetTask(jobID, taskID string) (*models.Task, error)
	UpdateTask(task *models.Task) error
	ListTasksByJob(jobID string) ([]*models.Task, error)
}

// SnapshotStore provides consistent cross-record reads.
type SnapshotStore interface {
	GetJobSnapshot(jobID string) (*models.Job, []*models.Task, error)
}

// Migrator handles schema migrations.
type Migrator interface {
	Migrate() error
}

// Store combines all persistence operations.
type Store interface {
	JobStore
	TaskStore
	SnapshotStore
	Migrator
	Ping() error
	Close() error
}

// Compile-time checks that DB implements the interfaces.
var (
	_ JobStore      = (*DB)(nil)
	_ TaskStore     = (*DB)(nil)
	_ SnapshotStore = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
	_ Store         = (*DB)(nil)
)
