package models

import "time"

// StatsWindow bounds a performance statistics query.
type StatsWindow struct {
	Since time.Time `json:"since"`
}

// Stats aggregates job outcomes for the metrics endpoint.
type Stats struct {
	TotalJobs      int                `json:"total_jobs"`
	SucceededJobs  int                `json:"succeeded_jobs"`
	PartialJobs    int                `json:"partially_failed_jobs"`
	FailedJobs     int                `json:"failed_jobs"`
	ActiveJobs     int                `json:"active_jobs"`
	AvgJobDuration time.Duration      `json:"avg_job_duration_ns"`
	TasksByStatus  map[TaskStatus]int `json:"tasks_by_status"`
	TotalRetries   int                `json:"total_retries"`
	WindowStart    time.Time          `json:"window_start"`
	GeneratedAt    time.Time          `json:"generated_at"`
}
