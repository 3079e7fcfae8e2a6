package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"devorchestra/internal/bus"
	"devorchestra/internal/config"
	"devorchestra/internal/executor"
	"devorchestra/internal/feedback"
	"devorchestra/internal/graph"
	"devorchestra/internal/store"
	"devorchestra/pkg/models"
)

// Orchestrator owns job lifecycles. Each running job gets a single-writer
// engine goroutine; a shared semaphore bounds how many task attempts
// execute concurrently across all jobs.
type Orchestrator struct {
	store   store.Store
	bus     bus.Bus
	exec    *executor.Executor
	refiner *feedback.Refiner
	retry   config.RetryConfig

	sem chan struct{}

	mu      sync.Mutex
	engines map[string]*engine
	closed  bool
	wg      sync.WaitGroup
}

// Options configures a new Orchestrator. Refiner may be nil.
type Options struct {
	Store   store.Store
	Bus     bus.Bus
	Exec    *executor.Executor
	Refiner *feedback.Refiner
	Workers int
	Retry   config.RetryConfig
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		store:   opts.Store,
		bus:     opts.Bus,
		exec:    opts.Exec,
		refiner: opts.Refiner,
		retry:   opts.Retry,
		sem:     make(chan struct{}, workers),
		engines: make(map[string]*engine),
	}
}

// SubmitJob validates and persists a new job with its task topology, then
// starts its engine. The job is durably recorded before this returns;
// scheduling proceeds asynchronously.
func (o *Orchestrator) SubmitJob(story, legacyCode string) (*models.Job, error) {
	if strings.TrimSpace(story) == "" {
		return nil, fmt.Errorf("story must not be empty")
	}

	job := &models.Job{
		ID:         uuid.NewString(),
		Story:      story,
		LegacyCode: legacyCode,
		Status:     models.JobPending,
		CreatedAt:  time.Now().UTC(),
	}

	tasks, err := BuildTasks(job, job.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := o.store.CreateJob(job); err != nil {
		return nil, err
	}
	for _, task := range tasks {
		job.TaskIDs = append(job.TaskIDs, task.ID)
		if err := o.store.CreateTask(task); err != nil {
			return nil, err
		}
	}

	if err := o.startEngine(job, tasks); err != nil {
		return nil, err
	}
	log.Printf("[orchestrator] job %s submitted with %d task(s)", job.ID, len(tasks))
	return job, nil
}

// Resume restarts the engines of unfinished jobs after process startup.
// Call this after store.RecoverInterrupted has repaired task rows.
func (o *Orchestrator) Resume() (int, error) {
	jobs, err := o.store.ListUnfinishedJobs()
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, job := range jobs {
		tasks, err := o.store.ListTasksByJob(job.ID)
		if err != nil {
			return resumed, fmt.Errorf("resume job %s: %w", job.ID, err)
		}
		if err := o.startEngine(job, tasks); err != nil {
			return resumed, fmt.Errorf("resume job %s: %w", job.ID, err)
		}
		resumed++
		log.Printf("[orchestrator] resumed job %s", job.ID)
	}
	return resumed, nil
}

func (o *Orchestrator) startEngine(job *models.Job, tasks []*models.Task) error {
	g := graph.New()
	if err := g.Build(tasks); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("orchestrator is shutting down")
	}
	if _, exists := o.engines[job.ID]; exists {
		return fmt.Errorf("job %s already has a running engine", job.ID)
	}

	e := newEngine(o, job.ID, g)
	o.engines[job.ID] = e
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		e.run()
		o.mu.Lock()
		delete(o.engines, job.ID)
		o.mu.Unlock()
	}()
	return nil
}

// Cancel stops a job. Non-terminal tasks are skipped and the job is
// finalized from whatever its tasks had reached. Cancelling a terminal or
// already-cancelled job is a no-op.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	e, running := o.engines[jobID]
	o.mu.Unlock()

	if running {
		e.cancel()
		return nil
	}

	// No live engine: the job is either terminal or stranded (created but
	// never resumed). Finalize the stranded case directly.
	job, tasks, err := o.store.GetJobSnapshot(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		task.Status = models.TaskSkipped
		task.CompletedAt = &now
		if err := o.store.UpdateTask(task); err != nil {
			return err
		}
	}
	return o.store.UpdateJobStatus(jobID, finalStatus(tasks))
}

// JobView returns the external projection of a job and its tasks from a
// single consistent store read.
func (o *Orchestrator) JobView(jobID string) (*models.JobView, error) {
	job, tasks, err := o.store.GetJobSnapshot(jobID)
	if err != nil {
		return nil, err
	}

	view := &models.JobView{
		ID:          job.ID,
		Story:       job.Story,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	for _, task := range tasks {
		view.Tasks = append(view.Tasks, task.View())
	}

	if !job.Status.Terminal() {
		o.mu.Lock()
		_, live := o.engines[jobID]
		o.mu.Unlock()
		view.Stalled = !live
	}
	return view, nil
}

// TaskView returns the external projection of a single task.
func (o *Orchestrator) TaskView(jobID, taskID string) (*models.TaskView, error) {
	task, err := o.store.GetTask(jobID, taskID)
	if err != nil {
		return nil, err
	}
	v := task.View()
	return &v, nil
}

// Shutdown cancels all running jobs and waits for their engines to finish
// persisting, or until the context expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, e := range o.engines {
		e.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finalStatus derives the terminal job status from its tasks, defaulting
// to failed when nothing ever ran.
func finalStatus(tasks []*models.Task) models.JobStatus {
	status := models.ComputeJobStatus(tasks)
	if !status.Terminal() {
		return models.JobFailed
	}
	return status
}

// backoff returns the delay before retry n (1-based), doubling from the
// base and capped at the maximum.
func (o *Orchestrator) backoff(retry int) time.Duration {
	d := o.retry.BackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= o.retry.BackoffMax {
			return o.retry.BackoffMax
		}
	}
	if d > o.retry.BackoffMax {
		return o.retry.BackoffMax
	}
	return d
}
