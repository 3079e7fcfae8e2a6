package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"devorchestra/internal/bus"
	"devorchestra/internal/executor"
	"devorchestra/internal/feedback"
	"devorchestra/internal/graph"
	"devorchestra/pkg/models"
)

// engine drives one job to completion. It is the single writer for every
// task in its graph: workers and bus subscribers only ever hand it events,
// so no task transition can race another.
type engine struct {
	orc   *Orchestrator
	jobID string
	g     *graph.Graph

	events   chan models.Event
	retryCh  chan string
	cancelCh chan struct{}
	loopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	// settled records (task, attempt) pairs whose terminal event has been
	// applied, so duplicate deliveries from the bus are no-ops.
	settled      map[string]bool
	inflight     map[string]bool
	pendingRetry map[string]bool
	cancelled    bool

	workers sync.WaitGroup
}

func newEngine(orc *Orchestrator, jobID string, g *graph.Graph) *engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &engine{
		orc:          orc,
		jobID:        jobID,
		g:            g,
		events:       make(chan models.Event, 64),
		retryCh:      make(chan string, 16),
		cancelCh:     make(chan struct{}, 1),
		loopDone:     make(chan struct{}),
		runCtx:       ctx,
		runCancel:    cancel,
		settled:      make(map[string]bool),
		inflight:     make(map[string]bool),
		pendingRetry: make(map[string]bool),
	}
}

// cancel requests job cancellation. Safe to call multiple times and after
// the engine has finished.
func (e *engine) cancel() {
	select {
	case e.cancelCh <- struct{}{}:
	case <-e.loopDone:
	default:
	}
}

func (e *engine) run() {
	if err := e.orc.store.UpdateJobStatus(e.jobID, models.JobRunning); err != nil {
		log.Printf("[orchestrator] job %s: mark running: %v", e.jobID, err)
	}

	sub := e.subscribeOwnTopic()

	e.dispatchReady()

	for !e.g.AllTerminal() {
		select {
		case ev := <-e.events:
			e.handleEvent(ev)
		case taskID := <-e.retryCh:
			e.handleRetryDue(taskID)
		case <-e.cancelCh:
			e.handleCancel()
		}
	}

	e.finalize()
	close(e.loopDone)
	e.workers.Wait()
	if sub != nil {
		sub.Close()
	}
	e.runCancel()
}

// subscribeOwnTopic feeds the engine its own bus traffic. External
// publishers (or the engine's own workers, redelivered) exercise the same
// idempotent path as direct worker events.
func (e *engine) subscribeOwnTopic() bus.Subscription {
	sub, err := e.orc.bus.Subscribe(e.runCtx, bus.JobTopic(e.jobID))
	if err != nil {
		log.Printf("[orchestrator] job %s: bus subscribe: %v", e.jobID, err)
		return nil
	}
	go func() {
		for ev := range sub.Events() {
			select {
			case e.events <- ev:
			case <-e.loopDone:
				return
			}
		}
	}()
	return sub
}

// dispatchReady moves every dispatchable task to dispatched, persists the
// transition, then hands it to a worker. The store write always precedes
// the dispatch: a task observed dispatched in the store may have run, a
// task never observed dispatched cannot have.
func (e *engine) dispatchReady() {
	if e.cancelled {
		return
	}
	for _, task := range e.g.Ready() {
		if e.pendingRetry[task.ID] || e.inflight[task.ID] {
			continue
		}

		input, err := BuildInput(e.g, task)
		if err != nil {
			e.applyFailure(task, &executor.Failure{Kind: executor.FailurePermanent, Err: err})
			continue
		}
		encoded, err := input.Encode()
		if err != nil {
			e.applyFailure(task, &executor.Failure{Kind: executor.FailurePermanent, Err: err})
			continue
		}

		task.Attempt++
		task.Status = models.TaskDispatched
		task.Input = encoded
		if err := e.orc.store.UpdateTask(task); err != nil {
			// Not persisted, so not dispatched. Treat like a transient
			// attempt failure and let the retry budget decide.
			task.Attempt--
			task.Status = models.TaskReady
			e.applyFailure(task, &executor.Failure{
				Kind: executor.FailureTransient,
				Err:  fmt.Errorf("persist dispatch: %w", err),
			})
			continue
		}

		e.publish(models.Event{
			JobID:     e.jobID,
			TaskID:    task.ID,
			Kind:      models.EventAssigned,
			Attempt:   task.Attempt,
			Timestamp: time.Now().UTC(),
		})

		e.inflight[task.ID] = true
		e.workers.Add(1)
		go e.runTask(task.ID, task.Role, task.Attempt, input)
	}
}

// runTask executes one attempt under the shared worker semaphore and
// reports the outcome as events. It never touches the graph directly.
func (e *engine) runTask(taskID string, role models.Role, attempt int, input *models.TaskInput) {
	defer e.workers.Done()

	select {
	case e.orc.sem <- struct{}{}:
		defer func() { <-e.orc.sem }()
	case <-e.runCtx.Done():
		e.emit(models.Event{
			JobID:       e.jobID,
			TaskID:      taskID,
			Kind:        models.EventFailed,
			Attempt:     attempt,
			Timestamp:   time.Now().UTC(),
			Error:       "job cancelled before execution",
			FailureKind: string(executor.FailureTransient),
		})
		return
	}

	e.emit(models.Event{
		JobID:     e.jobID,
		TaskID:    taskID,
		Kind:      models.EventStarted,
		Attempt:   attempt,
		Timestamp: time.Now().UTC(),
	})

	hbStop := make(chan struct{})
	go e.heartbeat(taskID, attempt, hbStop)
	output, failure := e.orc.exec.Execute(e.runCtx, role, input)
	close(hbStop)
	if failure != nil {
		e.emit(models.Event{
			JobID:       e.jobID,
			TaskID:      taskID,
			Kind:        models.EventFailed,
			Attempt:     attempt,
			Timestamp:   time.Now().UTC(),
			Error:       failure.Error(),
			FailureKind: string(failure.Kind),
		})
		return
	}

	e.emit(models.Event{
		JobID:     e.jobID,
		TaskID:    taskID,
		Kind:      models.EventSucceeded,
		Attempt:   attempt,
		Timestamp: time.Now().UTC(),
		Payload:   output,
	})
}

// heartbeatInterval is how often a running attempt reports liveness on
// the bus. Variable so tests can shorten it.
var heartbeatInterval = 15 * time.Second

// heartbeat publishes liveness events for an executing attempt. Bus-only:
// the run loop has no case for them and subscribers use them to tell a
// slow generation from a dead one.
func (e *engine) heartbeat(taskID string, attempt int, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.publish(models.Event{
				JobID:     e.jobID,
				TaskID:    taskID,
				Kind:      models.EventHeartbeat,
				Attempt:   attempt,
				Timestamp: time.Now().UTC(),
			})
		case <-stop:
			return
		case <-e.runCtx.Done():
			return
		}
	}
}

// emit delivers an event to the run loop and mirrors it onto the bus. The
// direct channel is the reliable path; the bus copy is for observers and
// arrives as a duplicate the loop discards.
func (e *engine) emit(ev models.Event) {
	select {
	case e.events <- ev:
	case <-e.loopDone:
		return
	}
	e.publish(ev)
}

// publish mirrors an event onto the bus. Failures cost observer
// visibility only.
func (e *engine) publish(ev models.Event) {
	if err := e.orc.bus.Publish(e.runCtx, bus.JobTopic(e.jobID), ev); err != nil {
		log.Printf("[orchestrator] job %s: publish %s for task %s: %v", e.jobID, ev.Kind, ev.TaskID, err)
	}
}

func (e *engine) handleEvent(ev models.Event) {
	task := e.g.Task(ev.TaskID)
	if task == nil || ev.JobID != e.jobID {
		return
	}

	switch ev.Kind {
	case models.EventStarted:
		if task.Status == models.TaskDispatched && ev.Attempt == task.Attempt {
			task.Status = models.TaskRunning
			ts := ev.Timestamp
			task.StartedAt = &ts
			e.persist(task)
		}

	case models.EventSucceeded:
		if !e.settle(task, ev) {
			return
		}
		task.Status = models.TaskSucceeded
		task.Output = ev.Payload
		task.LastError = ""
		ts := ev.Timestamp
		task.CompletedAt = &ts
		if err := e.persist(task); err != nil {
			// Dependents must not be dispatched off an unrecorded success.
			// Re-execute the attempt instead, the same outcome a crash at
			// this point would have produced.
			task.Output = nil
			task.CompletedAt = nil
			e.applyFailure(task, &executor.Failure{
				Kind: executor.FailureTransient,
				Err:  fmt.Errorf("persist success: %w", err),
			})
			return
		}

		e.orc.refiner.Observe(feedback.Observation{
			Role:      task.Role,
			Succeeded: true,
			Retries:   task.RetryCount,
		})
		log.Printf("[orchestrator] job %s: task %s (%s) succeeded", e.jobID, task.ID, task.Role)
		e.dispatchReady()

	case models.EventFailed:
		if !e.settle(task, ev) {
			return
		}
		e.applyFailure(task, &executor.Failure{
			Kind: executor.FailureKind(ev.FailureKind),
			Err:  fmt.Errorf("%s", ev.Error),
		})
	}
}

// settle validates a terminal event against the task's current attempt
// and records it, returning false for duplicates, stale attempts, and
// already-terminal tasks.
func (e *engine) settle(task *models.Task, ev models.Event) bool {
	if task.Status.Terminal() || ev.Attempt != task.Attempt {
		return false
	}
	key := fmt.Sprintf("%s#%d", task.ID, ev.Attempt)
	if e.settled[key] {
		return false
	}
	e.settled[key] = true
	delete(e.inflight, task.ID)
	return true
}

// applyFailure decides between retry, terminal failure, and cancellation
// skip for a failed attempt.
func (e *engine) applyFailure(task *models.Task, failure *executor.Failure) {
	now := time.Now().UTC()
	task.LastError = failure.Error()

	if e.cancelled {
		task.Status = models.TaskSkipped
		task.CompletedAt = &now
		e.persist(task)
		return
	}

	if failure.Kind.Retryable() && task.RetryCount+1 < e.orc.retry.MaxAttempts {
		task.RetryCount++
		task.Status = models.TaskReady
		task.StartedAt = nil
		e.persist(task)

		e.pendingRetry[task.ID] = true
		delay := e.orc.backoff(task.RetryCount)
		log.Printf("[orchestrator] job %s: task %s (%s) retry %d in %s: %v",
			e.jobID, task.ID, task.Role, task.RetryCount, delay, failure)
		taskID := task.ID
		time.AfterFunc(delay, func() {
			select {
			case e.retryCh <- taskID:
			case <-e.loopDone:
			}
		})
		return
	}

	task.Status = models.TaskFailed
	task.CompletedAt = &now
	e.persist(task)

	e.orc.refiner.Observe(feedback.Observation{
		Role:        task.Role,
		FailureKind: string(failure.Kind),
		Error:       failure.Err.Error(),
		Retries:     task.RetryCount,
	})
	log.Printf("[orchestrator] job %s: task %s (%s) failed: %v", e.jobID, task.ID, task.Role, failure)

	e.skipDependents(task.ID, now)
	// A failed optional prerequisite is now terminal, which can unblock
	// its dependents.
	e.dispatchReady()
}

// skipDependents marks every transitive required dependent of a failed
// task as skipped.
func (e *engine) skipDependents(taskID string, now time.Time) {
	for _, depID := range e.g.TransitiveDependents(taskID) {
		dep := e.g.Task(depID)
		if dep == nil || dep.Status.Terminal() || e.inflight[depID] {
			continue
		}
		dep.Status = models.TaskSkipped
		dep.CompletedAt = &now
		delete(e.pendingRetry, depID)
		e.persist(dep)
		log.Printf("[orchestrator] job %s: task %s (%s) skipped", e.jobID, dep.ID, dep.Role)
	}
}

func (e *engine) handleRetryDue(taskID string) {
	delete(e.pendingRetry, taskID)
	if e.cancelled {
		return
	}
	e.dispatchReady()
}

// handleCancel skips everything that has no live worker and cancels the
// workers' context. Inflight attempts report back through the normal
// event path and are skipped there.
func (e *engine) handleCancel() {
	if e.cancelled {
		return
	}
	e.cancelled = true
	e.runCancel()
	log.Printf("[orchestrator] job %s: cancelling", e.jobID)

	now := time.Now().UTC()
	for _, task := range e.g.Tasks() {
		if task.Status.Terminal() || e.inflight[task.ID] {
			continue
		}
		task.Status = models.TaskSkipped
		task.CompletedAt = &now
		delete(e.pendingRetry, task.ID)
		e.persist(task)
	}
}

// persistAttempts bounds how often a state write is retried before the
// transition is abandoned. Local SQLite contention clears within a few
// tries or not at all.
const persistAttempts = 3

func (e *engine) persist(task *models.Task) error {
	var err error
	for i := 0; i < persistAttempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
		}
		if err = e.orc.store.UpdateTask(task); err == nil {
			return nil
		}
	}
	log.Printf("[orchestrator] job %s: persist task %s: %v", e.jobID, task.ID, err)
	return err
}

func (e *engine) finalize() {
	status := finalStatus(e.g.Tasks())
	var err error
	for i := 0; i < persistAttempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
		}
		if err = e.orc.store.UpdateJobStatus(e.jobID, status); err == nil {
			break
		}
	}
	if err != nil {
		// The store still shows the job running; status queries will
		// report it stalled until a restart recovers it.
		log.Printf("[orchestrator] job %s: finalize: %v", e.jobID, err)
		return
	}
	log.Printf("[orchestrator] job %s: %s", e.jobID, status)
}
