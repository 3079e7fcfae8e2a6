package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devorchestra/internal/bus"
	"devorchestra/internal/config"
	"devorchestra/internal/executor"
	"devorchestra/internal/store"
	"devorchestra/pkg/models"
)

const validStory = "As a user, I want to manage orders so that fulfillment is tracked"

// testAgent runs a configurable behavior for one role.
type testAgent struct {
	role models.Role
	run  func(ctx context.Context, input *models.TaskInput) (json.RawMessage, error)
}

func (a *testAgent) Role() models.Role { return a.role }

func (a *testAgent) Run(ctx context.Context, input *models.TaskInput) (json.RawMessage, error) {
	if a.run != nil {
		return a.run(ctx, input)
	}
	return json.RawMessage(fmt.Sprintf(`{"artifact":"%s"}`, a.role)), nil
}

type harness struct {
	orc   *Orchestrator
	store *store.DB
	bus   *bus.MemoryBus
}

// newHarness wires an orchestrator over a temp database and the in-process
// bus. Overrides replace the default always-succeed agent for a role.
func newHarness(t *testing.T, workers int, overrides map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error)) *harness {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	roles := []models.Role{
		models.RoleIngestion, models.RoleFrontend, models.RoleBackend,
		models.RoleDatabase, models.RoleTesting, models.RoleLegacyAnalysis,
	}
	agents := make([]executor.Agent, 0, len(roles))
	for _, role := range roles {
		agents = append(agents, &testAgent{role: role, run: overrides[role]})
	}
	reg, err := executor.NewRegistry(agents...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	mb := bus.NewMemoryBus()
	t.Cleanup(func() { mb.Close() })

	orc := New(Options{
		Store:   db,
		Bus:     mb,
		Exec:    executor.New(reg, func(models.Role) time.Duration { return 2 * time.Second }),
		Workers: workers,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			BackoffBase: 5 * time.Millisecond,
			BackoffMax:  20 * time.Millisecond,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orc.Shutdown(ctx)
	})

	return &harness{orc: orc, store: db, bus: mb}
}

func (h *harness) waitForJob(t *testing.T, jobID string) *models.JobView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err := h.orc.JobView(jobID)
		if err != nil {
			t.Fatalf("JobView failed: %v", err)
		}
		if view.Status.Terminal() {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	view, _ := h.orc.JobView(jobID)
	t.Fatalf("job %s never reached a terminal status, last view: %+v", jobID, view)
	return nil
}

func taskByRole(t *testing.T, view *models.JobView, role models.Role) models.TaskView {
	t.Helper()
	for _, task := range view.Tasks {
		if task.Role == role {
			return task
		}
	}
	t.Fatalf("no task with role %s in %+v", role, view.Tasks)
	return models.TaskView{}
}

func TestJobSucceedsEndToEnd(t *testing.T) {
	h := newHarness(t, 4, nil)

	job, err := h.orc.SubmitJob(validStory, "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	if len(job.TaskIDs) != 5 {
		t.Fatalf("task count = %d, want 5 without legacy code", len(job.TaskIDs))
	}

	view := h.waitForJob(t, job.ID)
	if view.Status != models.JobSucceeded {
		t.Fatalf("status = %s, want %s", view.Status, models.JobSucceeded)
	}
	for _, task := range view.Tasks {
		if task.Status != models.TaskSucceeded {
			t.Errorf("task %s (%s) = %s, want succeeded", task.ID, task.Role, task.Status)
		}
		if len(task.Output) == 0 {
			t.Errorf("task %s (%s) has no output", task.ID, task.Role)
		}
	}
}

func TestGenerationRolesRunAfterIngestionOnly(t *testing.T) {
	var mu sync.Mutex
	order := make(map[models.Role]time.Time)
	stamp := func(role models.Role) func(context.Context, *models.TaskInput) (json.RawMessage, error) {
		return func(_ context.Context, input *models.TaskInput) (json.RawMessage, error) {
			mu.Lock()
			order[role] = time.Now()
			mu.Unlock()
			if role != models.RoleIngestion {
				if _, ok := input.Dep(models.RoleIngestion); !ok {
					return nil, executor.Permanentf("dispatched without ingestion output")
				}
			}
			return json.RawMessage(`{"ok":true}`), nil
		}
	}

	overrides := map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error){}
	for _, role := range []models.Role{models.RoleIngestion, models.RoleFrontend, models.RoleBackend, models.RoleDatabase, models.RoleTesting} {
		overrides[role] = stamp(role)
	}

	h := newHarness(t, 4, overrides)
	job, err := h.orc.SubmitJob(validStory, "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	view := h.waitForJob(t, job.ID)
	if view.Status != models.JobSucceeded {
		t.Fatalf("status = %s: %+v", view.Status, view.Tasks)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, role := range models.GenerationRoles {
		if order[role].Before(order[models.RoleIngestion]) {
			t.Errorf("%s started before ingestion finished scheduling", role)
		}
		if order[models.RoleTesting].Before(order[role]) {
			t.Errorf("testing started before %s", role)
		}
	}
}

func TestBranchFailureSkipsOnlyDependents(t *testing.T) {
	h := newHarness(t, 4, map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error){
		models.RoleFrontend: func(context.Context, *models.TaskInput) (json.RawMessage, error) {
			return nil, executor.Permanentf("template engine rejected the layout")
		},
	})

	job, err := h.orc.SubmitJob(validStory, "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	view := h.waitForJob(t, job.ID)

	if view.Status != models.JobPartiallyFailed {
		t.Fatalf("status = %s, want %s", view.Status, models.JobPartiallyFailed)
	}
	if got := taskByRole(t, view, models.RoleFrontend); got.Status != models.TaskFailed {
		t.Errorf("frontend = %s, want failed", got.Status)
	}
	if got := taskByRole(t, view, models.RoleTesting); got.Status != models.TaskSkipped {
		t.Errorf("testing = %s, want skipped", got.Status)
	}
	for _, role := range []models.Role{models.RoleBackend, models.RoleDatabase} {
		if got := taskByRole(t, view, role); got.Status != models.TaskSucceeded {
			t.Errorf("%s = %s, want succeeded despite sibling failure", role, got.Status)
		}
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	h := newHarness(t, 4, map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error){
		models.RoleBackend: func(context.Context, *models.TaskInput) (json.RawMessage, error) {
			if attempts.Add(1) < 3 {
				return nil, executor.Transientf("connection reset")
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	})

	job, err := h.orc.SubmitJob(validStory, "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	view := h.waitForJob(t, job.ID)

	if view.Status != models.JobSucceeded {
		t.Fatalf("status = %s: %+v", view.Status, view.Tasks)
	}
	backend := taskByRole(t, view, models.RoleBackend)
	if backend.RetryCount != 2 {
		t.Errorf("backend retries = %d, want 2", backend.RetryCount)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("backend executed %d times, want 3", got)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	var attempts atomic.Int32
	h := newHarness(t, 4, map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error){
		models.RoleDatabase: func(context.Context, *models.TaskInput) (json.RawMessage, error) {
			attempts.Add(1)
			return nil, executor.Transientf("broker unavailable")
		},
	})

	job, err := h.orc.SubmitJob(validStory, "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	view := h.waitForJob(t, job.ID)

	if view.Status != models.JobPartiallyFailed {
		t.Fatalf("status = %s, want partially_failed", view.Status)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("database executed %d times, want max attempts 3", got)
	}
	db := taskByRole(t, view, models.RoleDatabase)
	if db.Status != models.TaskFailed || db.LastError == "" {
		t.Errorf("database = %s (%q), want failed with last error", db.Status, db.LastError)
	}
}

func TestInvalidInputNeverRetries(t *testing.T) {
	var attempts atomic.Int32
	h := newHarness(t, 4, map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error){
		models.RoleIngestion: func(context.Context, *models.TaskInput) (json.RawMessage, error) {
			attempts.Add(1)
			return nil, executor.Invalidf("story text is gibberish")
		},
	})

	job, err := h.orc.SubmitJob("not a real story", "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	view := h.waitForJob(t, job.ID)

	if view.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed when ingestion is lost", view.Status)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("ingestion executed %d times, want exactly 1", got)
	}
	for _, role := range []models.Role{models.RoleFrontend, models.RoleBackend, models.RoleDatabase, models.RoleTesting} {
		if got := taskByRole(t, view, role); got.Status != models.TaskSkipped {
			t.Errorf("%s = %s, want skipped", role, got.Status)
		}
	}
}

func TestSubmitJobRejectsEmptyStory(t *testing.T) {
	h := newHarness(t, 4, nil)
	if _, err := h.orc.SubmitJob("   ", ""); err == nil {
		t.Error("expected error for empty story")
	}
}

func TestLegacyBranch(t *testing.T) {
	sawLegacy := make(map[models.Role]bool)
	var mu sync.Mutex
	note := func(role models.Role) func(context.Context, *models.TaskInput) (json.RawMessage, error) {
		return func(_ context.Context, input *models.TaskInput) (json.RawMessage, error) {
			_, ok := input.Dep(models.RoleLegacyAnalysis)
			mu.Lock()
			sawLegacy[role] = ok
			mu.Unlock()
			return json.RawMessage(`{"ok":true}`), nil
		}
	}

	h := newHarness(t, 4, map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error){
		models.RoleBackend:  note(models.RoleBackend),
		models.RoleDatabase: note(models.RoleDatabase),
		models.RoleFrontend: note(models.RoleFrontend),
	})

	job, err := h.orc.SubmitJob(validStory, "def handler(): pass")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	if len(job.TaskIDs) != 6 {
		t.Fatalf("task count = %d, want 6 with legacy code", len(job.TaskIDs))
	}

	view := h.waitForJob(t, job.ID)
	if view.Status != models.JobSucceeded {
		t.Fatalf("status = %s: %+v", view.Status, view.Tasks)
	}

	mu.Lock()
	defer mu.Unlock()
	if !sawLegacy[models.RoleBackend] || !sawLegacy[models.RoleDatabase] {
		t.Errorf("backend/database should receive legacy analysis output: %v", sawLegacy)
	}
	if sawLegacy[models.RoleFrontend] {
		t.Error("frontend should not receive legacy analysis output")
	}
}

func TestLegacyFailureDoesNotSkipDependents(t *testing.T) {
	h := newHarness(t, 4, map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error){
		models.RoleLegacyAnalysis: func(context.Context, *models.TaskInput) (json.RawMessage, error) {
			return nil, executor.Permanentf("unparseable legacy source")
		},
	})

	job, err := h.orc.SubmitJob(validStory, "binary blob")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	view := h.waitForJob(t, job.ID)

	if got := taskByRole(t, view, models.RoleLegacyAnalysis); got.Status != models.TaskFailed {
		t.Fatalf("legacy = %s, want failed", got.Status)
	}
	for _, role := range []models.Role{models.RoleBackend, models.RoleDatabase, models.RoleTesting} {
		if got := taskByRole(t, view, role); got.Status != models.TaskSucceeded {
			t.Errorf("%s = %s, want succeeded past optional prerequisite failure", role, got.Status)
		}
	}
	if view.Status != models.JobPartiallyFailed {
		t.Errorf("status = %s, want partially_failed", view.Status)
	}
}

func TestWorkerPoolBound(t *testing.T) {
	const workers = 2
	var current, peak atomic.Int32
	slow := func(ctx context.Context, _ *models.TaskInput) (json.RawMessage, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return json.RawMessage(`{"ok":true}`), nil
	}

	overrides := map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error){}
	for _, role := range []models.Role{models.RoleIngestion, models.RoleFrontend, models.RoleBackend, models.RoleDatabase, models.RoleTesting} {
		overrides[role] = slow
	}

	h := newHarness(t, workers, overrides)
	job, err := h.orc.SubmitJob(validStory, "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	h.waitForJob(t, job.ID)

	if got := peak.Load(); got > workers {
		t.Errorf("peak concurrency = %d, want at most %d", got, workers)
	}
}

func TestDuplicateBusEventsAreIgnored(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, 4, map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error){
		models.RoleTesting: func(ctx context.Context, _ *models.TaskInput) (json.RawMessage, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	})

	job, err := h.orc.SubmitJob(validStory, "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	// Wait until the generation tasks have succeeded, then replay their
	// success events onto the job topic while testing is still inflight.
	deadline := time.Now().Add(5 * time.Second)
	var frontend models.TaskView
	for time.Now().Before(deadline) {
		view, err := h.orc.JobView(job.ID)
		if err != nil {
			t.Fatalf("JobView failed: %v", err)
		}
		frontend = taskByRole(t, view, models.RoleFrontend)
		if frontend.Status == models.TaskSucceeded {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if frontend.Status != models.TaskSucceeded {
		t.Fatal("frontend never succeeded")
	}

	for i := 0; i < 5; i++ {
		h.bus.Publish(context.Background(), bus.JobTopic(job.ID), models.Event{
			JobID:     job.ID,
			TaskID:    frontend.ID,
			Kind:      models.EventSucceeded,
			Attempt:   1,
			Timestamp: time.Now(),
			Payload:   json.RawMessage(`{"forged":true}`),
		})
	}
	close(release)

	view := h.waitForJob(t, job.ID)
	if view.Status != models.JobSucceeded {
		t.Fatalf("status = %s: %+v", view.Status, view.Tasks)
	}
	got := taskByRole(t, view, models.RoleFrontend)
	if string(got.Output) == `{"forged":true}` {
		t.Error("duplicate event overwrote a settled task's output")
	}
}

func TestCancelSkipsRemainingTasks(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, 4, map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error){
		models.RoleFrontend: func(ctx context.Context, _ *models.TaskInput) (json.RawMessage, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	job, err := h.orc.SubmitJob(validStory, "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("frontend never started")
	}

	if err := h.orc.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	view := h.waitForJob(t, job.ID)
	if !view.Status.Terminal() {
		t.Fatalf("status = %s, want terminal after cancel", view.Status)
	}
	if got := taskByRole(t, view, models.RoleTesting); got.Status != models.TaskSkipped {
		t.Errorf("testing = %s, want skipped after cancel", got.Status)
	}

	// Cancelling again is a no-op.
	if err := h.orc.Cancel(job.ID); err != nil {
		t.Errorf("second Cancel returned %v", err)
	}
}

func TestResumeAfterCrash(t *testing.T) {
	h := newHarness(t, 4, nil)

	// Simulate a crash: persist a running job whose ingestion was
	// dispatched but never finished.
	job := &models.Job{
		ID:        "job-crashed",
		Story:     validStory,
		Status:    models.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	tasks, err := BuildTasks(job, job.CreatedAt)
	if err != nil {
		t.Fatalf("BuildTasks failed: %v", err)
	}
	if err := h.store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	for _, task := range tasks {
		if task.Role == models.RoleIngestion {
			task.Status = models.TaskDispatched
			task.Attempt = 1
		}
		if err := h.store.CreateTask(task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}
	if err := h.store.UpdateJobStatus(job.ID, models.JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}

	result, err := h.store.RecoverInterrupted(3)
	if err != nil {
		t.Fatalf("RecoverInterrupted failed: %v", err)
	}
	if result.TasksRequeued != 1 {
		t.Fatalf("requeued = %d, want 1", result.TasksRequeued)
	}

	resumed, err := h.orc.Resume()
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("resumed = %d, want 1", resumed)
	}

	view := h.waitForJob(t, job.ID)
	if view.Status != models.JobSucceeded {
		t.Fatalf("status = %s: %+v", view.Status, view.Tasks)
	}
	if got := taskByRole(t, view, models.RoleIngestion); got.RetryCount != 1 {
		t.Errorf("ingestion retry count = %d, want 1 after crash requeue", got.RetryCount)
	}
}

func TestJobViewStalledDiagnostic(t *testing.T) {
	h := newHarness(t, 4, nil)

	// A running job with no engine is the stalled case.
	job := &models.Job{
		ID:        "job-stranded",
		Story:     validStory,
		Status:    models.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	tasks, _ := BuildTasks(job, job.CreatedAt)
	if err := h.store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	for _, task := range tasks {
		if err := h.store.CreateTask(task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	view, err := h.orc.JobView(job.ID)
	if err != nil {
		t.Fatalf("JobView failed: %v", err)
	}
	if !view.Stalled {
		t.Error("stranded job should report stalled")
	}

	// A live job must not.
	live, err := h.orc.SubmitJob(validStory, "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	liveView, err := h.orc.JobView(live.ID)
	if err != nil {
		t.Fatalf("JobView failed: %v", err)
	}
	if !liveView.Status.Terminal() && liveView.Stalled {
		t.Error("live job reported stalled")
	}
}

func TestTestingDependsOnIngestionDirectly(t *testing.T) {
	job := &models.Job{ID: "job-topo", Story: validStory, CreatedAt: time.Now().UTC()}
	tasks, err := BuildTasks(job, job.CreatedAt)
	if err != nil {
		t.Fatalf("BuildTasks failed: %v", err)
	}

	byRole := make(map[models.Role]*models.Task)
	for _, task := range tasks {
		byRole[task.Role] = task
	}

	found := false
	for _, dep := range byRole[models.RoleTesting].DependsOn {
		if dep.TaskID == byRole[models.RoleIngestion].ID {
			found = true
			if dep.Optional {
				t.Error("testing's edge to ingestion must be required")
			}
		}
	}
	if !found {
		t.Error("testing has no direct edge to ingestion")
	}

	if got := byRole[models.RoleIngestion].Status; got != models.TaskReady {
		t.Errorf("ingestion created as %s, want ready for a root", got)
	}
	for _, role := range []models.Role{models.RoleFrontend, models.RoleBackend, models.RoleDatabase, models.RoleTesting} {
		if got := byRole[role].Status; got != models.TaskBlocked {
			t.Errorf("%s created as %s, want blocked", role, got)
		}
	}
}

func TestTestingTaskReceivesIngestionOutput(t *testing.T) {
	var sawIngestion atomic.Bool
	h := newHarness(t, 4, map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error){
		models.RoleTesting: func(_ context.Context, input *models.TaskInput) (json.RawMessage, error) {
			raw, ok := input.Dep(models.RoleIngestion)
			if !ok || len(raw) == 0 {
				return nil, executor.Invalidf("missing ingestion output")
			}
			sawIngestion.Store(true)
			return json.RawMessage(`{"ok":true}`), nil
		},
	})

	job, err := h.orc.SubmitJob(validStory, "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	view := h.waitForJob(t, job.ID)
	if view.Status != models.JobSucceeded {
		t.Fatalf("status = %s: %+v", view.Status, view.Tasks)
	}
	if !sawIngestion.Load() {
		t.Error("testing never received the ingestion output")
	}
}

// flakyStore fails a configured number of succeeded-task writes before
// delegating to the real store.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) UpdateTask(task *models.Task) error {
	if task.Status == models.TaskSucceeded {
		s.mu.Lock()
		n := s.failures
		if n > 0 {
			s.failures--
		}
		s.mu.Unlock()
		if n > 0 {
			return fmt.Errorf("disk briefly unavailable")
		}
	}
	return s.Store.UpdateTask(task)
}

func TestSuccessPersistFailureReExecutesTask(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	// Eat every retry of the first success write so the transition is
	// abandoned and the attempt re-executed.
	flaky := &flakyStore{Store: db, failures: persistAttempts}

	var ingestionRuns atomic.Int32
	var agents []executor.Agent
	for _, role := range []models.Role{models.RoleIngestion, models.RoleFrontend, models.RoleBackend, models.RoleDatabase, models.RoleTesting} {
		agents = append(agents, &testAgent{role: role})
	}
	agents[0] = &testAgent{role: models.RoleIngestion, run: func(context.Context, *models.TaskInput) (json.RawMessage, error) {
		ingestionRuns.Add(1)
		return json.RawMessage(`{"ok":true}`), nil
	}}
	reg, err := executor.NewRegistry(agents...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	mb := bus.NewMemoryBus()
	t.Cleanup(func() { mb.Close() })

	orc := New(Options{
		Store:   flaky,
		Bus:     mb,
		Exec:    executor.New(reg, func(models.Role) time.Duration { return 2 * time.Second }),
		Workers: 4,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			BackoffBase: 5 * time.Millisecond,
			BackoffMax:  20 * time.Millisecond,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orc.Shutdown(ctx)
	})

	job, err := orc.SubmitJob(validStory, "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	var view *models.JobView
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err = orc.JobView(job.ID)
		if err != nil {
			t.Fatalf("JobView failed: %v", err)
		}
		if view.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if view == nil || view.Status != models.JobSucceeded {
		t.Fatalf("job never succeeded: %+v", view)
	}

	if got := ingestionRuns.Load(); got != 2 {
		t.Errorf("ingestion executed %d times, want 2 after unrecorded success", got)
	}
	ingestion := taskByRole(t, view, models.RoleIngestion)
	if ingestion.RetryCount != 1 {
		t.Errorf("ingestion retry count = %d, want 1", ingestion.RetryCount)
	}
	if ingestion.Status != models.TaskSucceeded || len(ingestion.Output) == 0 {
		t.Errorf("stored ingestion = %s (output %d bytes), want succeeded with output", ingestion.Status, len(ingestion.Output))
	}
}

func TestRunningAttemptEmitsHeartbeats(t *testing.T) {
	old := heartbeatInterval
	heartbeatInterval = 5 * time.Millisecond
	t.Cleanup(func() { heartbeatInterval = old })

	release := make(chan struct{})
	h := newHarness(t, 4, map[models.Role]func(context.Context, *models.TaskInput) (json.RawMessage, error){
		models.RoleIngestion: func(ctx context.Context, _ *models.TaskInput) (json.RawMessage, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	})

	sub, err := h.bus.Subscribe(context.Background(), bus.TopicAllJobs)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { sub.Close() })

	job, err := h.orc.SubmitJob(validStory, "")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	beats := 0
	timeout := time.After(2 * time.Second)
	for beats < 2 {
		select {
		case ev := <-sub.Events():
			if ev.JobID == job.ID && ev.Kind == models.EventHeartbeat {
				beats++
			}
		case <-timeout:
			t.Fatalf("saw %d heartbeat(s), want at least 2", beats)
		}
	}

	close(release)
	view := h.waitForJob(t, job.ID)
	if view.Status != models.JobSucceeded {
		t.Fatalf("status = %s: %+v", view.Status, view.Tasks)
	}
}
