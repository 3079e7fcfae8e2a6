// Package orchestrator contains the dependency-aware scheduler that turns
// a submitted job into a graph of role tasks, dispatches them to the
// executor under a bounded worker pool, and drives every task to a
// terminal status exactly once per attempt.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"devorchestra/internal/graph"
	"devorchestra/pkg/models"
)

// BuildTasks creates the fixed role topology for a job:
//
//	ingestion -> {frontend, backend, database} -> testing
//
// When the job carries legacy code, an independent legacy analysis root is
// added and backend and database gain an optional edge to it. Optional
// edges delay dispatch until the analysis is terminal but never propagate
// its failure.
func BuildTasks(job *models.Job, now time.Time) ([]*models.Task, error) {
	mk := func(role models.Role, seq int, payload any, deps ...models.Dependency) (*models.Task, error) {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", role, err)
		}
		input, err := (&models.TaskInput{Payload: raw}).Encode()
		if err != nil {
			return nil, err
		}
		status := models.TaskBlocked
		if len(deps) == 0 {
			status = models.TaskReady
		}
		return &models.Task{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			Role:      role,
			Status:    status,
			Input:     input,
			DependsOn: deps,
			// Sub-millisecond submissions still need a stable FIFO order.
			CreatedAt: now.Add(time.Duration(seq) * time.Microsecond),
		}, nil
	}

	hasLegacy := job.LegacyCode != ""
	seq := 0
	next := func() int { seq++; return seq }

	ingestion, err := mk(models.RoleIngestion, next(), map[string]any{
		"story":      job.Story,
		"has_legacy": hasLegacy,
	})
	if err != nil {
		return nil, err
	}

	var tasks []*models.Task
	tasks = append(tasks, ingestion)

	var legacyDep []models.Dependency
	if hasLegacy {
		legacy, err := mk(models.RoleLegacyAnalysis, next(), map[string]any{
			"legacy_code": job.LegacyCode,
		})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, legacy)
		legacyDep = []models.Dependency{{TaskID: legacy.ID, Optional: true}}
	}

	needsIngestion := models.Dependency{TaskID: ingestion.ID}

	frontend, err := mk(models.RoleFrontend, next(), map[string]any{}, needsIngestion)
	if err != nil {
		return nil, err
	}
	backend, err := mk(models.RoleBackend, next(), map[string]any{}, append([]models.Dependency{needsIngestion}, legacyDep...)...)
	if err != nil {
		return nil, err
	}
	database, err := mk(models.RoleDatabase, next(), map[string]any{}, append([]models.Dependency{needsIngestion}, legacyDep...)...)
	if err != nil {
		return nil, err
	}
	// Testing consumes the parsed requirements as well as the three
	// artifacts, so it carries a direct edge to ingestion even though the
	// ordering is already implied transitively.
	testing, err := mk(models.RoleTesting, next(), map[string]any{},
		needsIngestion,
		models.Dependency{TaskID: frontend.ID},
		models.Dependency{TaskID: backend.ID},
		models.Dependency{TaskID: database.ID},
	)
	if err != nil {
		return nil, err
	}

	tasks = append(tasks, frontend, backend, database, testing)
	return tasks, nil
}

// BuildInput assembles the dispatch-time input envelope for a task: its
// own payload plus the outputs of every succeeded prerequisite, keyed by
// role. Optional prerequisites that did not succeed are left out.
func BuildInput(g *graph.Graph, task *models.Task) (*models.TaskInput, error) {
	stored, err := models.DecodeTaskInput(task.Input)
	if err != nil {
		return nil, err
	}

	input := &models.TaskInput{Payload: stored.Payload}
	for _, dep := range task.DependsOn {
		prereq := g.Task(dep.TaskID)
		if prereq == nil {
			return nil, fmt.Errorf("task %s: unknown prerequisite %s", task.ID, dep.TaskID)
		}
		if prereq.Status != models.TaskSucceeded {
			if dep.Optional {
				continue
			}
			return nil, fmt.Errorf("task %s: required prerequisite %s is %s", task.ID, dep.TaskID, prereq.Status)
		}
		if input.Deps == nil {
			input.Deps = make(map[models.Role]json.RawMessage)
		}
		input.Deps[prereq.Role] = prereq.Output
	}
	return input, nil
}
