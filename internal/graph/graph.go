// Package graph provides the per-job dependency graph used for task
// scheduling. The graph is built once from a fixed role topology and is
// never mutated mid-run; task statuses live on the tasks themselves.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"devorchestra/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// Graph is a directed acyclic graph of task dependencies. Nodes are tasks,
// edges represent "prerequisite of" relationships.
type Graph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to its prerequisite edges.
	edges map[string][]models.Dependency
}

// New creates a new empty dependency graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*models.Task),
		edges: make(map[string][]models.Dependency),
	}
}

// Build constructs the graph from a slice of tasks. Returns an error if a
// dependency references an unknown task or a cycle is detected.
func (g *Graph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if _, exists := g.nodes[dep.TaskID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, dep.TaskID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], dep)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// hasCycleLocked detects back edges with DFS coloring. Caller must hold g.mu.
func (g *Graph) hasCycleLocked() bool {
	// 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, dep := range g.edges[id] {
			switch colors[dep.TaskID] {
			case 1:
				return true
			case 0:
				if visit(dep.TaskID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// Ready returns the tasks whose prerequisites are all satisfied and that have
// not yet been dispatched. A required prerequisite is satisfied only by
// success; an optional prerequisite is satisfied by any terminal status.
// Results are sorted FIFO by creation time so a saturated pool drains in
// submission order.
func (g *Graph) Ready() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*models.Task
	for id, task := range g.nodes {
		if task.Status != models.TaskBlocked && task.Status != models.TaskReady {
			continue
		}
		if g.depsSatisfiedLocked(id) {
			ready = append(ready, task)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

// DepsSatisfied reports whether every prerequisite of the task is satisfied.
// The check is order-independent: it re-evaluates the full prerequisite set
// against current statuses, so duplicate or reordered completion events
// cannot change the answer.
func (g *Graph) DepsSatisfied(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.depsSatisfiedLocked(taskID)
}

func (g *Graph) depsSatisfiedLocked(taskID string) bool {
	for _, dep := range g.edges[taskID] {
		prereq, exists := g.nodes[dep.TaskID]
		if !exists {
			return false
		}
		if dep.Optional {
			if !prereq.Status.Terminal() {
				return false
			}
			continue
		}
		if prereq.Status != models.TaskSucceeded {
			return false
		}
	}
	return true
}

// Task returns the task for a given ID, or nil if not found.
func (g *Graph) Task(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Tasks returns all tasks in the graph in creation order.
func (g *Graph) Tasks() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*models.Task, 0, len(g.nodes))
	for _, t := range g.nodes {
		tasks = append(tasks, t)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Size returns the number of tasks in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependents returns the IDs of tasks that list taskID as a prerequisite,
// optionally restricted to required (non-optional) edges.
func (g *Graph) Dependents(taskID string, requiredOnly bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(taskID, requiredOnly)
}

func (g *Graph) dependentsLocked(taskID string, requiredOnly bool) []string {
	var dependents []string
	for id, deps := range g.edges {
		for _, dep := range deps {
			if dep.TaskID != taskID {
				continue
			}
			if requiredOnly && dep.Optional {
				continue
			}
			dependents = append(dependents, id)
			break
		}
	}
	return dependents
}

// TransitiveDependents returns every task that transitively depends on
// taskID through required edges. Used to propagate skips when a required
// task fails terminally.
func (g *Graph) TransitiveDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	queue := []string{taskID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependentsLocked(current, true) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	return out
}

// AllTerminal returns true once every task in the graph reached a terminal
// status. This is the scheduler's fixed point.
func (g *Graph) AllTerminal() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, task := range g.nodes {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}
