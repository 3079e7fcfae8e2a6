package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"devorchestra/pkg/models"
)

// Agent produces a role's output artifact from a task input envelope.
// Implementations live in the agents package; the executor never knows
// whether it is talking to an API-backed or an offline agent.
type Agent interface {
	// Role returns the single role this agent serves.
	Role() models.Role
	// Run produces the output artifact. Errors should be pre-classified
	// with the failure constructors where the agent knows better than the
	// default classification.
	Run(ctx context.Context, input *models.TaskInput) (json.RawMessage, error)
}

// Registry is an immutable role-to-agent table built once at startup.
type Registry struct {
	agents map[models.Role]Agent
}

// NewRegistry builds a registry from the given agents. Duplicate roles are
// a wiring bug and rejected outright.
func NewRegistry(agents ...Agent) (*Registry, error) {
	m := make(map[models.Role]Agent, len(agents))
	for _, a := range agents {
		if _, dup := m[a.Role()]; dup {
			return nil, fmt.Errorf("duplicate agent for role %s", a.Role())
		}
		m[a.Role()] = a
	}
	return &Registry{agents: m}, nil
}

// Get returns the agent for a role.
func (r *Registry) Get(role models.Role) (Agent, bool) {
	a, ok := r.agents[role]
	return a, ok
}

// Roles lists the registered roles.
func (r *Registry) Roles() []models.Role {
	roles := make([]models.Role, 0, len(r.agents))
	for role := range r.agents {
		roles = append(roles, role)
	}
	return roles
}

// Executor runs one task attempt against the registered agent for its
// role, enforcing the role's timeout and classifying any failure.
type Executor struct {
	registry *Registry
	timeout  func(models.Role) time.Duration
}

// New creates an executor. The timeout function maps a role to its
// execution deadline.
func New(registry *Registry, timeout func(models.Role) time.Duration) *Executor {
	return &Executor{registry: registry, timeout: timeout}
}

// Execute runs a single attempt. The returned error, when non-nil, is
// always a *Failure. A context deadline produces a timeout failure; an
// unknown role or a nil input envelope is invalid input.
func (e *Executor) Execute(ctx context.Context, role models.Role, input *models.TaskInput) (json.RawMessage, *Failure) {
	agent, ok := e.registry.Get(role)
	if !ok {
		return nil, Invalidf("no agent registered for role %s", role)
	}
	if input == nil {
		return nil, Invalidf("nil input envelope for role %s", role)
	}

	deadline := e.timeout(role)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	output, err := agent.Run(runCtx, input)
	if err != nil {
		// The agent may return its own error while the real cause is the
		// expired deadline.
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, &Failure{
				Kind: FailureTimeout,
				Err:  fmt.Errorf("role %s exceeded %s: %w", role, deadline, err),
			}
		}
		failure := Classify(err)
		log.Printf("[executor] %s attempt failed after %s: %v", role, time.Since(start).Round(time.Millisecond), failure)
		return nil, failure
	}

	if len(output) == 0 {
		return nil, Permanentf("role %s produced empty output", role)
	}
	return output, nil
}
