package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"devorchestra/internal/executor"
	"devorchestra/pkg/models"
)

// Directives supplies prompt refinement hints learned from previous runs.
// A nil Directives is a valid no-op.
type Directives interface {
	Directives(role models.Role) []string
}

// artifactKeys maps each role to the JSON key its artifact is published
// under.
var artifactKeys = map[models.Role]string{
	models.RoleFrontend: "component_code",
	models.RoleBackend:  "api_code",
	models.RoleDatabase: "schema_sql",
	models.RoleTesting:  "test_code",
}

var systemPrompts = map[models.Role]string{
	models.RoleFrontend: "You are a senior frontend engineer. Generate a complete, self-contained UI component for the given requirements. Respond with code only.",
	models.RoleBackend:  "You are a senior backend engineer. Generate complete REST API handler code for the given requirements. Respond with code only.",
	models.RoleDatabase: "You are a senior database engineer. Generate a complete SQL schema with tables, constraints, and indexes for the given requirements. Respond with SQL only.",
	models.RoleTesting:  "You are a senior QA engineer. Generate integration tests that exercise the provided frontend, backend, and database artifacts together. Respond with code only.",
}

// GeneratorAgent produces one role's artifact, either through the
// Anthropic API or from deterministic offline templates when no client is
// configured.
type GeneratorAgent struct {
	role       models.Role
	client     *anthropic.Client
	model      anthropic.Model
	directives Directives
}

// GeneratorConfig configures a set of generator agents.
type GeneratorConfig struct {
	// APIKey enables online generation. Empty means offline mode.
	APIKey string
	// Model selects the model for online generation.
	Model string
	// Directives is the optional feedback source. May be nil.
	Directives Directives
}

// NewGeneratorAgents builds one generator per artifact-producing role.
func NewGeneratorAgents(cfg GeneratorConfig) []*GeneratorAgent {
	var client *anthropic.Client
	if cfg.APIKey != "" {
		c := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
		client = &c
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}

	roles := []models.Role{models.RoleFrontend, models.RoleBackend, models.RoleDatabase, models.RoleTesting}
	agents := make([]*GeneratorAgent, 0, len(roles))
	for _, role := range roles {
		agents = append(agents, &GeneratorAgent{
			role:       role,
			client:     client,
			model:      model,
			directives: cfg.Directives,
		})
	}
	return agents
}

// Role implements executor.Agent.
func (a *GeneratorAgent) Role() models.Role {
	return a.role
}

// Offline reports whether the agent runs without API access.
func (a *GeneratorAgent) Offline() bool {
	return a.client == nil
}

// Run produces the role's artifact from the ingestion output and any
// prerequisite artifacts in the input envelope.
func (a *GeneratorAgent) Run(ctx context.Context, input *models.TaskInput) (json.RawMessage, error) {
	req, err := requirementsFromInput(input)
	if err != nil {
		return nil, err
	}

	var code string
	if a.client == nil {
		code = a.offlineArtifact(req, input)
	} else {
		code, err = a.generate(ctx, req, input)
		if err != nil {
			return nil, err
		}
	}

	artifact := map[string]any{
		artifactKeys[a.role]: code,
		"role":               string(a.role),
	}
	return json.Marshal(artifact)
}

func (a *GeneratorAgent) generate(ctx context.Context, req *Requirements, input *models.TaskInput) (string, error) {
	prompt := a.buildPrompt(req, input)

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: a.systemPrompt()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		// API errors are infrastructure until proven otherwise.
		return "", executor.Transientf("anthropic api: %v", err)
	}

	var text string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}
	if strings.TrimSpace(text) == "" {
		return "", executor.Permanentf("model returned no text for role %s", a.role)
	}
	return text, nil
}

func (a *GeneratorAgent) systemPrompt() string {
	prompt := systemPrompts[a.role]
	if a.directives == nil {
		return prompt
	}
	directives := a.directives.Directives(a.role)
	if len(directives) == 0 {
		return prompt
	}
	return prompt + "\n\nLessons from previous runs:\n- " + strings.Join(directives, "\n- ")
}

func (a *GeneratorAgent) buildPrompt(req *Requirements, input *models.TaskInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User story: %s\n", req.RawStory)
	fmt.Fprintf(&b, "Actor: %s\nGoal: %s\n", req.Actor, req.Goal)
	if req.Benefit != "" {
		fmt.Fprintf(&b, "Benefit: %s\n", req.Benefit)
	}
	if len(req.Features) > 0 {
		fmt.Fprintf(&b, "Features: %s\n", strings.Join(req.Features, "; "))
	}
	if len(req.Entities) > 0 {
		fmt.Fprintf(&b, "Domain entities: %s\n", strings.Join(req.Entities, ", "))
	}

	if legacy, ok := input.Dep(models.RoleLegacyAnalysis); ok {
		fmt.Fprintf(&b, "\nLegacy integration notes:\n%s\n", legacy)
	}

	if a.role == models.RoleTesting {
		for _, dep := range models.GenerationRoles {
			if out, ok := input.Dep(dep); ok {
				fmt.Fprintf(&b, "\n%s artifact:\n%s\n", dep, out)
			}
		}
	}
	return b.String()
}
