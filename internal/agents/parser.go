// Package agents implements the role agents: story ingestion, the three
// artifact generators, legacy analysis, and test generation. Every agent
// satisfies the executor's Agent interface and can run offline with
// deterministic output when no API key is configured.
package agents

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"devorchestra/internal/executor"
	"devorchestra/pkg/models"
)

// Requirements is the structured output of the ingestion agent. Every
// downstream generator consumes it instead of re-reading the raw story.
type Requirements struct {
	Actor     string   `json:"actor"`
	Goal      string   `json:"goal"`
	Benefit   string   `json:"benefit,omitempty"`
	Features  []string `json:"features"`
	Entities  []string `json:"entities"`
	RawStory  string   `json:"raw_story"`
	HasLegacy bool     `json:"has_legacy"`
}

// storyPattern matches the canonical "As a X, I want Y so that Z" form.
// The benefit clause is optional.
var storyPattern = regexp.MustCompile(`(?is)^\s*as\s+an?\s+(.+?),?\s+i\s+want\s+(?:to\s+)?(.+?)(?:\s+so\s+that\s+(.+?))?\s*[.!]?\s*$`)

// entityPattern pulls likely domain nouns out of the goal clause.
var entityPattern = regexp.MustCompile(`\b(account|user|order|product|invoice|payment|profile|session|report|message|item|cart|login|password|dashboard|notification)s?\b`)

// ParserAgent performs story ingestion. Parsing is deterministic; the
// output shape is what an LLM-backed refinement would produce, so the
// pipeline contract is identical online and offline.
type ParserAgent struct{}

// NewParserAgent creates the ingestion agent.
func NewParserAgent() *ParserAgent {
	return &ParserAgent{}
}

// Role implements executor.Agent.
func (a *ParserAgent) Role() models.Role {
	return models.RoleIngestion
}

// Run parses the story into structured requirements. A story that cannot
// be parsed is invalid input and must not be retried.
func (a *ParserAgent) Run(_ context.Context, input *models.TaskInput) (json.RawMessage, error) {
	var payload struct {
		Story     string `json:"story"`
		HasLegacy bool   `json:"has_legacy"`
	}
	if err := json.Unmarshal(input.Payload, &payload); err != nil {
		return nil, executor.Invalidf("malformed ingestion payload: %v", err)
	}

	story := strings.TrimSpace(payload.Story)
	if story == "" {
		return nil, executor.Invalidf("empty user story")
	}

	req, err := ParseStory(story)
	if err != nil {
		return nil, err
	}
	req.HasLegacy = payload.HasLegacy

	return json.Marshal(req)
}

// ParseStory extracts structured requirements from a user story.
func ParseStory(story string) (*Requirements, error) {
	m := storyPattern.FindStringSubmatch(story)
	if m == nil {
		return nil, executor.Invalidf("story does not match the form %q", "As a <actor>, I want <goal> so that <benefit>")
	}

	req := &Requirements{
		Actor:    strings.TrimSpace(m[1]),
		Goal:     strings.TrimSpace(m[2]),
		Benefit:  strings.TrimSpace(m[3]),
		RawStory: story,
	}

	for _, part := range strings.Split(req.Goal, " and ") {
		part = strings.TrimSpace(part)
		if part != "" {
			req.Features = append(req.Features, part)
		}
	}

	seen := make(map[string]bool)
	for _, m := range entityPattern.FindAllStringSubmatch(strings.ToLower(req.Goal), -1) {
		entity := strings.TrimSuffix(m[1], "s")
		if !seen[entity] {
			seen[entity] = true
			req.Entities = append(req.Entities, entity)
		}
	}
	if len(req.Entities) == 0 {
		req.Entities = []string{"record"}
	}

	return req, nil
}

// requirementsFromInput decodes the ingestion output a generator depends on.
func requirementsFromInput(input *models.TaskInput) (*Requirements, error) {
	raw, ok := input.Dep(models.RoleIngestion)
	if !ok {
		return nil, executor.Invalidf("missing ingestion output")
	}
	var req Requirements
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, executor.Invalidf("malformed ingestion output: %v", err)
	}
	return &req, nil
}
