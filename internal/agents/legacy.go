package agents

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"devorchestra/internal/executor"
	"devorchestra/pkg/models"
)

// LegacyAnalysis is the structured output of the legacy analysis agent.
// Generators treat it as advisory integration context.
type LegacyAnalysis struct {
	Language  string   `json:"language"`
	Functions []string `json:"functions"`
	Tables    []string `json:"tables"`
	Notes     []string `json:"notes"`
}

var (
	pyDefPattern    = regexp.MustCompile(`(?m)^\s*def\s+([A-Za-z_]\w*)`)
	jsFuncPattern   = regexp.MustCompile(`(?m)function\s+([A-Za-z_$][\w$]*)`)
	goFuncPattern   = regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)`)
	sqlTablePattern = regexp.MustCompile(`(?im)create\s+table\s+(?:if\s+not\s+exists\s+)?["` + "`" + `]?(\w+)`)
)

// LegacyAgent analyzes submitted legacy code and produces integration
// notes for the backend and database generators. It is deterministic and
// never calls the API: the analysis is structural, not semantic.
type LegacyAgent struct{}

// NewLegacyAgent creates the legacy analysis agent.
func NewLegacyAgent() *LegacyAgent {
	return &LegacyAgent{}
}

// Role implements executor.Agent.
func (a *LegacyAgent) Role() models.Role {
	return models.RoleLegacyAnalysis
}

// Run analyzes the submitted legacy code.
func (a *LegacyAgent) Run(_ context.Context, input *models.TaskInput) (json.RawMessage, error) {
	var payload struct {
		LegacyCode string `json:"legacy_code"`
	}
	if err := json.Unmarshal(input.Payload, &payload); err != nil {
		return nil, executor.Invalidf("malformed legacy payload: %v", err)
	}
	code := strings.TrimSpace(payload.LegacyCode)
	if code == "" {
		return nil, executor.Invalidf("empty legacy code")
	}

	analysis := AnalyzeLegacy(code)
	return json.Marshal(analysis)
}

// AnalyzeLegacy extracts functions, tables, and integration notes from
// legacy source text.
func AnalyzeLegacy(code string) *LegacyAnalysis {
	analysis := &LegacyAnalysis{
		Language: detectLanguage(code),
	}

	for _, pattern := range []*regexp.Regexp{pyDefPattern, jsFuncPattern, goFuncPattern} {
		for _, m := range pattern.FindAllStringSubmatch(code, -1) {
			analysis.Functions = appendUnique(analysis.Functions, m[1])
		}
	}
	for _, m := range sqlTablePattern.FindAllStringSubmatch(code, -1) {
		analysis.Tables = appendUnique(analysis.Tables, m[1])
	}

	if len(analysis.Functions) > 0 {
		analysis.Notes = append(analysis.Notes,
			"preserve the signatures of existing functions: "+strings.Join(analysis.Functions, ", "))
	}
	if len(analysis.Tables) > 0 {
		analysis.Notes = append(analysis.Notes,
			"reuse existing tables instead of recreating them: "+strings.Join(analysis.Tables, ", "))
	}
	if len(analysis.Notes) == 0 {
		analysis.Notes = append(analysis.Notes, "no recognizable structure found; treat legacy code as opaque")
	}
	return analysis
}

func detectLanguage(code string) string {
	switch {
	case pyDefPattern.MatchString(code):
		return "python"
	case goFuncPattern.MatchString(code):
		return "go"
	case jsFuncPattern.MatchString(code):
		return "javascript"
	case sqlTablePattern.MatchString(code):
		return "sql"
	default:
		return "unknown"
	}
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
