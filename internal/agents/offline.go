package agents

import (
	"fmt"
	"strings"

	"devorchestra/pkg/models"
)

// offlineArtifact renders a deterministic template artifact. Offline mode
// exists so the full pipeline (scheduling, persistence, events, retries)
// works in development and tests without an API key. The templates are
// intentionally simple but derived from the parsed requirements, so two
// different stories produce visibly different artifacts.
func (a *GeneratorAgent) offlineArtifact(req *Requirements, input *models.TaskInput) string {
	entity := "record"
	if len(req.Entities) > 0 {
		entity = req.Entities[0]
	}

	switch a.role {
	case models.RoleFrontend:
		return offlineComponent(req, entity)
	case models.RoleBackend:
		return offlineAPI(req, entity, input)
	case models.RoleDatabase:
		return offlineSchema(req, entity, input)
	case models.RoleTesting:
		return offlineTests(req, entity)
	default:
		return ""
	}
}

func offlineComponent(req *Requirements, entity string) string {
	name := exportName(entity)
	var b strings.Builder
	fmt.Fprintf(&b, "// %sForm renders the %s workflow for: %s\n", name, req.Goal, req.Actor)
	fmt.Fprintf(&b, "export function %sForm({ onSubmit }) {\n", name)
	fmt.Fprintf(&b, "  const [%s, set%s] = useState({});\n", entity, name)
	b.WriteString("  return (\n    <form onSubmit={(e) => { e.preventDefault(); onSubmit(")
	b.WriteString(entity)
	b.WriteString("); }}>\n")
	for _, feature := range req.Features {
		fmt.Fprintf(&b, "      {/* %s */}\n", feature)
	}
	fmt.Fprintf(&b, "      <input name=%q onChange={(e) => set%s({ ...%s, [e.target.name]: e.target.value })} />\n", entity, name, entity)
	b.WriteString("      <button type=\"submit\">Submit</button>\n    </form>\n  );\n}\n")
	return b.String()
}

func offlineAPI(req *Requirements, entity string, input *models.TaskInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# REST API for: %s\n", req.Goal)
	if _, ok := input.Dep(models.RoleLegacyAnalysis); ok {
		b.WriteString("# Wraps existing legacy handlers behind the new routes.\n")
	}
	fmt.Fprintf(&b, "POST   /api/%ss\n", entity)
	fmt.Fprintf(&b, "GET    /api/%ss/{id}\n", entity)
	fmt.Fprintf(&b, "PUT    /api/%ss/{id}\n", entity)
	fmt.Fprintf(&b, "DELETE /api/%ss/{id}\n", entity)
	for _, feature := range req.Features {
		fmt.Fprintf(&b, "# handler: %s\n", feature)
	}
	return b.String()
}

func offlineSchema(req *Requirements, entity string, input *models.TaskInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- Schema for: %s\n", req.Goal)
	if _, ok := input.Dep(models.RoleLegacyAnalysis); ok {
		b.WriteString("-- Columns preserved for legacy compatibility.\n")
	}
	fmt.Fprintf(&b, "CREATE TABLE %ss (\n", entity)
	b.WriteString("    id INTEGER PRIMARY KEY,\n")
	b.WriteString("    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,\n")
	b.WriteString("    updated_at TIMESTAMP\n);\n")
	fmt.Fprintf(&b, "CREATE INDEX idx_%ss_created_at ON %ss(created_at);\n", entity, entity)
	return b.String()
}

func offlineTests(req *Requirements, entity string) string {
	name := exportName(entity)
	var b strings.Builder
	fmt.Fprintf(&b, "// Integration tests for: %s\n", req.Goal)
	fmt.Fprintf(&b, "describe(%q, () => {\n", req.Goal)
	fmt.Fprintf(&b, "  it(\"creates a %s end to end\", async () => {\n", entity)
	fmt.Fprintf(&b, "    const res = await api.post(\"/api/%ss\", fixture%s());\n", entity, name)
	b.WriteString("    expect(res.status).toBe(201);\n  });\n")
	for _, feature := range req.Features {
		fmt.Fprintf(&b, "  it.todo(%q);\n", feature)
	}
	b.WriteString("});\n")
	return b.String()
}

func exportName(entity string) string {
	if entity == "" {
		return "Record"
	}
	return strings.ToUpper(entity[:1]) + entity[1:]
}
