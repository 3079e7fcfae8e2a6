// Package models defines the shared domain types for DevOrchestra:
// jobs, tasks, roles, statuses, and bus events.
package models

// Role is the fixed category of agent work within a job.
type Role string

const (
	// RoleIngestion parses the raw user story into structured requirements.
	RoleIngestion Role = "ingestion"
	// RoleFrontend generates the frontend artifact.
	RoleFrontend Role = "frontend"
	// RoleBackend generates the backend artifact.
	RoleBackend Role = "backend"
	// RoleDatabase generates the database schema artifact.
	RoleDatabase Role = "database"
	// RoleTesting generates tests against the three generated artifacts.
	RoleTesting Role = "testing"
	// RoleLegacyAnalysis analyzes provided legacy code as an optional input branch.
	RoleLegacyAnalysis Role = "legacy_analysis"
)

// Valid returns true if the role is a known value.
func (r Role) Valid() bool {
	switch r {
	case RoleIngestion, RoleFrontend, RoleBackend, RoleDatabase, RoleTesting, RoleLegacyAnalysis:
		return true
	default:
		return false
	}
}

// GenerationRoles are the three independent roles that fan out after ingestion.
var GenerationRoles = []Role{RoleFrontend, RoleBackend, RoleDatabase}
