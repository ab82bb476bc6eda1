// Package agent defines agent roles and the dispatcher that invokes them
// through a uniform lifecycle. An agent is a role-specific callable with a
// declared output schema; the dispatcher handles budget admission, output
// validation, artifact registration, and error classification.
package agent

import (
	"fmt"

	"github.com/c360studio/swarmrun/artifact"
)

// Role enumerates the agent variants. The dispatcher routes by role; every
// role shares the same capability surface (invoke with structured
// input/output).
type Role string

// Agent roles.
const (
	RoleProjectPlanner      Role = "project_planner"
	RoleSolutionArchitect   Role = "solution_architect"
	RoleDataEngineer        Role = "data_engineer"
	RoleDatabaseArchitect   Role = "database_architect"
	RoleDeveloper           Role = "developer"
	RoleQAEngineer          Role = "qa_engineer"
	RolePerformanceEngineer Role = "performance_engineer"
	RoleSecurityAuditor     Role = "security_auditor"
	RoleTechnicalWriter     Role = "technical_writer"
	RoleReleaseManager      Role = "release_manager"
)

// IsValid returns true for a known role.
func (r Role) IsValid() bool {
	_, ok := roleSpecs[r]
	return ok
}

// Spec describes a role's contract: the model capability it needs, the
// structured output fields it must return, and the artifacts it is
// expected to register.
type Spec struct {
	// Role is the variant this spec belongs to.
	Role Role

	// Capability selects the model chain (see Registry).
	Capability Capability

	// RequiredOutputFields must be present in the structured output.
	RequiredOutputFields []string

	// RequiredArtifacts lists logical names the role must register.
	RequiredArtifacts []string

	// DefaultArtifactType is used when a produced artifact does not
	// declare its type.
	DefaultArtifactType artifact.Type
}

var roleSpecs = map[Role]Spec{
	RoleProjectPlanner: {
		Role:                 RoleProjectPlanner,
		Capability:           CapabilityPlanning,
		RequiredOutputFields: []string{"summary", "milestones"},
		RequiredArtifacts:    []string{"project_plan"},
		DefaultArtifactType:  artifact.TypeMarkdown,
	},
	RoleSolutionArchitect: {
		Role:                 RoleSolutionArchitect,
		Capability:           CapabilityPlanning,
		RequiredOutputFields: []string{"summary", "components"},
		RequiredArtifacts:    []string{"architecture_doc"},
		DefaultArtifactType:  artifact.TypeMarkdown,
	},
	RoleDataEngineer: {
		Role:                 RoleDataEngineer,
		Capability:           CapabilityCoding,
		RequiredOutputFields: []string{"summary"},
		RequiredArtifacts:    []string{"data_pipeline"},
		DefaultArtifactType:  artifact.TypeCode,
	},
	RoleDatabaseArchitect: {
		Role:                 RoleDatabaseArchitect,
		Capability:           CapabilityPlanning,
		RequiredOutputFields: []string{"summary", "schema"},
		RequiredArtifacts:    []string{"schema_design"},
		DefaultArtifactType:  artifact.TypeYAML,
	},
	RoleDeveloper: {
		Role:                 RoleDeveloper,
		Capability:           CapabilityCoding,
		RequiredOutputFields: []string{"summary"},
		RequiredArtifacts:    []string{"implementation"},
		DefaultArtifactType:  artifact.TypeCode,
	},
	RoleQAEngineer: {
		Role:                 RoleQAEngineer,
		Capability:           CapabilityReviewing,
		RequiredOutputFields: []string{"summary", "verdict"},
		RequiredArtifacts:    []string{"qa_report"},
		DefaultArtifactType:  artifact.TypeMarkdown,
	},
	RolePerformanceEngineer: {
		Role:                 RolePerformanceEngineer,
		Capability:           CapabilityReviewing,
		RequiredOutputFields: []string{"summary", "findings"},
		RequiredArtifacts:    []string{"performance_report"},
		DefaultArtifactType:  artifact.TypeMarkdown,
	},
	RoleSecurityAuditor: {
		Role:                 RoleSecurityAuditor,
		Capability:           CapabilityReviewing,
		RequiredOutputFields: []string{"summary", "passed"},
		RequiredArtifacts:    []string{"security_report"},
		DefaultArtifactType:  artifact.TypeMarkdown,
	},
	RoleTechnicalWriter: {
		Role:                 RoleTechnicalWriter,
		Capability:           CapabilityWriting,
		RequiredOutputFields: []string{"summary"},
		RequiredArtifacts:    []string{"documentation"},
		DefaultArtifactType:  artifact.TypeMarkdown,
	},
	RoleReleaseManager: {
		Role:                 RoleReleaseManager,
		Capability:           CapabilityWriting,
		RequiredOutputFields: []string{"summary"},
		RequiredArtifacts:    nil,
		DefaultArtifactType:  artifact.TypeMarkdown,
	},
}

// SpecFor returns the contract for a role.
func SpecFor(role Role) (Spec, error) {
	spec, ok := roleSpecs[role]
	if !ok {
		return Spec{}, fmt.Errorf("unknown role: %q", role)
	}
	return spec, nil
}

// Request asks for one agent invocation within a phase roster.
type Request struct {
	// AgentID identifies the agent within the roster. Usually the role
	// name, but rosters may run multiple agents of one role.
	AgentID string `json:"agent_id"`

	// Role selects the agent variant.
	Role Role `json:"role"`

	// DependencyRefs lists agent IDs that must complete first.
	DependencyRefs []string `json:"dependency_refs,omitempty"`

	// InputSpec is the role-specific invocation payload.
	InputSpec map[string]any `json:"input_spec,omitempty"`
}

// Roster is the ordered agent list for one phase. Order is significant:
// execution results are reported in roster order.
type Roster []Request

// IDs returns the agent IDs in declared order.
func (r Roster) IDs() []string {
	ids := make([]string, len(r))
	for i, req := range r {
		ids[i] = req.AgentID
	}
	return ids
}

// Contains reports whether the roster has an agent with the given ID.
func (r Roster) Contains(agentID string) bool {
	for _, req := range r {
		if req.AgentID == agentID {
			return true
		}
	}
	return false
}

// Validate checks roster integrity: unique IDs, known roles, and
// dependencies that reference roster members.
func (r Roster) Validate() error {
	seen := make(map[string]bool, len(r))
	for _, req := range r {
		if req.AgentID == "" {
			return fmt.Errorf("roster entry missing agent_id")
		}
		if seen[req.AgentID] {
			return fmt.Errorf("duplicate agent_id: %s", req.AgentID)
		}
		seen[req.AgentID] = true
		if !req.Role.IsValid() {
			return fmt.Errorf("agent %s: unknown role %q", req.AgentID, req.Role)
		}
	}
	for _, req := range r {
		for _, dep := range req.DependencyRefs {
			if !seen[dep] {
				return fmt.Errorf("agent %s: dependency %q not in roster", req.AgentID, dep)
			}
		}
	}
	return nil
}
