package planner

import (
	"fmt"

	"github.com/c360studio/swarmrun/agent"
	"github.com/c360studio/swarmrun/governance"
	"github.com/c360studio/swarmrun/intake"
)

// baseRosters declares the default roster per phase. Order is execution
// order; dependencies keep multi-agent phases sequential by default.
var baseRosters = map[string]agent.Roster{
	PhasePlanning:     {{AgentID: "project_planner", Role: agent.RoleProjectPlanner}},
	PhaseArchitecture: {{AgentID: "solution_architect", Role: agent.RoleSolutionArchitect}},
	PhaseData:         {{AgentID: "data_engineer", Role: agent.RoleDataEngineer}},
	PhaseDevelopment:  {{AgentID: "developer", Role: agent.RoleDeveloper}},
	PhaseQA:           {{AgentID: "qa_engineer", Role: agent.RoleQAEngineer}},
	PhaseDocumentation: {
		{AgentID: "technical_writer", Role: agent.RoleTechnicalWriter},
		{AgentID: "release_manager", Role: agent.RoleReleaseManager, DependencyRefs: []string{"technical_writer"}},
	},
	PhaseSecurity: {{AgentID: "security_auditor", Role: agent.RoleSecurityAuditor}},
}

// Plan derives the roster for one phase. Detection rules, in order:
// database_architect is inserted before the developer when the intake
// carries database markers; performance_engineer and security_auditor are
// appended after the developer or qa engineer when their signals fire.
// The result is deduplicated preserving declared order.
func Plan(doc *intake.Document, pol *governance.Policy, profile Profile, phase string) (agent.Roster, error) {
	if !profile.IsValid() {
		return nil, fmt.Errorf("unknown profile %q", profile)
	}
	if profile.PhaseOrder(phase) < 0 {
		return nil, fmt.Errorf("profile %s has no phase %q", profile, phase)
	}

	base, ok := baseRosters[phase]
	if !ok {
		return nil, fmt.Errorf("no base roster for phase %q", phase)
	}
	roster := append(agent.Roster(nil), base...)

	if phase == PhaseDevelopment && doc.HasDataMarkers() {
		roster = insertBefore(roster, "developer", agent.Request{
			AgentID: "database_architect",
			Role:    agent.RoleDatabaseArchitect,
		})
	}

	if phase == PhaseDevelopment || phase == PhaseQA {
		anchor := "developer"
		if phase == PhaseQA {
			anchor = "qa_engineer"
		}
		if doc.WantsPerformance() {
			roster = append(roster, agent.Request{
				AgentID:        "performance_engineer",
				Role:           agent.RolePerformanceEngineer,
				DependencyRefs: []string{anchor},
			})
		}
		if wantsSecurity(doc, pol) {
			roster = append(roster, agent.Request{
				AgentID:        "security_auditor",
				Role:           agent.RoleSecurityAuditor,
				DependencyRefs: []string{anchor},
			})
		}
	}

	roster = dedupe(roster)
	if err := roster.Validate(); err != nil {
		return nil, fmt.Errorf("derived roster for %s: %w", phase, err)
	}
	return roster, nil
}

func wantsSecurity(doc *intake.Document, pol *governance.Policy) bool {
	if pol != nil && pol.RequireSecurityScan() {
		return true
	}
	return doc.WantsSecurity()
}

// insertBefore places req immediately before the agent with anchorID. The
// anchor gains a dependency on the inserted agent.
func insertBefore(roster agent.Roster, anchorID string, req agent.Request) agent.Roster {
	out := make(agent.Roster, 0, len(roster)+1)
	for _, r := range roster {
		if r.AgentID == anchorID {
			out = append(out, req)
			r.DependencyRefs = append(append([]string(nil), r.DependencyRefs...), req.AgentID)
		}
		out = append(out, r)
	}
	return out
}

// dedupe drops later duplicates of an agent ID, preserving first position.
func dedupe(roster agent.Roster) agent.Roster {
	seen := make(map[string]bool, len(roster))
	out := roster[:0]
	for _, r := range roster {
		if seen[r.AgentID] {
			continue
		}
		seen[r.AgentID] = true
		out = append(out, r)
	}
	return out
}
