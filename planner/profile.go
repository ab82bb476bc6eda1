// Package planner derives the agent roster for each phase from intake and
// policy signals, and declares the phase-graph profiles runs execute under.
package planner

import (
	"fmt"

	"github.com/c360studio/swarmrun/intake"
)

// Profile names a phase graph.
type Profile string

// Profiles.
const (
	ProfileAnalytics    Profile = "analytics"
	ProfileML           Profile = "ml"
	ProfileWebapp       Profile = "webapp"
	ProfileOptimization Profile = "optimization"
)

// Phase names.
const (
	PhasePlanning      = "planning"
	PhaseArchitecture  = "architecture"
	PhaseData          = "data"
	PhaseDevelopment   = "development"
	PhaseQA            = "qa"
	PhaseDocumentation = "documentation"
	PhaseSecurity      = "security"
)

var profilePhases = map[Profile][]string{
	ProfileAnalytics:    {PhasePlanning, PhaseArchitecture, PhaseData, PhaseDevelopment, PhaseDocumentation},
	ProfileML:           {PhasePlanning, PhaseArchitecture, PhaseData, PhaseDevelopment, PhaseQA, PhaseDocumentation},
	ProfileWebapp:       {PhasePlanning, PhaseArchitecture, PhaseDevelopment, PhaseQA, PhaseDocumentation, PhaseSecurity},
	ProfileOptimization: {PhasePlanning, PhaseArchitecture, PhaseData, PhaseDevelopment, PhaseQA, PhaseDocumentation},
}

// IsValid returns true for a known profile.
func (p Profile) IsValid() bool {
	_, ok := profilePhases[p]
	return ok
}

// Phases returns the phase sequence for the profile, in execution order.
func (p Profile) Phases() []string {
	return append([]string(nil), profilePhases[p]...)
}

// NextPhase returns the phase after current, or "" when current is last.
func (p Profile) NextPhase(current string) string {
	phases := profilePhases[p]
	for i, phase := range phases {
		if phase == current && i+1 < len(phases) {
			return phases[i+1]
		}
	}
	return ""
}

// PhaseOrder returns the index of a phase in the profile's sequence, or -1
// for phases the profile does not run.
func (p Profile) PhaseOrder(phase string) int {
	for i, ph := range profilePhases[p] {
		if ph == phase {
			return i
		}
	}
	return -1
}

// ConsensusDefaults returns the phases followed by a consensus boundary
// when policy does not override: planning and qa, where present.
func (p Profile) ConsensusDefaults() []string {
	var out []string
	for _, phase := range profilePhases[p] {
		if phase == PhasePlanning || phase == PhaseQA {
			out = append(out, phase)
		}
	}
	return out
}

// ProfileFor maps a project type to its profile. Untyped intake defaults
// to analytics.
func ProfileFor(t intake.ProjectType) (Profile, error) {
	switch t {
	case "", intake.TypeAnalytics:
		return ProfileAnalytics, nil
	case intake.TypeML:
		return ProfileML, nil
	case intake.TypeWebapp:
		return ProfileWebapp, nil
	case intake.TypeOptimization:
		return ProfileOptimization, nil
	}
	return "", fmt.Errorf("no profile for project type %q", t)
}
