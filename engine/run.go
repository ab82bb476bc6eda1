// Package engine is the run coordinator: it drives a project run through
// its profile's phase graph, checkpointing around every phase, gating
// transitions through governance, and pausing at consensus boundaries.
// One phase executes at a time per run; runs are independent.
package engine

import (
	"time"

	"github.com/c360studio/swarmrun/budget"
	"github.com/c360studio/swarmrun/checkpoint"
	"github.com/c360studio/swarmrun/intake"
	"github.com/c360studio/swarmrun/planner"
)

// Status is the run state machine position.
type Status string

// Run statuses.
const (
	StatusIdle              Status = "idle"
	StatusRunningPhase      Status = "running_phase"
	StatusAwaitingPostGate  Status = "awaiting_post_gate"
	StatusAwaitingConsensus Status = "awaiting_consensus"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusAborted           Status = "aborted"
)

// IsValid returns true for a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusIdle, StatusRunningPhase, StatusAwaitingPostGate,
		StatusAwaitingConsensus, StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Terminal reports whether the run can make no further progress.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// ExecutionMode controls agent sandboxing.
type ExecutionMode string

// Execution modes.
const (
	ModeStandard  ExecutionMode = "standard"
	ModeSandboxed ExecutionMode = "sandboxed"
)

// PhaseRecord is the per-phase execution summary kept on the run.
type PhaseRecord struct {
	Phase        string `json:"phase"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`

	// TokenUsage is the sum of the roster's agent usage.
	TokenUsage budget.Usage `json:"token_usage"`

	// AgentStates maps agent IDs to their last observed outcome.
	AgentStates map[string]checkpoint.AgentState `json:"agent_states,omitempty"`

	PreCheckpointID  string `json:"pre_checkpoint_id,omitempty"`
	PostCheckpointID string `json:"post_checkpoint_id,omitempty"`

	// GovernanceOverall is the last gate evaluation outcome for the phase.
	GovernanceOverall string `json:"governance_overall,omitempty"`

	FailureReason string    `json:"failure_reason,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
}

// Run is the persisted record of one workflow invocation.
type Run struct {
	RunID         string          `json:"run_id"`
	ProjectName   string          `json:"project_name"`
	Profile       planner.Profile `json:"profile"`
	Status        Status          `json:"status"`
	ExecutionMode ExecutionMode   `json:"execution_mode"`

	// CurrentPhase is the phase the run is at; meaningful until terminal.
	CurrentPhase string `json:"current_phase,omitempty"`

	// CompletedPhases lists successfully finished phases in order.
	CompletedPhases []string `json:"completed_phases,omitempty"`

	// Phases holds per-phase execution summaries.
	Phases map[string]*PhaseRecord `json:"phases,omitempty"`

	// Intake is the validated input document; IntakeDigest pins it.
	Intake       *intake.Document `json:"intake"`
	IntakeDigest string           `json:"intake_digest"`

	// ClientID selects the client policy layer.
	ClientID string `json:"client_id,omitempty"`

	// Metadata is opaque annotation derived from the intake at start.
	Metadata map[string]string `json:"metadata,omitempty"`

	// TokenUsage is the run total across phases.
	TokenUsage budget.Usage `json:"token_usage"`

	// FailureReason is set when status is failed or aborted.
	FailureReason string `json:"failure_reason,omitempty"`

	// RemediationHints carries the latest top remediation suggestions.
	RemediationHints []string `json:"remediation_hints,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// phaseRecord returns the record for phase, creating it if absent.
func (r *Run) phaseRecord(phase string) *PhaseRecord {
	if r.Phases == nil {
		r.Phases = make(map[string]*PhaseRecord)
	}
	rec, ok := r.Phases[phase]
	if !ok {
		rec = &PhaseRecord{Phase: phase}
		r.Phases[phase] = rec
	}
	return rec
}

// completed reports whether phase is in CompletedPhases.
func (r *Run) completed(phase string) bool {
	for _, p := range r.CompletedPhases {
		if p == phase {
			return true
		}
	}
	return false
}

// orchestratorState freezes the run record for checkpointing.
func (r *Run) orchestratorState() checkpoint.OrchestratorState {
	return checkpoint.OrchestratorState{
		RunID:           r.RunID,
		Profile:         string(r.Profile),
		Status:          string(r.Status),
		CurrentPhase:    r.CurrentPhase,
		CompletedPhases: append([]string(nil), r.CompletedPhases...),
		IntakeDigest:    r.IntakeDigest,
		ExecutionMode:   string(r.ExecutionMode),
		Metadata:        r.Metadata,
	}
}
