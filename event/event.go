// Package event is the per-run append-only event log. Events publish to a
// JetStream stream without blocking the engine: a bounded buffer absorbs
// bursts and overflow drops with a counter. Consumers replay from any
// offset with ordered delivery.
package event

import (
	"time"
)

// Type enumerates run events.
type Type string

// Event types.
const (
	TypeRunStarted            Type = "run_started"
	TypePhaseStarted          Type = "phase_started"
	TypePhaseCompleted        Type = "phase_completed"
	TypePhaseFailed           Type = "phase_failed"
	TypeAgentStarted          Type = "agent_started"
	TypeAgentCompleted        Type = "agent_completed"
	TypeAgentFailed           Type = "agent_failed"
	TypeGovernanceCheckPassed Type = "governance_check_passed"
	TypeGovernanceCheckFailed Type = "governance_check_failed"
	TypeCheckpointCreated     Type = "checkpoint_created"
	TypeConsensusRequested    Type = "consensus_requested"
	TypeConsensusApproved     Type = "consensus_approved"
	TypeConsensusRejected     Type = "consensus_rejected"
	TypeBudgetThreshold       Type = "budget_threshold"
	TypeRollbackPerformed     Type = "rollback_performed"
	TypeRunCompleted          Type = "run_completed"
	TypeRunAborted            Type = "run_aborted"
)

// Event is one entry of a run's event sequence.
type Event struct {
	// RunID identifies the run the event belongs to.
	RunID string `json:"run_id"`

	// Type is the event kind.
	Type Type `json:"type"`

	// Phase is set for phase- and agent-scoped events.
	Phase string `json:"phase,omitempty"`

	// AgentID is set for agent-scoped events.
	AgentID string `json:"agent_id,omitempty"`

	// Sequence is the stream sequence assigned on delivery. It is the
	// offset consumers resume from; zero on publish.
	Sequence uint64 `json:"sequence,omitempty"`

	// Timestamp is when the engine emitted the event.
	Timestamp time.Time `json:"timestamp"`

	// Data carries event-specific payload fields.
	Data map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(runID string, typ Type) *Event {
	return &Event{RunID: runID, Type: typ, Timestamp: time.Now().UTC()}
}

// WithPhase sets the phase.
func (e *Event) WithPhase(phase string) *Event {
	e.Phase = phase
	return e
}

// WithAgent sets the agent ID.
func (e *Event) WithAgent(agentID string) *Event {
	e.AgentID = agentID
	return e
}

// WithData merges payload fields.
func (e *Event) WithData(data map[string]any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any, len(data))
	}
	for k, v := range data {
		e.Data[k] = v
	}
	return e
}
