// Package checkpoint implements the versioned snapshot store. A checkpoint
// freezes the orchestrator state, agent states, and the artifact map at a
// phase boundary; versions increase strictly per (run, phase, kind) and a
// checksum over the canonical body is verified on every load.
package checkpoint

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/c360studio/swarmrun/budget"
	"github.com/c360studio/swarmrun/governance"
	"github.com/c360studio/swarmrun/ident"
)

// Kind classifies a checkpoint's position around a phase boundary.
type Kind string

// Checkpoint kinds.
const (
	KindPre         Kind = "PRE"
	KindPost        Kind = "POST"
	KindPostFailed  Kind = "POST_FAILED"
	KindPreRollback Kind = "PRE_ROLLBACK"
)

// IsValid returns true for a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindPre, KindPost, KindPostFailed, KindPreRollback:
		return true
	}
	return false
}

// Store errors.
var (
	// ErrCheckpointNotFound is returned when a checkpoint ID does not
	// resolve within the run.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrIntegrity is returned when a loaded checkpoint fails its
	// checksum. Fatal for the affected operation.
	ErrIntegrity = errors.New("integrity error")
)

// ArtifactEntry locates one artifact inside a checkpoint.
type ArtifactEntry struct {
	ArtifactID string `json:"artifact_id"`
	StablePath string `json:"stable_path"`
	BlobHash   string `json:"blob_hash"`
	Size       int64  `json:"size"`
}

// AgentState freezes one agent's outcome at snapshot time.
type AgentState struct {
	Status        string       `json:"status"`
	TokenUsage    budget.Usage `json:"token_usage"`
	OutputSummary string       `json:"output_summary,omitempty"`
}

// OrchestratorState freezes the run record fields at snapshot time.
// Cross-references are IDs, never pointers.
type OrchestratorState struct {
	RunID           string            `json:"run_id"`
	Profile         string            `json:"profile"`
	Status          string            `json:"status"`
	CurrentPhase    string            `json:"current_phase"`
	CompletedPhases []string          `json:"completed_phases"`
	IntakeDigest    string            `json:"intake_digest"`
	ExecutionMode   string            `json:"execution_mode"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Checkpoint is one versioned snapshot.
type Checkpoint struct {
	// CheckpointID uniquely identifies the snapshot.
	CheckpointID string `json:"checkpoint_id"`

	// RunID is the owning run.
	RunID string `json:"run_id"`

	// Phase is the phase the snapshot surrounds.
	Phase string `json:"phase"`

	// Kind is the boundary position.
	Kind Kind `json:"kind"`

	// Version increases strictly per (run, phase, kind).
	Version int `json:"version"`

	// CreatedAt is the snapshot time.
	CreatedAt time.Time `json:"created_at"`

	// DurationMS is how long the snapshot write took.
	DurationMS int64 `json:"duration_ms"`

	// ParentCheckpointID links a PRE_ROLLBACK snapshot to its rollback
	// target. Empty otherwise.
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`

	// Artifacts maps logical names to artifact locators. Every blob hash
	// listed must resolve in the artifact store.
	Artifacts map[string]ArtifactEntry `json:"artifacts,omitempty"`

	// AgentStates maps agent IDs to their frozen outcomes.
	AgentStates map[string]AgentState `json:"agent_states,omitempty"`

	// Orchestrator freezes the run record.
	Orchestrator OrchestratorState `json:"orchestrator_state"`

	// Governance carries the gate results recorded at this boundary.
	Governance *governance.Result `json:"governance_results,omitempty"`

	// Metadata is opaque annotation.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Checksum is the canonical digest of the checkpoint with this field
	// empty. Verified on load.
	Checksum string `json:"checksum"`
}

// computeChecksum returns the canonical digest of c with the checksum
// field cleared.
func computeChecksum(c *Checkpoint) (string, error) {
	clone := *c
	clone.Checksum = ""
	sum, err := ident.CanonicalDigest(&clone)
	if err != nil {
		return "", fmt.Errorf("checkpoint checksum: %w", err)
	}
	return sum, nil
}

// Diff describes what changed between two checkpoints.
type Diff struct {
	AddedArtifacts   []string `json:"added_artifacts,omitempty"`
	RemovedArtifacts []string `json:"removed_artifacts,omitempty"`
	ChangedArtifacts []string `json:"changed_artifacts,omitempty"`
	ChangedAgents    []string `json:"changed_agents,omitempty"`
}

// Empty reports whether the diff records no changes.
func (d *Diff) Empty() bool {
	return len(d.AddedArtifacts) == 0 && len(d.RemovedArtifacts) == 0 &&
		len(d.ChangedArtifacts) == 0 && len(d.ChangedAgents) == 0
}

// Compare diffs two checkpoints: artifacts by logical name and blob hash,
// agents by status and output summary.
func Compare(a, b *Checkpoint) *Diff {
	diff := &Diff{}

	for name, entry := range b.Artifacts {
		prev, ok := a.Artifacts[name]
		switch {
		case !ok:
			diff.AddedArtifacts = append(diff.AddedArtifacts, name)
		case prev.BlobHash != entry.BlobHash:
			diff.ChangedArtifacts = append(diff.ChangedArtifacts, name)
		}
	}
	for name := range a.Artifacts {
		if _, ok := b.Artifacts[name]; !ok {
			diff.RemovedArtifacts = append(diff.RemovedArtifacts, name)
		}
	}

	for agentID, state := range b.AgentStates {
		prev, ok := a.AgentStates[agentID]
		if !ok || prev.Status != state.Status || prev.OutputSummary != state.OutputSummary {
			diff.ChangedAgents = append(diff.ChangedAgents, agentID)
		}
	}
	for agentID := range a.AgentStates {
		if _, ok := b.AgentStates[agentID]; !ok {
			diff.ChangedAgents = append(diff.ChangedAgents, agentID)
		}
	}

	slices.Sort(diff.AddedArtifacts)
	slices.Sort(diff.RemovedArtifacts)
	slices.Sort(diff.ChangedArtifacts)
	slices.Sort(diff.ChangedAgents)
	return diff
}
