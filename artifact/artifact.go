// Package artifact implements the content-addressed artifact store. Blob
// content lives in a JetStream object store keyed by SHA-256 digest; a
// per-run manifest in KV maps logical names to artifact references.
// Identical bytes share one blob, but every Put records a distinct
// reference carrying producer metadata.
package artifact

import (
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/swarmrun/ident"
)

// Type classifies the semantic content of an artifact.
type Type string

// Artifact types.
const (
	TypeMarkdown Type = "markdown"
	TypeJSON     Type = "json"
	TypeCode     Type = "code"
	TypeYAML     Type = "yaml"
	TypeTabular  Type = "tabular"
)

// IsValid returns true if the type is a known artifact type.
func (t Type) IsValid() bool {
	switch t {
	case TypeMarkdown, TypeJSON, TypeCode, TypeYAML, TypeTabular:
		return true
	}
	return false
}

// Store errors.
var (
	// ErrArtifactNotFound is returned when an artifact ID does not resolve.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrBlobNotFound is returned when a blob hash does not resolve.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrIntegrity is returned when stored content does not match its
	// recorded hash. Callers must treat this as fatal for the operation.
	ErrIntegrity = errors.New("integrity error")
)

// Ref describes one produced artifact. Content is addressed by BlobHash;
// the Ref itself is immutable once recorded.
type Ref struct {
	// ArtifactID uniquely identifies this reference.
	ArtifactID string `json:"artifact_id"`

	// RunID is the owning run.
	RunID string `json:"run_id"`

	// ProducingPhase is the phase during which the artifact was created.
	ProducingPhase string `json:"producing_phase"`

	// ProducingAgent is the agent that registered the artifact.
	ProducingAgent string `json:"producing_agent"`

	// LogicalName is the producer-chosen name, unique per (phase, agent).
	LogicalName string `json:"logical_name"`

	// Type is the semantic content type.
	Type Type `json:"artifact_type"`

	// BlobHash is the SHA-256 hex digest of the content.
	BlobHash string `json:"blob_hash"`

	// Size is the content length in bytes.
	Size int64 `json:"size"`

	// StablePath is a deterministic path-like locator for the artifact,
	// used in checkpoint artifact maps.
	StablePath string `json:"stable_path"`

	// CreatedAt is the registration time.
	CreatedAt time.Time `json:"created_at"`
}

// stablePath builds the deterministic locator for an artifact.
func stablePath(phase, agentID, logicalName string) string {
	return fmt.Sprintf("artifacts/%s/%s/%s",
		ident.EncodePathSegment(phase),
		ident.EncodePathSegment(agentID),
		ident.EncodePathSegment(logicalName))
}

// ArchivedRef is a manifest entry displaced by rollback. The blob remains
// in the store; the entry is simply no longer part of the active index.
type ArchivedRef struct {
	Ref        *Ref      `json:"ref"`
	ArchivedAt time.Time `json:"archived_at"`
	Reason     string    `json:"reason"`
}

// Manifest indexes all artifacts of a run.
type Manifest struct {
	// RunID is the owning run.
	RunID string `json:"run_id"`

	// Entries lists active artifacts in creation order.
	Entries []*Ref `json:"entries"`

	// Archived lists entries displaced by rollback. Retained until
	// explicit prune.
	Archived []*ArchivedRef `json:"archived,omitempty"`

	// UpdatedAt is the last modification time.
	UpdatedAt time.Time `json:"updated_at"`
}

// find returns the active entry with the given artifact ID, or nil.
func (m *Manifest) find(artifactID string) *Ref {
	for _, ref := range m.Entries {
		if ref.ArtifactID == artifactID {
			return ref
		}
	}
	return nil
}
