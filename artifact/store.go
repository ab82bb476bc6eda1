package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/swarmrun/ident"
	"github.com/c360studio/swarmrun/storage"
)

// Store persists artifacts. Blobs are write-once and deduplicated by
// digest; manifest updates are serialized per run.
type Store struct {
	blobs     jetstream.ObjectStore
	manifests jetstream.KeyValue
	logger    *slog.Logger

	mu     sync.Mutex
	runMus map[string]*sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger for store operations.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates an artifact store on the given JetStream context,
// provisioning the blob object store and manifest bucket if needed.
func NewStore(ctx context.Context, js jetstream.JetStream, opts ...StoreOption) (*Store, error) {
	blobs, err := storage.GetOrCreateObjectStore(ctx, js, storage.ObjectStoreBlobs)
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}
	manifests, err := storage.GetOrCreateBucket(ctx, js, storage.BucketManifests)
	if err != nil {
		return nil, fmt.Errorf("create manifest bucket: %w", err)
	}

	s := &Store{
		blobs:     blobs,
		manifests: manifests,
		logger:    slog.Default(),
		runMus:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// runLock returns the mutex serializing manifest updates for a run.
func (s *Store) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.runMus[runID]
	if !ok {
		mu = &sync.Mutex{}
		s.runMus[runID] = mu
	}
	return mu
}

// Put stores content and registers a new artifact reference in the run's
// manifest. Identical content reuses the existing blob; the returned Ref is
// always distinct.
func (s *Store) Put(ctx context.Context, runID, phase, agentID, logicalName string, typ Type, data []byte) (*Ref, error) {
	if !typ.IsValid() {
		return nil, fmt.Errorf("invalid artifact type: %q", typ)
	}
	if logicalName == "" {
		return nil, fmt.Errorf("logical name is required")
	}

	hash := ident.HashBytes(data)
	if err := s.ensureBlob(ctx, hash, data); err != nil {
		return nil, err
	}

	ref := &Ref{
		ArtifactID:     ident.NewID(),
		RunID:          runID,
		ProducingPhase: phase,
		ProducingAgent: agentID,
		LogicalName:    logicalName,
		Type:           typ,
		BlobHash:       hash,
		Size:           int64(len(data)),
		StablePath:     stablePath(phase, agentID, logicalName),
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.updateManifest(ctx, runID, func(m *Manifest) {
		m.Entries = append(m.Entries, ref)
	}); err != nil {
		return nil, err
	}

	s.logger.Debug("artifact stored",
		"run_id", runID,
		"phase", phase,
		"agent_id", agentID,
		"logical_name", logicalName,
		"blob_hash", hash,
		"size", ref.Size)
	return ref, nil
}

// ensureBlob writes the blob unless an object with this digest already
// exists. Collisions are harmless: content is keyed by its own hash.
func (s *Store) ensureBlob(ctx context.Context, hash string, data []byte) error {
	if _, err := s.blobs.GetInfo(ctx, hash); err == nil {
		return nil
	}
	if _, err := s.blobs.PutBytes(ctx, hash, data); err != nil {
		return fmt.Errorf("store blob %s: %w", hash, err)
	}
	return nil
}

// Get loads an artifact reference and its verified content.
func (s *Store) Get(ctx context.Context, runID, artifactID string) (*Ref, []byte, error) {
	manifest, err := s.Manifest(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	ref := manifest.find(artifactID)
	if ref == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactID)
	}

	data, err := s.ResolveBlob(ctx, ref.BlobHash)
	if err != nil {
		return nil, nil, err
	}
	return ref, data, nil
}

// ResolveBlob returns blob content by hash, verifying the digest on read.
func (s *Store) ResolveBlob(ctx context.Context, hash string) ([]byte, error) {
	data, err := s.blobs.GetBytes(ctx, hash)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
		}
		return nil, fmt.Errorf("resolve blob %s: %w", hash, err)
	}
	if actual := ident.HashBytes(data); actual != hash {
		return nil, fmt.Errorf("%w: blob %s hashed to %s", ErrIntegrity, hash, actual)
	}
	return data, nil
}

// HasBlob reports whether a blob with the given hash is present.
func (s *Store) HasBlob(ctx context.Context, hash string) bool {
	_, err := s.blobs.GetInfo(ctx, hash)
	return err == nil
}

// ListByRun returns all active artifacts of a run in creation order.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]*Ref, error) {
	manifest, err := s.Manifest(ctx, runID)
	if err != nil {
		return nil, err
	}
	return manifest.Entries, nil
}

// ListByPhase returns the run's active artifacts produced by one phase.
func (s *Store) ListByPhase(ctx context.Context, runID, phase string) ([]*Ref, error) {
	manifest, err := s.Manifest(ctx, runID)
	if err != nil {
		return nil, err
	}
	var refs []*Ref
	for _, ref := range manifest.Entries {
		if ref.ProducingPhase == phase {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// Manifest loads the run's manifest. A run with no artifacts yet gets an
// empty manifest.
func (s *Store) Manifest(ctx context.Context, runID string) (*Manifest, error) {
	entry, err := s.manifests.Get(ctx, runID)
	if err != nil {
		if storage.IsNotFound(err) {
			return &Manifest{RunID: runID}, nil
		}
		return nil, fmt.Errorf("load manifest %s: %w", runID, err)
	}
	var m Manifest
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest %s: %w", runID, err)
	}
	return &m, nil
}

// ArchiveAfter moves manifest entries whose producing phase orders strictly
// after targetOrder into the archived section. Blobs are never deleted.
// Used by rollback; entries from unknown phases are left in place.
func (s *Store) ArchiveAfter(ctx context.Context, runID string, targetOrder int, phaseOrder func(string) int, reason string) (int, error) {
	archived := 0
	err := s.updateManifest(ctx, runID, func(m *Manifest) {
		now := time.Now().UTC()
		var kept []*Ref
		for _, ref := range m.Entries {
			order := phaseOrder(ref.ProducingPhase)
			if order >= 0 && order > targetOrder {
				m.Archived = append(m.Archived, &ArchivedRef{
					Ref:        ref,
					ArchivedAt: now,
					Reason:     reason,
				})
				archived++
				continue
			}
			kept = append(kept, ref)
		}
		m.Entries = kept
	})
	if err != nil {
		return 0, err
	}
	if archived > 0 {
		s.logger.Info("archived downstream artifacts",
			"run_id", runID,
			"count", archived,
			"reason", reason)
	}
	return archived, nil
}

// updateManifest applies mutate under the run's manifest lock and persists
// the result.
func (s *Store) updateManifest(ctx context.Context, runID string, mutate func(*Manifest)) error {
	mu := s.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	manifest, err := s.Manifest(ctx, runID)
	if err != nil {
		return err
	}
	mutate(manifest)
	manifest.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest %s: %w", runID, err)
	}
	if _, err := s.manifests.Put(ctx, runID, data); err != nil {
		return fmt.Errorf("store manifest %s: %w", runID, err)
	}
	return nil
}
