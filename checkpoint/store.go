package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/swarmrun/artifact"
	"github.com/c360studio/swarmrun/ident"
	"github.com/c360studio/swarmrun/storage"
)

// kindRank orders kinds within equal (phase, version) for listing.
var kindRank = map[Kind]int{
	KindPre:         0,
	KindPreRollback: 1,
	KindPost:        2,
	KindPostFailed:  3,
}

// index tracks per-run checkpoint metadata for version allocation and
// ordered listing.
type index struct {
	RunID   string       `json:"run_id"`
	Entries []indexEntry `json:"entries"`
}

type indexEntry struct {
	CheckpointID string    `json:"checkpoint_id"`
	Phase        string    `json:"phase"`
	Kind         Kind      `json:"kind"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists checkpoints in KV. Writes are serialized per run; the
// engine additionally guarantees a single writer per run.
type Store struct {
	kv        jetstream.KeyValue
	artifacts *artifact.Store
	logger    *slog.Logger

	mu     sync.Mutex
	runMus map[string]*sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a checkpoint store. The artifact store is consulted to
// verify blob presence on create and to archive manifests on rollback.
func NewStore(ctx context.Context, js jetstream.JetStream, artifacts *artifact.Store, opts ...StoreOption) (*Store, error) {
	kv, err := storage.GetOrCreateBucket(ctx, js, storage.BucketCheckpoints)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint bucket: %w", err)
	}
	s := &Store{
		kv:        kv,
		artifacts: artifacts,
		logger:    slog.Default(),
		runMus:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

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

func checkpointKey(runID, checkpointID string) string {
	return fmt.Sprintf("cp.%s.%s", runID, checkpointID)
}

func indexKey(runID string) string {
	return fmt.Sprintf("idx.%s", runID)
}

// Create writes a new checkpoint, allocating the next version for
// (run, phase, kind). Every referenced blob must resolve in the artifact
// store before the write is committed.
func (s *Store) Create(ctx context.Context, cp *Checkpoint) (*Checkpoint, error) {
	if !cp.Kind.IsValid() {
		return nil, fmt.Errorf("invalid checkpoint kind: %q", cp.Kind)
	}
	if cp.RunID == "" || cp.Phase == "" {
		return nil, fmt.Errorf("checkpoint requires run_id and phase")
	}

	start := time.Now()
	for name, entry := range cp.Artifacts {
		if !s.artifacts.HasBlob(ctx, entry.BlobHash) {
			return nil, fmt.Errorf("%w: artifact %q blob %s missing", ErrIntegrity, name, entry.BlobHash)
		}
	}

	mu := s.runLock(cp.RunID)
	mu.Lock()
	defer mu.Unlock()

	idx, err := s.loadIndex(ctx, cp.RunID)
	if err != nil {
		return nil, err
	}
	if cp.ParentCheckpointID != "" && idx.find(cp.ParentCheckpointID) == nil {
		return nil, fmt.Errorf("%w: parent %s", ErrCheckpointNotFound, cp.ParentCheckpointID)
	}

	version := 1
	for _, e := range idx.Entries {
		if e.Phase == cp.Phase && e.Kind == cp.Kind && e.Version >= version {
			version = e.Version + 1
		}
	}

	cp.CheckpointID = ident.NewID()
	cp.Version = version
	cp.CreatedAt = time.Now().UTC()
	cp.DurationMS = time.Since(start).Milliseconds()
	cp.Checksum, err = computeChecksum(cp)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := s.kv.Create(ctx, checkpointKey(cp.RunID, cp.CheckpointID), data); err != nil {
		return nil, fmt.Errorf("store checkpoint: %w", err)
	}

	idx.Entries = append(idx.Entries, indexEntry{
		CheckpointID: cp.CheckpointID,
		Phase:        cp.Phase,
		Kind:         cp.Kind,
		Version:      cp.Version,
		CreatedAt:    cp.CreatedAt,
	})
	if err := s.saveIndex(ctx, idx); err != nil {
		return nil, err
	}

	s.logger.Info("checkpoint created",
		"run_id", cp.RunID,
		"phase", cp.Phase,
		"kind", cp.Kind,
		"version", cp.Version,
		"checkpoint_id", cp.CheckpointID)
	return cp, nil
}

// Load reads a checkpoint and verifies its checksum.
func (s *Store) Load(ctx context.Context, runID, checkpointID string) (*Checkpoint, error) {
	entry, err := s.kv.Get(ctx, checkpointKey(runID, checkpointID))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", checkpointID, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(entry.Value(), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", checkpointID, err)
	}

	expected, err := computeChecksum(&cp)
	if err != nil {
		return nil, err
	}
	if cp.Checksum != expected {
		return nil, fmt.Errorf("%w: checkpoint %s checksum mismatch", ErrIntegrity, checkpointID)
	}
	return &cp, nil
}

// ListForRun returns all checkpoints of a run ordered by
// (phase order, version, kind). phaseOrder maps a phase name to its
// position in the run's phase graph; unknown phases sort last.
func (s *Store) ListForRun(ctx context.Context, runID string, phaseOrder func(string) int) ([]*Checkpoint, error) {
	idx, err := s.loadIndex(ctx, runID)
	if err != nil {
		return nil, err
	}

	checkpoints := make([]*Checkpoint, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		cp, err := s.Load(ctx, runID, e.CheckpointID)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}

	sort.SliceStable(checkpoints, func(i, j int) bool {
		a, b := checkpoints[i], checkpoints[j]
		ao, bo := phaseOrder(a.Phase), phaseOrder(b.Phase)
		if ao < 0 {
			ao = int(^uint(0) >> 1)
		}
		if bo < 0 {
			bo = int(^uint(0) >> 1)
		}
		if ao != bo {
			return ao < bo
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return kindRank[a.Kind] < kindRank[b.Kind]
	})
	return checkpoints, nil
}

// Rollback restores the run to the target checkpoint: completed phases are
// trimmed to those at or before the target phase, downstream artifact
// manifests are archived (blobs retained), and a new PRE_ROLLBACK
// checkpoint referencing the target is written. The derived orchestrator
// state is returned for the engine to persist. Calling Rollback twice with
// the same target yields the same state, with a fresh checkpoint each time.
func (s *Store) Rollback(ctx context.Context, runID, targetID string, phaseOrder func(string) int) (*Checkpoint, *OrchestratorState, error) {
	target, err := s.Load(ctx, runID, targetID)
	if err != nil {
		return nil, nil, err
	}

	targetOrder := phaseOrder(target.Phase)
	if targetOrder < 0 {
		return nil, nil, fmt.Errorf("rollback target %s: unknown phase %q", targetID, target.Phase)
	}

	restored := target.Orchestrator
	var kept []string
	for _, phase := range restored.CompletedPhases {
		if order := phaseOrder(phase); order >= 0 && order < targetOrder {
			kept = append(kept, phase)
		}
	}
	restored.CompletedPhases = kept
	restored.CurrentPhase = target.Phase

	if _, err := s.artifacts.ArchiveAfter(ctx, runID, targetOrder, phaseOrder, "rollback to "+targetID); err != nil {
		return nil, nil, fmt.Errorf("archive downstream artifacts: %w", err)
	}

	pre := &Checkpoint{
		RunID:              runID,
		Phase:              target.Phase,
		Kind:               KindPreRollback,
		ParentCheckpointID: targetID,
		Artifacts:          target.Artifacts,
		AgentStates:        target.AgentStates,
		Orchestrator:       restored,
	}
	created, err := s.Create(ctx, pre)
	if err != nil {
		return nil, nil, err
	}
	return created, &restored, nil
}

// loadIndex reads the run's checkpoint index, or an empty one.
func (s *Store) loadIndex(ctx context.Context, runID string) (*index, error) {
	entry, err := s.kv.Get(ctx, indexKey(runID))
	if err != nil {
		if storage.IsNotFound(err) {
			return &index{RunID: runID}, nil
		}
		return nil, fmt.Errorf("load checkpoint index %s: %w", runID, err)
	}
	var idx index
	if err := json.Unmarshal(entry.Value(), &idx); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint index %s: %w", runID, err)
	}
	return &idx, nil
}

func (s *Store) saveIndex(ctx context.Context, idx *index) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal checkpoint index: %w", err)
	}
	if _, err := s.kv.Put(ctx, indexKey(idx.RunID), data); err != nil {
		return fmt.Errorf("store checkpoint index: %w", err)
	}
	return nil
}

func (i *index) find(checkpointID string) *indexEntry {
	pos := slices.IndexFunc(i.Entries, func(e indexEntry) bool {
		return e.CheckpointID == checkpointID
	})
	if pos < 0 {
		return nil
	}
	return &i.Entries[pos]
}
