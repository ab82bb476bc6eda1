package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/swarmrun/storage"
)

// RunStore persists run records in the runs bucket. Every state mutation
// funnels through Save before observers see the corresponding events.
type RunStore struct {
	kv jetstream.KeyValue
}

// NewRunStore opens the runs bucket.
func NewRunStore(ctx context.Context, js jetstream.JetStream) (*RunStore, error) {
	kv, err := storage.GetOrCreateBucket(ctx, js, storage.BucketRuns)
	if err != nil {
		return nil, fmt.Errorf("open runs bucket: %w", err)
	}
	return &RunStore{kv: kv}, nil
}

// Save writes the run record. UpdatedAt is stamped here.
func (s *RunStore) Save(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.RunID, err)
	}
	if _, err := s.kv.Put(ctx, run.RunID, data); err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

// Load reads one run record.
func (s *RunStore) Load(ctx context.Context, runID string) (*Run, error) {
	entry, err := s.kv.Get(ctx, runID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	var run Run
	if err := json.Unmarshal(entry.Value(), &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

// List returns all run records.
func (s *RunStore) List(ctx context.Context) ([]*Run, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]*Run, 0, len(keys))
	for _, key := range keys {
		run, err := s.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Active returns runs needing rehydration after a restart: anything not
// terminal and not plainly failed.
func (s *RunStore) Active(ctx context.Context) ([]*Run, error) {
	runs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var active []*Run
	for _, run := range runs {
		switch run.Status {
		case StatusRunningPhase, StatusAwaitingConsensus, StatusAwaitingPostGate, StatusIdle:
			active = append(active, run)
		}
	}
	return active, nil
}
