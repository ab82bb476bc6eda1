package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/swarmrun/ident"
	"github.com/c360studio/swarmrun/storage"
)

// Record is one immutable audit entry. Entries are append-only: they are
// written with KV Create, which refuses overwrites.
type Record struct {
	RunID     string     `json:"run_id"`
	Phase     string     `json:"phase"`
	GateID    string     `json:"gate_id"`
	Kind      GateKind   `json:"kind"`
	Threshold string     `json:"threshold,omitempty"`
	Actual    string     `json:"actual,omitempty"`
	Status    GateStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// AuditLog appends gate evaluations to the audit bucket.
type AuditLog struct {
	kv jetstream.KeyValue
}

// NewAuditLog provisions the audit bucket.
func NewAuditLog(ctx context.Context, js jetstream.JetStream) (*AuditLog, error) {
	kv, err := storage.GetOrCreateBucket(ctx, js, storage.BucketAudit)
	if err != nil {
		return nil, fmt.Errorf("create audit bucket: %w", err)
	}
	return &AuditLog{kv: kv}, nil
}

// Append writes one record. Keys embed a fresh UUID so records can never
// collide or be overwritten.
func (a *AuditLog) Append(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	key := fmt.Sprintf("%s.%s", r.RunID, ident.NewID())
	if _, err := a.kv.Create(ctx, key, data); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// ListForRun returns all audit records of a run ordered by timestamp.
func (a *AuditLog) ListForRun(ctx context.Context, runID string) ([]Record, error) {
	keys, err := a.kv.Keys(ctx)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list audit keys: %w", err)
	}

	var records []Record
	prefix := runID + "."
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := a.kv.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("get audit record %s: %w", key, err)
		}
		var r Record
		if err := json.Unmarshal(entry.Value(), &r); err != nil {
			return nil, fmt.Errorf("unmarshal audit record %s: %w", key, err)
		}
		records = append(records, r)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}
