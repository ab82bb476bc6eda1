// Package storage provisions the JetStream resources shared by the engine's
// stores: KV buckets for runs, checkpoints, manifests and audit records, an
// object store for content-addressed blobs, and the event stream.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket and stream names.
const (
	BucketRuns        = "SWARMRUN_RUNS"
	BucketCheckpoints = "SWARMRUN_CHECKPOINTS"
	BucketManifests   = "SWARMRUN_MANIFESTS"
	BucketAudit       = "SWARMRUN_AUDIT"
	ObjectStoreBlobs  = "SWARMRUN_BLOBS"
	StreamEvents      = "SWARMRUN_EVENTS"

	// EventSubjectPrefix is the subject root for run events. Per-run
	// subjects are EventSubjectPrefix + "." + runID.
	EventSubjectPrefix = "swarmrun.events"
)

// ErrNotFound is returned when a key or object does not exist.
var ErrNotFound = errors.New("not found")

// GetOrCreateBucket returns the named KV bucket, creating it if needed.
func GetOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Swarmrun %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// GetOrCreateObjectStore returns the named object store, creating it if
// needed. Used for content-addressed blobs.
func GetOrCreateObjectStore(ctx context.Context, js jetstream.JetStream, name string) (jetstream.ObjectStore, error) {
	os, err := js.ObjectStore(ctx, name)
	if err == nil {
		return os, nil
	}
	return js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Swarmrun %s blobs", strings.ToLower(name)),
	})
}

// GetOrCreateEventStream returns the run event stream, creating it if
// needed. The stream captures every per-run event subject; stream sequence
// numbers provide the consumer offset contract.
func GetOrCreateEventStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.Stream(ctx, StreamEvents)
	if err == nil {
		return stream, nil
	}
	return js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamEvents,
		Description: "Swarmrun run event log",
		Subjects:    []string{EventSubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
	})
}

// IsNotFound reports whether err indicates a missing KV key or object.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) ||
		errors.Is(err, jetstream.ErrObjectNotFound) ||
		errors.Is(err, ErrNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "key not found") ||
		strings.Contains(err.Error(), "object not found")
}
