package artifact

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/swarmrun/ident"
	"github.com/c360studio/swarmrun/storage"
	"github.com/c360studio/swarmrun/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	js := storagetest.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	store, err := NewStore(ctx, js)
	require.NoError(t, err)
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	content := []byte("# Architecture\n\nThree services, one queue.\n")
	ref, err := store.Put(ctx, "run-1", "architecture", "solution_architect", "design.md", TypeMarkdown, content)
	require.NoError(t, err)

	assert.NotEmpty(t, ref.ArtifactID)
	assert.Equal(t, "run-1", ref.RunID)
	assert.Equal(t, "architecture", ref.ProducingPhase)
	assert.Equal(t, "solution_architect", ref.ProducingAgent)
	assert.Equal(t, ident.HashBytes(content), ref.BlobHash)
	assert.Equal(t, int64(len(content)), ref.Size)
	assert.Equal(t, "artifacts/architecture/solution-architect/design-md", ref.StablePath)

	got, data, err := store.Get(ctx, "run-1", ref.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, ref.ArtifactID, got.ArtifactID)
	assert.Equal(t, content, data)
}

func TestPutDeduplicatesBlobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	content := []byte(`{"rows": 42}`)
	a, err := store.Put(ctx, "run-1", "data", "data_engineer", "profile.json", TypeJSON, content)
	require.NoError(t, err)
	b, err := store.Put(ctx, "run-1", "data", "data_engineer", "profile-copy.json", TypeJSON, content)
	require.NoError(t, err)

	assert.Equal(t, a.BlobHash, b.BlobHash)
	assert.NotEqual(t, a.ArtifactID, b.ArtifactID)

	refs, err := store.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestPutRejectsInvalidType(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Put(context.Background(), "run-1", "data", "agent", "x", Type("binary"), []byte("x"))
	assert.Error(t, err)
}

func TestGetUnknownArtifact(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.Get(context.Background(), "run-1", "nope")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestResolveBlobNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.ResolveBlob(context.Background(), ident.HashBytes([]byte("absent")))
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestResolveBlobIntegrity(t *testing.T) {
	js := storagetest.Start(t)
	ctx := context.Background()
	store, err := NewStore(ctx, js)
	require.NoError(t, err)

	// Plant a blob whose content does not match its key.
	blobs, err := storage.GetOrCreateObjectStore(ctx, js, storage.ObjectStoreBlobs)
	require.NoError(t, err)
	badKey := ident.HashBytes([]byte("expected content"))
	_, err = blobs.PutBytes(ctx, badKey, []byte("tampered content"))
	require.NoError(t, err)

	_, err = store.ResolveBlob(ctx, badKey)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestListByPhase(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "run-1", "planning", "project_planner", "plan.md", TypeMarkdown, []byte("plan"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "run-1", "development", "developer", "main.go", TypeCode, []byte("package main"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "run-1", "development", "developer", "config.yaml", TypeYAML, []byte("a: 1"))
	require.NoError(t, err)

	dev, err := store.ListByPhase(ctx, "run-1", "development")
	require.NoError(t, err)
	require.Len(t, dev, 2)
	assert.Equal(t, "main.go", dev[0].LogicalName)
	assert.Equal(t, "config.yaml", dev[1].LogicalName)

	none, err := store.ListByPhase(ctx, "run-1", "qa")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestArchiveAfterKeepsBlobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	order := map[string]int{"planning": 0, "development": 1, "qa": 2}
	phaseOrder := func(p string) int {
		if o, ok := order[p]; ok {
			return o
		}
		return -1
	}

	_, err := store.Put(ctx, "run-1", "planning", "project_planner", "plan.md", TypeMarkdown, []byte("plan"))
	require.NoError(t, err)
	qaRef, err := store.Put(ctx, "run-1", "qa", "qa_engineer", "report.md", TypeMarkdown, []byte("report"))
	require.NoError(t, err)

	archived, err := store.ArchiveAfter(ctx, "run-1", order["development"], phaseOrder, "rollback")
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	// QA artifact no longer listed, but its blob survives.
	refs, err := store.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "planning", refs[0].ProducingPhase)
	assert.True(t, store.HasBlob(ctx, qaRef.BlobHash))

	manifest, err := store.Manifest(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, manifest.Archived, 1)
	assert.Equal(t, qaRef.ArtifactID, manifest.Archived[0].Ref.ArtifactID)
	assert.Equal(t, "rollback", manifest.Archived[0].Reason)
}
