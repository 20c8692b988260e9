package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ChromemStore {
	s, err := NewChromemStore("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func memoryFixture(id, scope string, embedding []float32) Memory {
	return Memory{
		ID:        id,
		Scope:     scope,
		Content:   "content of " + id,
		Embedding: embedding,
		Metadata: map[string]string{
			MetaDocumentID: id,
			MetaIsChunk:    "false",
		},
	}
}

func TestChromemCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureEmbeddingDimension(ctx, 3))
	mem := memoryFixture("doc-1", "agent-a", []float32{1, 0, 0})
	require.NoError(t, s.CreateMemory(ctx, mem))

	got, err := s.GetMemoryByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, mem.Content, got.Content)
	assert.Equal(t, "agent-a", got.Scope)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestChromemGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetMemoryByID(context.Background(), "nope")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.ID)
}

func TestChromemDuplicateIDRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mem := memoryFixture("doc-1", "agent-a", []float32{1, 0, 0})
	require.NoError(t, s.CreateMemory(ctx, mem))
	assert.ErrorContains(t, s.CreateMemory(ctx, mem), "already exists")
}

func TestChromemDimensionEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureEmbeddingDimension(ctx, 3))
	err := s.CreateMemory(ctx, memoryFixture("doc-1", "agent-a", []float32{1, 0}))
	assert.ErrorContains(t, err, "dimension mismatch")

	// Re-ensuring the same dimension is fine; a different one is not.
	assert.NoError(t, s.EnsureEmbeddingDimension(ctx, 3))
	assert.Error(t, s.EnsureEmbeddingDimension(ctx, 4))
}

func TestChromemScopeIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMemory(ctx, memoryFixture("doc-a", "agent-a", []float32{1, 0, 0})))
	require.NoError(t, s.CreateMemory(ctx, memoryFixture("doc-b", "agent-b", []float32{0, 1, 0})))

	a, err := s.GetMemories(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, "doc-a", a[0].ID)

	results, err := s.SearchMemories(ctx, "agent-b", []float32{0, 1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-b", results[0].Memory.ID)
}

func TestChromemCountFragments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := memoryFixture("doc-1", "agent-a", []float32{1, 0, 0})
	require.NoError(t, s.CreateMemory(ctx, doc))

	for i, id := range []string{"frag-1", "frag-2"} {
		frag := memoryFixture(id, "agent-a", []float32{0, 1, float32(i)})
		frag.Metadata[MetaIsChunk] = "true"
		frag.Metadata[MetaDocumentID] = "doc-1"
		require.NoError(t, s.CreateMemory(ctx, frag))
	}

	count, err := s.CountFragments(ctx, "agent-a", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = s.CountFragments(ctx, "agent-a", "other-doc")
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = s.CountFragments(ctx, "agent-b", "doc-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestChromemSearchRanksBySimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMemory(ctx, memoryFixture("near", "agent-a", []float32{1, 0, 0})))
	require.NoError(t, s.CreateMemory(ctx, memoryFixture("far", "agent-a", []float32{0, 0, 1})))

	results, err := s.SearchMemories(ctx, "agent-a", []float32{0.9, 0.1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].Memory.ID)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestChromemSearchEmptyScope(t *testing.T) {
	s := newTestStore(t)

	results, err := s.SearchMemories(context.Background(), "empty-scope", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemSearchClampsTopK(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMemory(ctx, memoryFixture("only", "agent-a", []float32{1, 0, 0})))

	results, err := s.SearchMemories(ctx, "agent-a", []float32{1, 0, 0}, 50)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestChromemPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewChromemStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.EnsureEmbeddingDimension(ctx, 3))
	require.NoError(t, s.CreateMemory(ctx, memoryFixture("doc-1", "agent-a", []float32{1, 0, 0})))
	frag := memoryFixture("frag-1", "agent-a", []float32{0, 1, 0})
	frag.Metadata[MetaIsChunk] = "true"
	frag.Metadata[MetaDocumentID] = "doc-1"
	require.NoError(t, s.CreateMemory(ctx, frag))
	require.NoError(t, s.Close())

	reopened, err := NewChromemStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	// ID lookups and duplicate rejection work across the restart.
	got, err := reopened.GetMemoryByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", got.Scope)
	assert.ErrorContains(t, reopened.CreateMemory(ctx, memoryFixture("doc-1", "agent-a", []float32{1, 0, 0})), "already exists")

	count, err := reopened.CountFragments(ctx, "agent-a", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The rehydrated dimension still gates writes.
	assert.Error(t, reopened.EnsureEmbeddingDimension(ctx, 4))

	results, err := reopened.SearchMemories(ctx, "agent-a", []float32{0, 1, 0}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "frag-1", results[0].Memory.ID)
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "scope-agent-a", collectionName("agent-a"))
	assert.Equal(t, "scope-agent_a_b", collectionName("agent a/b"))
	assert.LessOrEqual(t, len(collectionName(string(make([]byte, 200)))), 63)
}
