package vectorindex_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/internal/storage/sqlite"
	"github.com/scrypster/mnemo/internal/vectorindex"
	"github.com/scrypster/mnemo/pkg/types"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func vec(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim)), 0}
}

func put(t *testing.T, store *sqlite.Store, content string, emb []float32) *types.Memory {
	t.Helper()
	return putModel(t, store, content, "", emb)
}

func putModel(t *testing.T, store *sqlite.Store, content, model string, emb []float32) *types.Memory {
	t.Helper()
	m := &types.Memory{
		Type:            types.MemoryTypeInsight,
		Title:           content,
		Content:         content,
		ConfidenceScore: 0.7,
		Embedding:       emb,
		EmbeddingModel:  model,
		FormedAt:        time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	res, err := store.Upsert(context.Background(), m, storage.DefaultMergeThreshold)
	require.NoError(t, err)
	return res.Memory
}

func TestIndex_MatchesStoreResults(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	near := put(t, store, "near", vec(0.95))
	mid := put(t, store, "mid", vec(0.6))
	put(t, store, "far", vec(0.1))

	ix := vectorindex.New(store, store)
	require.NoError(t, ix.Warm(ctx))
	assert.Equal(t, 3, ix.Len())

	hits, err := ix.SearchSimilar(ctx, vec(1), "", 0.4, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, near.ID, hits[0].Memory.ID)
	assert.Equal(t, mid.ID, hits[1].Memory.ID)
	assert.InDelta(t, 0.95, hits[0].Similarity, 1e-4)

	limited, err := ix.SearchSimilar(ctx, vec(1), "", 0, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, near.ID, limited[0].Memory.ID)
}

func TestIndex_CatchesUpOnQuery(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	ix := vectorindex.New(store, store)
	m := put(t, store, "only", vec(1))
	assert.Equal(t, 0, ix.Len())

	// Not indexed yet: the query syncs the index before answering.
	hits, err := ix.SearchSimilar(ctx, vec(1), "", 0.5, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, m.ID, hits[0].Memory.ID)
	assert.Equal(t, 1, ix.Len())

	require.NoError(t, ix.Add(ctx, m.ID, m.EmbeddingModel, m.Embedding))
	require.NoError(t, ix.Add(ctx, m.ID, m.EmbeddingModel, m.Embedding))
	assert.Equal(t, 1, ix.Len())

	hits, err = ix.SearchSimilar(ctx, vec(1), "", 0.5, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestIndex_EmptyAndZeroQueries(t *testing.T) {
	store := newStore(t)
	ix := vectorindex.New(store, nil)

	hits, err := ix.SearchSimilar(context.Background(), vec(1), "", 0.4, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = ix.SearchSimilar(context.Background(), []float32{0, 0, 0}, "", 0.4, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_SyncPicksUpForeignWrites(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	put(t, store, "indexed", vec(0.95))
	ix := vectorindex.New(store, store)
	require.NoError(t, ix.Warm(ctx))

	// Written by another process: the index no longer covers the store.
	late := put(t, store, "late", vec(0.1))
	assert.Equal(t, 1, ix.Len())

	added, err := ix.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 2, ix.Len())

	added, err = ix.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	hits, err := ix.SearchSimilar(ctx, vec(0.1), "", 0.99, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, late.ID, hits[0].Memory.ID)
}

func TestIndex_FiltersByModel(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	current := putModel(t, store, "current", "embed-v2", vec(1))
	putModel(t, store, "stale", "embed-v1", []float32{0, 0, 1})

	ix := vectorindex.New(store, store)
	require.NoError(t, ix.Warm(ctx))

	hits, err := ix.SearchSimilar(ctx, []float32{0.6, 0, 0.8}, "embed-v2", 0, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1, "embeddings of another model are not compared")
	assert.Equal(t, current.ID, hits[0].Memory.ID)

	hits, err = ix.SearchSimilar(ctx, []float32{0.6, 0, 0.8}, "", 0, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}
