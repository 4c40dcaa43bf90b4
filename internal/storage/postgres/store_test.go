package postgres_test

import (
	"context"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/internal/storage/postgres"
	"github.com/scrypster/mnemo/pkg/types"
)

// postgresTestDSN returns the DSN for the test database.
// If POSTGRES_TEST_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore connects to the test database and empties it.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	store, err := postgres.NewStore(postgresTestDSN(t))
	require.NoError(t, err, "NewStore should succeed")
	require.NoError(t, store.TruncateForTest(context.Background()))

	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func unitVector(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim)), 0}
}

func newTestMemory(content string, emb []float32) *types.Memory {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return &types.Memory{
		Type:            types.MemoryTypeDecision,
		Title:           content,
		Content:         content,
		ConfidenceScore: 0.8,
		Embedding:       emb,
		EmbeddingModel:  "test-embed",
		FormedAt:        at,
		LastObservedAt:  at,
	}
}

func TestPostgresUpsert_MergeAndInsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Upsert(ctx, newTestMemory("use postgres", unitVector(1)), storage.DefaultMergeThreshold)
	require.NoError(t, err)
	assert.True(t, first.Created)

	merged, err := store.Upsert(ctx, newTestMemory("we use postgres", unitVector(0.95)), storage.DefaultMergeThreshold)
	require.NoError(t, err)
	assert.False(t, merged.Created)
	assert.Equal(t, first.Memory.ID, merged.Memory.ID)
	assert.Equal(t, 2, merged.Memory.TimesObserved)
	assert.Equal(t, "use postgres", merged.Memory.Content)

	other, err := store.Upsert(ctx, newTestMemory("tabs not spaces", unitVector(0.5)), storage.DefaultMergeThreshold)
	require.NoError(t, err)
	assert.True(t, other.Created)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := store.SearchSimilar(ctx, unitVector(1), "test-embed", 0.6, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, first.Memory.ID, hits[0].Memory.ID)
}

func TestPostgresUpsert_Concurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Upsert(ctx, newTestMemory("same fact", unitVector(1)), storage.DefaultMergeThreshold)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresEntities(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pg := &types.Entity{Slug: "postgresql", Name: "PostgreSQL", Type: types.EntityTypeTool, Aliases: []string{"postgres"}}
	require.NoError(t, store.CreateEntity(ctx, pg))

	found, err := store.FindEntitiesByKeys(ctx, []string{"postgres"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, pg.ID, found[0].ID)

	other := &types.Entity{Slug: "pg", Type: types.EntityTypeTool, Aliases: []string{"postgres"}}
	assert.ErrorIs(t, store.CreateEntity(ctx, other), storage.ErrConflict)

	mysql := &types.Entity{Slug: "mysql", Type: types.EntityTypeTool}
	require.NoError(t, store.CreateEntity(ctx, mysql))
	assert.ErrorIs(t, store.AddAlias(ctx, mysql.ID, "postgres"), storage.ErrConflict)
	require.NoError(t, store.AddAlias(ctx, pg.ID, "postgres"))

	require.NoError(t, store.TouchEntity(ctx, pg.ID, time.Now().Add(time.Hour)))
	got, err := store.GetEntity(ctx, pg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MentionCount)
}

func TestPostgresState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.AdvanceState(ctx, "a.jsonl", 300, now))
	require.NoError(t, store.AdvanceState(ctx, "a.jsonl", 100, now))
	st, err := store.GetState(ctx, "a.jsonl")
	require.NoError(t, err)
	assert.Equal(t, int64(300), st.LastPosition)

	require.NoError(t, store.RecordFailedChunk(ctx, types.FailedChunk{FilePath: "a.jsonl", StartOffset: 0, EndOffset: 100}))
	require.NoError(t, store.RecordFailedChunk(ctx, types.FailedChunk{FilePath: "a.jsonl", StartOffset: 0, EndOffset: 100}))
	open, err := store.ListFailedChunks(ctx, "a.jsonl")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 2, open[0].Attempts)

	require.NoError(t, store.MarkChunkProcessed(ctx, "h1", "a.jsonl", 0, 100))
	done, err := store.IsChunkProcessed(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, done)
}
