package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/config"
	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/internal/storage/sqlite"
	"github.com/scrypster/mnemo/pkg/types"
)

const decisionJSON = `[{"type":"decision","title":"Use PostgreSQL","content":"We chose PostgreSQL for the billing service.","category":"database","confidence":0.9,"related_entities":["PostgreSQL"]}]`

type stubText struct{}

func (stubText) Complete(_ context.Context, prompt string) (string, error) {
	if strings.Contains(prompt, "PostgreSQL") {
		return decisionJSON, nil
	}
	return "[]", nil
}

func (stubText) GetModel() string { return "stub" }

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (stubEmbedder) GetModel() string { return "stub-embed" }

func writeTranscript(t *testing.T, dir string) {
	t.Helper()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var b strings.Builder
	for i := 0; i < 10; i++ {
		role, text := "user", "ok"
		if i%2 == 1 {
			role, text = "assistant", "noted"
		}
		if i == 0 {
			text = "Let's go with PostgreSQL for billing."
		}
		line, err := json.Marshal(map[string]any{
			"role":      role,
			"text":      text,
			"timestamp": start.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		})
		require.NoError(t, err)
		fmt.Fprintf(&b, "%s\n", line)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.jsonl"), []byte(b.String()), 0o644))
}

func newTestApp(t *testing.T, mutate func(*config.Config)) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataPath = filepath.Join(dir, "data")
	cfg.Extraction.TranscriptRoots = []string{dir}
	cfg.Embedding.CacheEntries = 100
	cfg.Extraction.TailIdle = 0
	if mutate != nil {
		mutate(cfg)
	}

	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)

	a, err := New(context.Background(), cfg, Options{
		Store:      store,
		Text:       stubText{},
		Embeddings: stubEmbedder{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, dir
}

func TestApp_ExtractThenRetrieve(t *testing.T) {
	for _, vectorIndex := range []bool{true, false} {
		t.Run(fmt.Sprintf("vector_index=%v", vectorIndex), func(t *testing.T) {
			a, dir := newTestApp(t, func(c *config.Config) { c.Retrieval.VectorIndex = vectorIndex })
			writeTranscript(t, dir)
			require.NotNil(t, a.SQLite)

			summary, err := a.Scheduler.RunOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, summary.MemoriesCreated)

			results := a.Retriever.Retrieve(context.Background(), engine.RetrieveRequest{
				Query: "why PostgreSQL for billing",
				K:     5,
			})
			require.Len(t, results, 1)
			assert.Equal(t, types.MemoryTypeDecision, results[0].Type)
			assert.Equal(t, types.RecallMethodBoth, results[0].RecallMethod)

			counters, err := a.Feedback.RecordFeedback(context.Background(), results[0].MemoryID, types.PolarityPositive)
			require.NoError(t, err)
			assert.Equal(t, 1, counters.Positive)
		})
	}
}

func TestApp_OpensSQLiteFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataPath = filepath.Join(dir, "nested", "data")
	cfg.Retrieval.VectorIndex = false

	a, err := New(context.Background(), cfg, Options{Text: stubText{}, Embeddings: stubEmbedder{}})
	require.NoError(t, err)
	require.NotNil(t, a.SQLite)
	require.NoError(t, a.Close())

	_, err = os.Stat(cfg.DatabasePath())
	assert.NoError(t, err)
}

func TestApp_BadProvider(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = "mystery"
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, Options{Store: store, Embeddings: stubEmbedder{}})
	assert.ErrorContains(t, err, "text generator")
}

func TestApp_VectorIndexFollowsForeignRuns(t *testing.T) {
	a, _ := newTestApp(t, func(c *config.Config) { c.Retrieval.VectorIndex = true })
	require.NotNil(t, a.Index)
	ctx := context.Background()

	// Another process sharing the database stores a memory.
	_, err := a.Store.Upsert(ctx, &types.Memory{
		Type:            types.MemoryTypeLearning,
		Title:           "Retries",
		Content:         "Retry the billing webhook three times.",
		ConfidenceScore: 0.8,
		Embedding:       []float32{0, 1, 0},
		EmbeddingModel:  "stub-embed",
	}, storage.DefaultMergeThreshold)
	require.NoError(t, err)
	assert.Equal(t, 0, a.Index.Len())

	a.Events.Publish(engine.Event{Type: engine.EventRunCompleted, RunID: "run-from-mnemo-extract"})
	assert.Eventually(t, func() bool { return a.Index.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}
