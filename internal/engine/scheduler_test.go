package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const postgresDecision = `[{"type":"decision","title":"Use PostgreSQL for orders","content":"The team decided to use PostgreSQL for the orders service.","category":"database","confidence":0.9,"related_entities":["PostgreSQL"]}]`

// byKeyword answers with the first response whose key occurs in the chunk,
// or an empty array.
func byKeyword(responses map[string]string) func(string) (string, error) {
	return func(chunk string) (string, error) {
		for key, resp := range responses {
			if strings.Contains(chunk, key) {
				return resp, nil
			}
		}
		return "[]", nil
	}
}

func allMemories(t *testing.T, store storage.MemoryStore) []*types.Memory {
	t.Helper()
	ctx := context.Background()
	embs, err := store.ListEmbeddings(ctx)
	require.NoError(t, err)
	out := make([]*types.Memory, 0, len(embs))
	for _, e := range embs {
		m, err := store.Get(ctx, e.MemoryID)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestNewScheduler_Validation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessages = 2
	_, err := NewScheduler(cfg, Pipeline{})
	assert.Error(t, err)

	_, err = NewScheduler(DefaultConfig(), Pipeline{})
	assert.ErrorContains(t, err, "transcript source is required")
}

func TestRunOnce_ExtractsDecisionLinkedToEntity(t *testing.T) {
	gen := &scriptedLLM{respond: byKeyword(map[string]string{"PostgreSQL": postgresDecision})}
	p := newTestPipeline(t, gen, newFakeEmbedder(), nil)
	ctx := context.Background()

	path := filepath.Join(p.dir, "session.jsonl")
	appendTranscript(t, path, conversation(10, "Let's go with PostgreSQL for the orders service.", t0)...)

	summary, err := p.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Files)
	assert.Equal(t, 1, summary.ChunksProcessed)
	assert.Equal(t, 1, summary.MemoriesCreated)

	memories := allMemories(t, p.store)
	require.Len(t, memories, 1)
	m := memories[0]
	assert.Equal(t, types.MemoryTypeDecision, m.Type)
	assert.Equal(t, 1, m.TimesObserved)
	assert.InDelta(t, 0.9, m.ConfidenceScore, 1e-9)
	assert.Equal(t, path, m.SourceChunk.FilePath)
	assert.True(t, m.LastObservedAt.Equal(t0.Add(9*time.Minute)), "observed at the last message, got %v", m.LastObservedAt)

	entities, err := p.store.FindEntitiesByKeys(ctx, []string{"postgresql"})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.True(t, m.HasEntity(entities[0].ID), "memory should link %s, has %v", entities[0].ID, m.RelatedEntities)

	st, err := p.store.GetState(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, m.SourceChunk.EndOffset, st.LastPosition)
}

func TestRunOnce_ReingestionIsIdempotent(t *testing.T) {
	gen := &scriptedLLM{respond: byKeyword(map[string]string{"PostgreSQL": postgresDecision})}
	p := newTestPipeline(t, gen, newFakeEmbedder(), nil)
	ctx := context.Background()

	path := filepath.Join(p.dir, "session.jsonl")
	appendTranscript(t, path, conversation(10, "Let's go with PostgreSQL for the orders service.", t0)...)

	_, err := p.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, gen.Calls())

	// Reset the cursor as if the state had been lost.
	_, err = p.store.GetDB().ExecContext(ctx, `DELETE FROM extraction_state`)
	require.NoError(t, err)

	summary, err := p.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ChunksSkipped)
	assert.Equal(t, 0, summary.MemoriesCreated)
	assert.Equal(t, 0, summary.MemoriesMerged)
	assert.Equal(t, 1, gen.Calls(), "processed chunk must not reach the model again")

	n, err := p.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunOnce_ResumesFromCursor(t *testing.T) {
	gen := &scriptedLLM{respond: byKeyword(nil)}
	p := newTestPipeline(t, gen, newFakeEmbedder(), nil)
	ctx := context.Background()

	path := filepath.Join(p.dir, "session.jsonl")
	appendTranscript(t, path, conversation(10, "first part", t0)...)

	_, err := p.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	first, err := p.store.GetState(ctx, path)
	require.NoError(t, err)

	// A partial trailing line is left for later.
	appendTranscript(t, path, conversation(10, "second part", t0.Add(time.Hour))...)
	appendTranscript(t, path, `{"role":"user","text":"half`)

	summary, err := p.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ChunksProcessed)
	assert.Equal(t, 2, gen.Calls())

	second, err := p.store.GetState(ctx, path)
	require.NoError(t, err)
	assert.Greater(t, second.LastPosition, first.LastPosition)

	summary, err = p.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ChunksProcessed)
	assert.Equal(t, 2, gen.Calls())
}

func TestRunOnce_NearDuplicatesAcrossChunksMerge(t *testing.T) {
	gen := &scriptedLLM{respond: byKeyword(map[string]string{
		"orders on PostgreSQL": `[{"type":"decision","title":"Orders on PostgreSQL","content":"Orders service stores data in PostgreSQL.","category":"database"}]`,
		"confirm Postgres":     `[{"type":"decision","title":"Postgres confirmed","content":"Orders service keeps its data in Postgres.","category":"database"}]`,
	})}
	emb := newFakeEmbedder(
		embedRule{contains: "stores data in PostgreSQL", vec: unit(0)},
		embedRule{contains: "keeps its data in Postgres", vec: near(0, 1, 0.95)},
	)
	p := newTestPipeline(t, gen, emb, nil)
	ctx := context.Background()

	path := filepath.Join(p.dir, "session.jsonl")
	lines := conversation(10, "We keep orders on PostgreSQL.", t0)
	lines = append(lines, conversation(10, "Let me confirm Postgres for orders.", t0.Add(time.Hour))...)
	appendTranscript(t, path, lines...)

	summary, err := p.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ChunksProcessed)
	assert.Equal(t, 1, summary.MemoriesCreated)
	assert.Equal(t, 1, summary.MemoriesMerged)

	memories := allMemories(t, p.store)
	require.Len(t, memories, 1)
	m := memories[0]
	assert.Equal(t, 2, m.TimesObserved)
	assert.Equal(t, "Orders service stores data in PostgreSQL.", m.Content, "content is first-write-wins")
	assert.True(t, m.LastObservedAt.Equal(t0.Add(time.Hour+9*time.Minute)))
	assert.True(t, m.FormedAt.Equal(t0.Add(9*time.Minute)))
}

func TestRunOnce_DuplicatesWithinChunkMergeBeforeStorage(t *testing.T) {
	gen := &scriptedLLM{respond: byKeyword(map[string]string{
		"tabs": `[
			{"type":"pattern_seed","title":"Tabs","content":"Alice prefers tabs over spaces.","category":"style"},
			{"type":"pattern_seed","title":"Tabs again","content":"Alice likes tabs rather than spaces.","category":"style"},
			{"type":"bogus","title":"x","content":"y","category":"z"}
		]`,
	})}
	emb := newFakeEmbedder(
		embedRule{contains: "prefers tabs", vec: unit(0)},
		embedRule{contains: "likes tabs", vec: near(0, 2, 0.97)},
	)
	p := newTestPipeline(t, gen, emb, nil)
	ctx := context.Background()

	appendTranscript(t, filepath.Join(p.dir, "a.jsonl"), conversation(10, "Alice uses tabs.", t0)...)

	summary, err := p.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.CandidatesExtracted)
	assert.Equal(t, 1, summary.CandidatesDropped)
	assert.Equal(t, 1, summary.MemoriesCreated)
	assert.Equal(t, 1, summary.MemoriesMerged)

	memories := allMemories(t, p.store)
	require.Len(t, memories, 1)
	assert.Equal(t, 2, memories[0].TimesObserved)
}

func TestRunOnce_FailedChunkRetriedOnNextRun(t *testing.T) {
	var fail = true
	gen := &scriptedLLM{}
	gen.respond = func(chunk string) (string, error) {
		if fail {
			return "", errors.New("model overloaded")
		}
		return postgresDecision, nil
	}
	p := newTestPipeline(t, gen, newFakeEmbedder(), nil)
	ctx := context.Background()

	path := filepath.Join(p.dir, "session.jsonl")
	appendTranscript(t, path, conversation(10, "PostgreSQL it is.", t0)...)

	summary, err := p.scheduler.RunOnce(ctx)
	require.NoError(t, err, "a failed chunk does not fail the run")
	assert.Equal(t, 1, summary.ChunksFailed)

	failed, err := p.store.ListFailedChunks(ctx, path)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Contains(t, failed[0].LastError, "model overloaded")

	st, err := p.store.GetState(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, failed[0].EndOffset, st.LastPosition, "cursor moves past a parked chunk")

	fail = false
	summary, err = p.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ChunksFailed)
	assert.Equal(t, 1, summary.MemoriesCreated)

	failed, err = p.store.ListFailedChunks(ctx, path)
	require.NoError(t, err)
	assert.Empty(t, failed)

	memories := allMemories(t, p.store)
	require.Len(t, memories, 1)
	assert.Equal(t, int64(0), memories[0].SourceChunk.StartOffset)
}

func TestRunOnce_FailedChunkAbandoned(t *testing.T) {
	gen := &scriptedLLM{respond: func(string) (string, error) { return "", errors.New("always down") }}
	p := newTestPipeline(t, gen, newFakeEmbedder(), func(c *Config) { c.MaxChunkAttempts = 2 })
	ctx := context.Background()

	path := filepath.Join(p.dir, "session.jsonl")
	appendTranscript(t, path, conversation(10, "anything", t0)...)

	for i := 0; i < 2; i++ {
		summary, err := p.scheduler.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.ChunksFailed, "run %d", i+1)
	}
	assert.Equal(t, 2, gen.Calls())

	summary, err := p.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ChunksAbandoned)
	assert.Equal(t, 2, gen.Calls(), "abandoned chunk is not retried")

	failed, err := p.store.ListFailedChunks(ctx, path)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestRunOnce_EmbeddingUnavailableAbortsWithoutAdvancing(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		mutate func(*Config)
	}{
		{name: "circuit open", err: fmt.Errorf("embed: %w", llm.ErrCircuitOpen)},
		{name: "consecutive failures", err: errors.New("connection refused"), mutate: func(c *Config) { c.MaxConsecutiveEmbedFailures = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedLLM{respond: byKeyword(map[string]string{"PostgreSQL": postgresDecision})}
			emb := newFakeEmbedder()
			emb.setErr(tt.err)
			p := newTestPipeline(t, gen, emb, tt.mutate)
			ctx := context.Background()

			path := filepath.Join(p.dir, "session.jsonl")
			appendTranscript(t, path, conversation(10, "PostgreSQL it is.", t0)...)

			summary, err := p.scheduler.RunOnce(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
			require.NotNil(t, summary)
			assert.NotEmpty(t, summary.Error)

			_, err = p.store.GetState(ctx, path)
			assert.ErrorIs(t, err, storage.ErrNotFound, "cursor must not advance")

			failed, err := p.store.ListFailedChunks(ctx, path)
			require.NoError(t, err)
			assert.Empty(t, failed)

			// The service comes back: the same chunk is processed.
			emb.setErr(nil)
			summary, err = p.scheduler.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, summary.MemoriesCreated)

			st := p.scheduler.Status()
			assert.Equal(t, 2, st.Totals.Runs)
			assert.Equal(t, 1, st.Totals.FailedRuns)
		})
	}
}

func TestRunOnce_CancelledMidChunkKeepsCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &scriptedLLM{respond: func(string) (string, error) {
		cancel()
		return "", context.Canceled
	}}
	p := newTestPipeline(t, gen, newFakeEmbedder(), nil)

	path := filepath.Join(p.dir, "session.jsonl")
	appendTranscript(t, path, conversation(10, "hello", t0)...)

	_, err := p.scheduler.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	bg := context.Background()
	_, err = p.store.GetState(bg, path)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	failed, err := p.store.ListFailedChunks(bg, path)
	require.NoError(t, err)
	assert.Empty(t, failed, "cancellation is not a chunk failure")
}

func TestTrigger_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	gen := &scriptedLLM{respond: func(string) (string, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return "[]", nil
	}}
	p := newTestPipeline(t, gen, newFakeEmbedder(), nil)
	ctx := context.Background()
	appendTranscript(t, filepath.Join(p.dir, "session.jsonl"), conversation(10, "hello", t0)...)

	runID, err := p.scheduler.Trigger(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not reach the model")
	}

	_, err = p.scheduler.Trigger(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = p.scheduler.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	st := p.scheduler.Status()
	assert.True(t, st.Running)
	assert.Equal(t, runID, st.CurrentRunID)

	close(release)
	require.Eventually(t, func() bool { return !p.scheduler.Status().Running }, 5*time.Second, 10*time.Millisecond)

	st = p.scheduler.Status()
	require.NotNil(t, st.LastRun)
	assert.Equal(t, runID, st.LastRun.RunID)
	assert.Equal(t, 1, st.LastRun.ChunksProcessed)
	assert.Empty(t, st.CurrentRunID)
}

func TestStop_RejectsTriggers(t *testing.T) {
	p := newTestPipeline(t, &scriptedLLM{respond: byKeyword(nil)}, newFakeEmbedder(), nil)
	ctx := context.Background()

	require.NoError(t, p.scheduler.Start(ctx))
	assert.Error(t, p.scheduler.Start(ctx), "double start")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.scheduler.Stop(stopCtx))

	_, err := p.scheduler.Trigger(ctx)
	assert.ErrorContains(t, err, "stopped")
	assert.Error(t, p.scheduler.Start(ctx))
}

func TestStart_RunOnStartSchedulesNext(t *testing.T) {
	gen := &scriptedLLM{respond: byKeyword(nil)}
	p := newTestPipeline(t, gen, newFakeEmbedder(), func(c *Config) {
		c.RunOnStart = true
		c.Interval = time.Hour
	})
	appendTranscript(t, filepath.Join(p.dir, "session.jsonl"), conversation(10, "hello", t0)...)

	require.NoError(t, p.scheduler.Start(context.Background()))
	require.Eventually(t, func() bool {
		st := p.scheduler.Status()
		return st.LastRun != nil && st.NextRunAt != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, gen.Calls())
}

func TestRunOnce_PublishesEvents(t *testing.T) {
	gen := &scriptedLLM{respond: byKeyword(map[string]string{"PostgreSQL": postgresDecision})}
	p := newTestPipeline(t, gen, newFakeEmbedder(), nil)
	appendTranscript(t, filepath.Join(p.dir, "session.jsonl"), conversation(10, "PostgreSQL it is.", t0)...)

	events, unsubscribe := p.events.Subscribe(32)
	defer unsubscribe()

	summary, err := p.scheduler.RunOnce(context.Background())
	require.NoError(t, err)

	var got []EventType
	for len(events) > 0 {
		e := <-events
		assert.Equal(t, summary.RunID, e.RunID)
		got = append(got, e.Type)
		if e.Type == EventChunkProcessed {
			assert.Equal(t, 1, e.Created)
		}
	}
	assert.Equal(t, []EventType{EventRunStarted, EventFileStarted, EventChunkProcessed, EventFileCompleted, EventRunCompleted}, got)
}

func TestRunOnce_HoldsBackTailWhileFileIsActive(t *testing.T) {
	var rendered []string
	gen := &scriptedLLM{respond: func(chunk string) (string, error) {
		rendered = append(rendered, chunk)
		return "[]", nil
	}}
	p := newTestPipeline(t, gen, newFakeEmbedder(), func(c *Config) { c.TailIdle = time.Hour })
	ctx := context.Background()

	path := filepath.Join(p.dir, "session.jsonl")
	head := conversation(10, "warming up", t0)
	appendTranscript(t, path, head...)
	appendTranscript(t, path,
		line("user", "Which database for orders?", t0.Add(time.Hour)),
		line("assistant", "Looking at the options.", t0.Add(time.Hour+time.Minute)),
	)

	summary, err := p.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ChunksProcessed)
	assert.Equal(t, 1, summary.ChunksDeferred)

	var headSize int64
	for _, l := range head {
		headSize += int64(len(l))
	}
	state, err := p.store.GetState(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, headSize, state.LastPosition, "cursor stops where the held tail starts")

	// The assistant keeps talking, then the session goes quiet.
	appendTranscript(t, path, line("assistant", "PostgreSQL fits the orders service.", t0.Add(time.Hour+2*time.Minute)))
	quiet := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, quiet, quiet))

	summary, err = p.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ChunksProcessed)
	assert.Equal(t, 0, summary.ChunksDeferred)

	require.Len(t, rendered, 2)
	tail := rendered[1]
	assert.Equal(t, 3, len(strings.Split(tail, "\n")), "one chunk holds the whole tail")
	assert.Contains(t, tail, "Looking at the options.")
	assert.Contains(t, tail, "PostgreSQL fits the orders service.")

	fi, err := os.Stat(path)
	require.NoError(t, err)
	state, err = p.store.GetState(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), state.LastPosition)
}
