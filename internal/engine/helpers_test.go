package engine

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/entity"
	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/storage/sqlite"
	"github.com/scrypster/mnemo/internal/transcript"
)

const testDim = 64

// scriptedLLM answers extraction prompts with respond(transcript), where
// transcript is the rendered chunk without the instructions.
type scriptedLLM struct {
	mu      sync.Mutex
	calls   int
	respond func(chunk string) (string, error)
}

func (s *scriptedLLM) Complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	_, chunk, _ := strings.Cut(prompt, "TRANSCRIPT:\n")
	chunk, _, _ = strings.Cut(chunk, "\n\nJSON ARRAY:")
	return s.respond(chunk)
}

func (s *scriptedLLM) GetModel() string { return "scripted" }

func (s *scriptedLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type embedRule struct {
	contains string
	vec      []float32
}

// fakeEmbedder returns the vector of the first rule whose substring occurs
// in the text. Other texts get a fresh unit axis each, so unrelated texts
// are orthogonal and equal texts identical.
type fakeEmbedder struct {
	mu    sync.Mutex
	rules []embedRule
	axes  map[string]int
	err   error
	calls int
}

func newFakeEmbedder(rules ...embedRule) *fakeEmbedder {
	return &fakeEmbedder{rules: rules, axes: make(map[string]int)}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	for _, r := range f.rules {
		if strings.Contains(text, r.contains) {
			return r.vec, nil
		}
	}
	axis, ok := f.axes[text]
	if !ok {
		axis = 32 + len(f.axes)%32
		f.axes[text] = axis
	}
	return unit(axis), nil
}

func (f *fakeEmbedder) GetModel() string { return "fake-embed" }

func (f *fakeEmbedder) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// unit returns the basis vector along axis.
func unit(axis int) []float32 {
	v := make([]float32, testDim)
	v[axis] = 1
	return v
}

// near returns a unit vector with cosine similarity sim to unit(axis),
// tilted towards unit(toward).
func near(axis, toward int, sim float64) []float32 {
	v := make([]float32, testDim)
	v[axis] = float32(sim)
	v[toward] = float32(math.Sqrt(1 - sim*sim))
	return v
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func line(role, text string, ts time.Time) string {
	b, _ := json.Marshal(map[string]any{
		"role":      role,
		"text":      text,
		"timestamp": ts.UTC().Format(time.RFC3339),
	})
	return string(b) + "\n"
}

func appendTranscript(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l)
		require.NoError(t, err)
	}
}

// conversation returns n alternating user/assistant lines. The first user
// line carries text; the rest are filler.
func conversation(n int, text string, start time.Time) []string {
	lines := make([]string, n)
	for i := range lines {
		role, body := "user", "ok, continuing"
		if i%2 == 1 {
			role, body = "assistant", "noted"
		}
		if i == 0 {
			body = text
		}
		lines[i] = line(role, body, start.Add(time.Duration(i)*time.Minute))
	}
	return lines
}

type testPipeline struct {
	scheduler *Scheduler
	store     *sqlite.Store
	llm       *scriptedLLM
	embedder  *fakeEmbedder
	events    *EventBus
	dir       string
}

func newTestPipeline(t *testing.T, gen *scriptedLLM, emb *fakeEmbedder, mutate func(*Config)) *testPipeline {
	t.Helper()
	store := newTestStore(t)
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Retry = llm.RetryConfig{MaxAttempts: 1}
	cfg.FileConcurrency = 2
	cfg.TailIdle = 0
	if mutate != nil {
		mutate(&cfg)
	}

	events := NewEventBus()
	s, err := NewScheduler(cfg, Pipeline{
		Source:    transcript.NewSource([]string{dir}, nil),
		Store:     store,
		Extractor: NewExtractor(gen, llm.RetryConfig{MaxAttempts: 1}),
		Resolver:  entity.NewResolver(store),
		Embedder:  emb,
		Events:    events,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		events.Close()
	})

	return &testPipeline{scheduler: s, store: store, llm: gen, embedder: emb, events: events, dir: dir}
}
