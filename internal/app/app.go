// Package app assembles the mnemo services from a Config. The binaries in
// cmd/ share it so the server and the one-shot extractor wire the same
// pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/scrypster/mnemo/internal/config"
	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/entity"
	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/internal/storage/postgres"
	"github.com/scrypster/mnemo/internal/storage/sqlite"
	"github.com/scrypster/mnemo/internal/transcript"
	"github.com/scrypster/mnemo/internal/vectorindex"
)

const stopTimeout = 30 * time.Second

// App holds the wired services.
type App struct {
	Config    *config.Config
	Store     storage.Store
	Scheduler *engine.Scheduler
	Retriever *engine.Retriever
	Feedback  *engine.FeedbackLedger
	Events    *engine.EventBus
	Source    *transcript.Source

	// SQLite is set when the store is the sqlite backend.
	SQLite *sqlite.Store

	// Index is set when the in-process vector index serves semantic search.
	Index *vectorindex.Index

	queryCache *llm.CachedEmbedder
	indexSync  chan struct{}
}

// Options adjusts wiring for tests and tools.
type Options struct {
	// Store replaces the store chosen by the config.
	Store storage.Store

	// Text and Embeddings replace the generators built from the config.
	Text       llm.TextGenerator
	Embeddings llm.EmbeddingGenerator
}

// New connects the store and builds the write and read paths. Nothing is
// started; callers start the scheduler themselves.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg, Events: engine.NewEventBus()}

	store := opts.Store
	if store == nil {
		var err error
		store, err = a.openStore()
		if err != nil {
			return nil, err
		}
	}
	if s, ok := store.(*sqlite.Store); ok {
		a.SQLite = s
	}
	a.Store = store

	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStore() (storage.Store, error) {
	cfg := a.Config
	switch cfg.Storage.Engine {
	case "postgres":
		store, err := postgres.NewStore(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		if !store.VectorEnabled() {
			log.Printf("app: WARNING: pgvector is not available, semantic search scans every embedding")
		}
		return store, nil
	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := sqlite.NewStore(cfg.DatabasePath())
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	}
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	text := opts.Text
	if text == nil {
		gen, err := llm.NewTextGenerator(cfg.TextProvider())
		if err != nil {
			return fmt.Errorf("failed to create text generator: %w", err)
		}
		text = llm.WithTextRateLimit(gen, llm.NewLimiter(cfg.LLM.RequestsPerSecond, cfg.LLM.Burst))
	}

	embedder := opts.Embeddings
	if embedder == nil {
		gen, err := llm.NewEmbeddingGenerator(cfg.EmbeddingProvider())
		if err != nil {
			return fmt.Errorf("failed to create embedding generator: %w", err)
		}
		embedder = llm.WithEmbedRateLimit(gen, llm.NewLimiter(cfg.Embedding.RequestsPerSecond, cfg.Embedding.Burst))
	}

	queryEmbedder := embedder
	if cfg.Embedding.CacheEntries > 0 {
		cache, err := llm.NewCachedEmbedder(embedder, cfg.Embedding.CacheEntries)
		if err != nil {
			return fmt.Errorf("failed to create embedding cache: %w", err)
		}
		a.queryCache = cache
		queryEmbedder = cache
	}

	var searcher storage.SemanticSearcher = a.Store
	var index engine.Indexer
	if cfg.Retrieval.VectorIndex {
		ix := vectorindex.New(a.Store, a.Store)
		if err := ix.Warm(ctx); err != nil {
			log.Printf("app: WARNING: vector index unavailable, using store search: %v", err)
		} else {
			searcher = ix
			index = ix
			a.Index = ix
			a.indexSync = a.syncIndexAfterRuns(ix)
		}
	}

	resolver := entity.NewResolver(a.Store)
	a.Source = transcript.NewSource(cfg.Extraction.TranscriptRoots, cfg.Extraction.Patterns)

	schedCfg := cfg.SchedulerConfig()
	sched, err := engine.NewScheduler(schedCfg, engine.Pipeline{
		Source:    a.Source,
		Store:     a.Store,
		Extractor: engine.NewExtractor(text, schedCfg.Retry),
		Resolver:  resolver,
		Embedder:  embedder,
		Index:     index,
		Events:    a.Events,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	a.Scheduler = sched

	retriever, err := engine.NewRetriever(a.Store, searcher, resolver, queryEmbedder,
		engine.NewRanker(cfg.RankingSettings()), cfg.RetrievalSettings())
	if err != nil {
		return fmt.Errorf("failed to create retriever: %w", err)
	}
	a.Retriever = retriever
	a.Feedback = engine.NewFeedbackLedger(a.Store)
	return nil
}

// syncIndexAfterRuns adds memories written by other processes to ix each
// time a run completes, whether it ran here or was relayed from elsewhere.
// The returned channel closes once the event bus has closed.
func (a *App) syncIndexAfterRuns(ix *vectorindex.Index) chan struct{} {
	events, _ := a.Events.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			if e.Type != engine.EventRunCompleted {
				continue
			}
			n, err := ix.Sync(context.Background())
			if err != nil {
				log.Printf("app: WARNING: vector index sync failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("app: vector index picked up %d memories after run %s", n, e.RunID)
			}
		}
	}()
	return done
}

// Close stops the scheduler, waiting up to stopTimeout for a running
// extraction, and releases the store.
func (a *App) Close() error {
	var errs []error
	if a.Scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := a.Scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.queryCache != nil {
		a.queryCache.Close()
	}
	a.Events.Close()
	if a.indexSync != nil {
		<-a.indexSync
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
