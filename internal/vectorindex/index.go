// Package vectorindex keeps an in-process chromem-go index of memory
// embeddings for the semantic retrieval path.
//
// The index only answers queries while it covers every stored memory. A
// query that finds it behind the store syncs it first, and delegates to the
// backend's own SemanticSearcher if the sync fails.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/scrypster/mnemo/internal/storage"
)

// modelKey is the document metadata key holding the embedding model.
const modelKey = "model"

// Index implements storage.SemanticSearcher on top of chromem-go.
type Index struct {
	db       *chromem.DB
	store    storage.MemoryStore
	fallback storage.SemanticSearcher

	mu          sync.RWMutex
	collections map[int]*chromem.Collection // one per embedding dimension
	ids         map[string]struct{}
}

var _ storage.SemanticSearcher = (*Index)(nil)

// New creates an empty index. store hydrates hits; fallback serves queries
// until the index covers every stored memory.
func New(store storage.MemoryStore, fallback storage.SemanticSearcher) *Index {
	return &Index{
		db:          chromem.NewDB(),
		store:       store,
		fallback:    fallback,
		collections: make(map[int]*chromem.Collection),
		ids:         make(map[string]struct{}),
	}
}

// Warm loads every stored embedding into the index.
func (ix *Index) Warm(ctx context.Context) error {
	if _, err := ix.Sync(ctx); err != nil {
		return err
	}
	log.Printf("vectorindex: warmed with %d embeddings", ix.Len())
	return nil
}

// Sync indexes stored embeddings the index does not hold yet, such as those
// of memories written by another process sharing the store. It returns the
// number of memories added.
func (ix *Index) Sync(ctx context.Context) (int, error) {
	total, err := ix.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("vectorindex: sync: %w", err)
	}
	if ix.Len() >= total {
		return 0, nil
	}

	embs, err := ix.store.ListEmbeddings(ctx)
	if err != nil {
		return 0, fmt.Errorf("vectorindex: sync: %w", err)
	}
	added := 0
	for _, e := range embs {
		if ix.has(e.MemoryID) {
			continue
		}
		if err := ix.Add(ctx, e.MemoryID, e.Model, e.Vector); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (ix *Index) collection(dim int) (*chromem.Collection, error) {
	ix.mu.RLock()
	col, ok := ix.collections[dim]
	ix.mu.RUnlock()
	if ok {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if col, ok := ix.collections[dim]; ok {
		return col, nil
	}

	// Embeddings are always supplied, so no embedding func is needed.
	col, err := ix.db.CreateCollection(fmt.Sprintf("memories_%d", dim), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: create collection: %w", err)
	}
	ix.collections[dim] = col
	return col, nil
}

// Add indexes a memory's embedding under its model. Re-adding an id replaces
// its vector. A zero vector never matches a query, so its memory is counted
// as covered without being stored.
func (ix *Index) Add(ctx context.Context, memoryID, model string, embedding []float32) error {
	if memoryID == "" {
		return nil
	}
	if isZero(embedding) {
		ix.mu.Lock()
		ix.ids[memoryID] = struct{}{}
		ix.mu.Unlock()
		return nil
	}

	col, err := ix.collection(len(embedding))
	if err != nil {
		return err
	}

	// chromem normalizes in place, so hand it a copy.
	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	doc := chromem.Document{
		ID:        memoryID,
		Metadata:  map[string]string{modelKey: model},
		Embedding: vec,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("vectorindex: add %s: %w", memoryID, err)
	}

	ix.mu.Lock()
	ix.ids[memoryID] = struct{}{}
	ix.mu.Unlock()
	return nil
}

func (ix *Index) has(memoryID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.ids[memoryID]
	return ok
}

// Len returns the number of indexed memories.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// SearchSimilar returns hydrated memories with similarity >= minSimilarity
// whose embedding came from model.
func (ix *Index) SearchSimilar(ctx context.Context, query []float32, model string, minSimilarity float64, limit int) ([]storage.ScoredMemory, error) {
	if len(query) == 0 || isZero(query) {
		return nil, nil
	}

	total, err := ix.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: count: %w", err)
	}
	if ix.Len() < total {
		// Memories were stored by another process since the last sync.
		if _, err := ix.Sync(ctx); err != nil {
			log.Printf("vectorindex: WARNING: %v", err)
		}
	}
	if ix.Len() < total {
		if ix.fallback == nil {
			return nil, fmt.Errorf("vectorindex: index covers %d of %d memories and no fallback is set", ix.Len(), total)
		}
		return ix.fallback.SearchSimilar(ctx, query, model, minSimilarity, limit)
	}

	ix.mu.RLock()
	col, ok := ix.collections[len(query)]
	ix.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	// QueryEmbedding rejects n larger than the collection.
	n := col.Count()
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil, nil
	}

	vec := make([]float32, len(query))
	copy(vec, query)
	var where map[string]string
	if model != "" {
		where = map[string]string{modelKey: model}
	}
	hits, err := col.QueryEmbedding(ctx, vec, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: query: %w", err)
	}

	var results []storage.ScoredMemory
	for _, h := range hits {
		sim := float64(h.Similarity)
		if sim < minSimilarity {
			continue
		}
		m, err := ix.store.Get(ctx, h.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("vectorindex: hydrate %s: %w", h.ID, err)
		}
		results = append(results, storage.ScoredMemory{Memory: *m, Similarity: sim})
	}
	return results, nil
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}
