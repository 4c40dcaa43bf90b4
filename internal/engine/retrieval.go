package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// DefaultSemanticThreshold is the minimum cosine similarity a semantic hit
// needs to be considered.
const DefaultSemanticThreshold = 0.4

// DefaultSessionID is recorded for recalls made without a session.
const DefaultSessionID = "default"

// RetrievalConfig tunes the read path.
type RetrievalConfig struct {
	// SemanticThreshold is the similarity floor of the semantic path
	// (default: 0.4).
	SemanticThreshold float64

	// DefaultK is used when a request asks for k <= 0 (default: 10).
	DefaultK int

	// MaxK caps k (default: 100).
	MaxK int

	// EntityLimit and SemanticLimit cap the candidates each path
	// contributes before ranking (default: 200 each).
	EntityLimit   int
	SemanticLimit int

	// NodeID identifies this process in recall IDs (default: 1).
	NodeID int64
}

// DefaultRetrievalConfig returns a RetrievalConfig with sensible defaults.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		SemanticThreshold: DefaultSemanticThreshold,
		DefaultK:          10,
		MaxK:              100,
		EntityLimit:       200,
		SemanticLimit:     200,
		NodeID:            1,
	}
}

// RetrieveRequest is one query against the memory store.
type RetrieveRequest struct {
	Query     string `json:"query"`
	K         int    `json:"k,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// RecalledMemory is one ranked result.
type RecalledMemory struct {
	MemoryID     string             `json:"memory_id"`
	Title        string             `json:"title"`
	Content      string             `json:"content"`
	Type         types.MemoryType   `json:"type"`
	Score        float64            `json:"score"`
	Similarity   float64            `json:"similarity"`
	RecallMethod types.RecallMethod `json:"recall_method"`
}

// QueryResolver finds the registry entities a query mentions without
// modifying the registry.
type QueryResolver interface {
	ResolveQuery(ctx context.Context, query string) ([]types.Entity, error)
}

// Retriever runs the entity and semantic lookups for a query, ranks the
// merged hits and records what it returned.
type Retriever struct {
	store    storage.MemoryStore
	searcher storage.SemanticSearcher
	resolver QueryResolver
	embedder llm.EmbeddingGenerator
	ranker   *Ranker
	cfg      RetrievalConfig
	ids      *snowflake.Node
	now      func() time.Time
}

// NewRetriever creates a retriever. searcher may be the store itself or an
// index in front of it.
func NewRetriever(store storage.MemoryStore, searcher storage.SemanticSearcher, resolver QueryResolver, embedder llm.EmbeddingGenerator, ranker *Ranker, cfg RetrievalConfig) (*Retriever, error) {
	if store == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	if ranker == nil {
		ranker = NewRanker(DefaultRankingConfig())
	}

	def := DefaultRetrievalConfig()
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = def.DefaultK
	}
	if cfg.MaxK <= 0 {
		cfg.MaxK = def.MaxK
	}
	if cfg.EntityLimit <= 0 {
		cfg.EntityLimit = def.EntityLimit
	}
	if cfg.SemanticLimit <= 0 {
		cfg.SemanticLimit = def.SemanticLimit
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create recall id generator: %w", err)
	}

	return &Retriever{
		store:    store,
		searcher: searcher,
		resolver: resolver,
		embedder: embedder,
		ranker:   ranker,
		cfg:      cfg,
		ids:      node,
		now:      time.Now,
	}, nil
}

// Retrieve returns up to k ranked memories for the query. It never fails:
// a path that errors is logged and contributes nothing, so the result is
// always a non-nil, possibly empty slice. Every returned memory has its
// recall count incremented and a SessionRecall written.
func (r *Retriever) Retrieve(ctx context.Context, req RetrieveRequest) []RecalledMemory {
	results := []RecalledMemory{}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return results
	}
	k := req.K
	if k <= 0 {
		k = r.cfg.DefaultK
	}
	k = min(k, r.cfg.MaxK)

	var (
		wg       sync.WaitGroup
		byEntity []types.Memory
		semantic []storage.ScoredMemory
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		byEntity = r.entityPath(ctx, query)
	}()
	go func() {
		defer wg.Done()
		semantic = r.semanticPath(ctx, query)
	}()
	wg.Wait()

	now := r.now()
	ranked := r.ranker.Rank(mergeHits(byEntity, semantic), query, now)
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	session := req.SessionID
	if session == "" {
		session = DefaultSessionID
	}

	recalls := make([]types.SessionRecall, 0, len(ranked))
	for i, h := range ranked {
		results = append(results, RecalledMemory{
			MemoryID:     h.Memory.ID,
			Title:        h.Memory.Title,
			Content:      h.Memory.Content,
			Type:         h.Memory.Type,
			Score:        h.Score,
			Similarity:   h.Similarity,
			RecallMethod: h.Method,
		})
		recalls = append(recalls, types.SessionRecall{
			ID:           r.ids.Generate().Int64(),
			SessionID:    session,
			MemoryID:     h.Memory.ID,
			Rank:         i + 1,
			Score:        h.Score,
			RecallMethod: h.Method,
			RecalledAt:   now,
		})
	}

	if err := r.store.RecordRecalls(ctx, recalls); err != nil {
		log.Printf("retrieval: WARNING: failed to record %d recalls for session %s: %v", len(recalls), session, err)
	}

	return results
}

func (r *Retriever) entityPath(ctx context.Context, query string) []types.Memory {
	if r.resolver == nil {
		return nil
	}
	entities, err := r.resolver.ResolveQuery(ctx, query)
	if err != nil {
		log.Printf("retrieval: WARNING: entity path failed: %v", err)
		return nil
	}
	if len(entities) == 0 {
		return nil
	}

	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	memories, err := r.store.ListByEntities(ctx, ids, r.cfg.EntityLimit)
	if err != nil {
		log.Printf("retrieval: WARNING: entity path failed: %v", err)
		return nil
	}
	return memories
}

func (r *Retriever) semanticPath(ctx context.Context, query string) []storage.ScoredMemory {
	if r.embedder == nil || r.searcher == nil {
		return nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("retrieval: WARNING: semantic path failed to embed query: %v", err)
		return nil
	}
	hits, err := r.searcher.SearchSimilar(ctx, vec, r.embedder.GetModel(), r.cfg.SemanticThreshold, r.cfg.SemanticLimit)
	if err != nil {
		log.Printf("retrieval: WARNING: semantic path failed: %v", err)
		return nil
	}
	return hits
}

// mergeHits unions both paths by memory id. Entity-only hits get similarity
// 1.0; hits found by both keep the semantic score.
func mergeHits(byEntity []types.Memory, semantic []storage.ScoredMemory) []Scored {
	index := make(map[string]int, len(byEntity)+len(semantic))
	merged := make([]Scored, 0, len(byEntity)+len(semantic))

	for _, h := range semantic {
		if _, ok := index[h.Memory.ID]; ok {
			continue
		}
		index[h.Memory.ID] = len(merged)
		merged = append(merged, Scored{Memory: h.Memory, Similarity: h.Similarity, Method: types.RecallMethodSemantic})
	}
	for _, m := range byEntity {
		if i, ok := index[m.ID]; ok {
			merged[i].Method = types.RecallMethodBoth
			continue
		}
		index[m.ID] = len(merged)
		merged = append(merged, Scored{Memory: m, Similarity: 1.0, Method: types.RecallMethodEntity})
	}
	return merged
}
