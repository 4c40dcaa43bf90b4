// Package storage provides composable storage interfaces for the mnemo system.
//
// The storage layer is split into small interfaces (memories, entities,
// ingestion state) that a backend implements together. The sqlite backend is
// the default; postgres is available for shared deployments.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/mnemo/pkg/types"
)

// MemoryStore persists memories with their embeddings and owns
// deduplication-on-write.
type MemoryStore interface {
	// Upsert inserts the memory, or merges it into the most similar existing
	// memory when cosine similarity is at least threshold. The memory's
	// Embedding must be set. The similarity check and the write happen
	// atomically with respect to other Upsert calls.
	Upsert(ctx context.Context, memory *types.Memory, threshold float64) (*UpsertResult, error)

	// Get retrieves a memory by ID, including its embedding.
	// Returns ErrNotFound if the memory doesn't exist.
	Get(ctx context.Context, id string) (*types.Memory, error)

	// ListByEntities returns memories whose related entities intersect
	// entityIDs. A limit <= 0 means no limit.
	ListByEntities(ctx context.Context, entityIDs []string, limit int) ([]types.Memory, error)

	// RecordRecalls increments recall_count for each surfaced memory and
	// appends the audit records. Recalls for memories that no longer exist
	// are skipped.
	RecordRecalls(ctx context.Context, recalls []types.SessionRecall) error

	// ListRecalls returns the audit records of a session, oldest first.
	ListRecalls(ctx context.Context, sessionID string) ([]types.SessionRecall, error)

	// ApplyFeedback increments the positive or negative counter.
	// Returns ErrNotFound if the memory doesn't exist.
	ApplyFeedback(ctx context.Context, id string, polarity types.Polarity) (types.FeedbackCounters, error)

	// ListEmbeddings returns every stored embedding, oldest memory first.
	ListEmbeddings(ctx context.Context) ([]StoredEmbedding, error)

	// Count returns the number of stored memories.
	Count(ctx context.Context) (int, error)

	// Close releases the underlying database connection.
	Close() error
}

// SemanticSearcher finds memories by embedding similarity.
type SemanticSearcher interface {
	// SearchSimilar returns memories with cosine similarity >= minSimilarity,
	// most similar first, at most limit results (limit <= 0 means no limit).
	// Only embeddings produced by model are compared; an empty model
	// compares every embedding of the query's dimension.
	SearchSimilar(ctx context.Context, query []float32, model string, minSimilarity float64, limit int) ([]ScoredMemory, error)
}

// EntityStore is the known-entity registry.
type EntityStore interface {
	// GetEntity retrieves an entity by ID. Returns ErrNotFound if missing.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)

	// FindEntitiesByKeys returns the distinct entities whose slug or any
	// alias equals one of keys.
	FindEntitiesByKeys(ctx context.Context, keys []string) ([]types.Entity, error)

	// CreateEntity inserts a new entity together with its aliases.
	// Returns ErrConflict if the slug or an alias is already taken.
	CreateEntity(ctx context.Context, entity *types.Entity) error

	// AddAlias attaches an alias to an entity.
	// Returns ErrConflict if another entity owns the alias.
	AddAlias(ctx context.Context, entityID, alias string) error

	// TouchEntity records a new mention observed at seenAt.
	TouchEntity(ctx context.Context, entityID string, seenAt time.Time) error
}

// ExtractionStateStore persists per-file ingestion cursors and chunk
// bookkeeping for resumable extraction.
type ExtractionStateStore interface {
	// GetState returns the cursor for a file. Returns ErrNotFound when the
	// file has never been processed.
	GetState(ctx context.Context, filePath string) (*types.ExtractionState, error)

	// AdvanceState moves the cursor forward. A position lower than the
	// stored one is ignored, so the cursor never decreases.
	AdvanceState(ctx context.Context, filePath string, position int64, at time.Time) error

	// ListStates returns all cursors ordered by file path.
	ListStates(ctx context.Context) ([]types.ExtractionState, error)

	// IsChunkProcessed reports whether a chunk fingerprint was already handled.
	IsChunkProcessed(ctx context.Context, chunkHash string) (bool, error)

	// MarkChunkProcessed records a chunk fingerprint.
	MarkChunkProcessed(ctx context.Context, chunkHash, filePath string, start, end int64) error

	// RecordFailedChunk upserts a failed chunk, incrementing Attempts.
	RecordFailedChunk(ctx context.Context, chunk types.FailedChunk) error

	// ListFailedChunks returns open (not abandoned) failed chunks for a file,
	// ordered by start offset.
	ListFailedChunks(ctx context.Context, filePath string) ([]types.FailedChunk, error)

	// ResolveFailedChunk removes a failed chunk after a successful retry.
	ResolveFailedChunk(ctx context.Context, filePath string, start int64) error

	// AbandonFailedChunk marks a failed chunk as given up.
	AbandonFailedChunk(ctx context.Context, filePath string, start int64) error
}

// Store is the full persistence surface a backend provides.
type Store interface {
	MemoryStore
	SemanticSearcher
	EntityStore
	ExtractionStateStore
}
