package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

const memoryColumns = `
	m.id, m.type, m.title, m.content, m.category, m.confidence_score,
	m.source_file, m.source_start, m.source_end, m.source_first_message, m.source_last_message,
	m.times_observed, m.formed_at, m.last_observed_at,
	m.recall_count, m.positive_feedback, m.negative_feedback`

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (types.Memory, error) {
	var m types.Memory
	var memType string
	err := row.Scan(
		&m.ID, &memType, &m.Title, &m.Content, &m.Category, &m.ConfidenceScore,
		&m.SourceChunk.FilePath, &m.SourceChunk.StartOffset, &m.SourceChunk.EndOffset,
		&m.SourceChunk.FirstMessage, &m.SourceChunk.LastMessage,
		&m.TimesObserved, &m.FormedAt, &m.LastObservedAt,
		&m.RecallCount, &m.PositiveFeedback, &m.NegativeFeedback,
	)
	m.Type = types.MemoryType(memType)
	return m, err
}

// Upsert inserts memory or merges it into its nearest existing neighbour.
// The whole check-then-write runs under a transaction-scoped advisory lock.
func (s *Store) Upsert(ctx context.Context, memory *types.Memory, threshold float64) (*storage.UpsertResult, error) {
	if memory == nil {
		return nil, storage.ErrInvalidInput
	}
	if memory.Content == "" {
		return nil, fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	if !memory.Type.IsValid() {
		return nil, fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, memory.Type)
	}
	if len(memory.Embedding) == 0 {
		return nil, fmt.Errorf("%w: memory embedding is required", storage.ErrInvalidInput)
	}
	if memory.ConfidenceScore < 0 || memory.ConfidenceScore > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", storage.ErrInvalidInput, memory.ConfidenceScore)
	}

	now := s.now().UTC()
	if memory.FormedAt.IsZero() {
		memory.FormedAt = now
	}
	if memory.LastObservedAt.IsZero() {
		memory.LastObservedAt = memory.FormedAt
	}

	result := &storage.UpsertResult{}
	var targetID string

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, upsertLockKey); err != nil {
			return fmt.Errorf("acquire upsert lock: %w", err)
		}

		bestID, bestSim, err := s.nearestMemory(ctx, tx, memory.Embedding, memory.EmbeddingModel)
		if err != nil {
			return err
		}
		result.Similarity = bestSim

		if bestID != "" && bestSim >= threshold {
			targetID = bestID
			return mergeInto(ctx, tx, bestID, memory, now)
		}

		if memory.ID == "" {
			memory.ID = uuid.NewString()
		}
		targetID = memory.ID
		result.Created = true
		return s.insertMemory(ctx, tx, memory, now)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert memory: %w", err)
	}

	stored, err := s.Get(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("postgres: reload memory %s: %w", targetID, err)
	}
	result.Memory = stored
	return result, nil
}

func (s *Store) nearestMemory(ctx context.Context, tx *sql.Tx, embedding []float32, model string) (string, float64, error) {
	if s.pgvectorAvailable {
		var id string
		var sim float64
		err := tx.QueryRowContext(ctx, `
			SELECT memory_id, 1 - (embedding_vec <=> $1::vector)
			FROM embeddings
			WHERE embedding_vec IS NOT NULL AND dimension = $2 AND ($3 = '' OR model = $3)
			ORDER BY embedding_vec <=> $1::vector, created_at
			LIMIT 1`,
			pgvector.NewVector(embedding), len(embedding), model,
		).Scan(&id, &sim)
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, nil
		}
		if err != nil {
			// The transaction is aborted at this point, so there is no
			// array-scan fallback.
			return "", 0, fmt.Errorf("vector nearest neighbour: %w", err)
		}
		return id, sim, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT memory_id, embedding FROM embeddings
		WHERE dimension = $1 AND ($2 = '' OR model = $2)
		ORDER BY created_at`, len(embedding), model)
	if err != nil {
		return "", 0, fmt.Errorf("scan embeddings: %w", err)
	}
	defer rows.Close()

	bestID := ""
	bestSim := 0.0
	for rows.Next() {
		var id string
		var vec pq.Float64Array
		if err := rows.Scan(&id, &vec); err != nil {
			return "", 0, fmt.Errorf("scan embedding row: %w", err)
		}
		sim := storage.CosineSimilarity(embedding, toFloat32s(vec))
		if bestID == "" || sim > bestSim {
			bestID, bestSim = id, sim
		}
	}
	return bestID, bestSim, rows.Err()
}

func (s *Store) insertMemory(ctx context.Context, tx *sql.Tx, m *types.Memory, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memories (
			id, type, title, content, category, confidence_score,
			source_file, source_start, source_end, source_first_message, source_last_message,
			times_observed, formed_at, last_observed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`,
		m.ID, string(m.Type), m.Title, m.Content, m.Category, m.ConfidenceScore,
		m.SourceChunk.FilePath, m.SourceChunk.StartOffset, m.SourceChunk.EndOffset,
		m.SourceChunk.FirstMessage, m.SourceChunk.LastMessage,
		max(m.TimesObserved, 1), m.FormedAt.UTC(), m.LastObservedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	if s.pgvectorAvailable {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO embeddings (memory_id, embedding, dimension, model, embedding_vec, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ID, toFloat64s(m.Embedding), len(m.Embedding), m.EmbeddingModel, pgvector.NewVector(m.Embedding), now)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO embeddings (memory_id, embedding, dimension, model, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			m.ID, toFloat64s(m.Embedding), len(m.Embedding), m.EmbeddingModel, now)
	}
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}

	return linkEntities(ctx, tx, m.ID, m.RelatedEntities)
}

func mergeInto(ctx context.Context, tx *sql.Tx, id string, observed *types.Memory, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE memories
		SET times_observed = times_observed + $1,
			last_observed_at = GREATEST(last_observed_at, $2),
			updated_at = $3
		WHERE id = $4`, max(observed.TimesObserved, 1), observed.LastObservedAt.UTC(), now, id)
	if err != nil {
		return fmt.Errorf("merge memory: %w", err)
	}
	return linkEntities(ctx, tx, id, observed.RelatedEntities)
}

func linkEntities(ctx context.Context, tx *sql.Tx, memoryID string, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}

	var next int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM memory_entities WHERE memory_id = $1`, memoryID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("load entity positions: %w", err)
	}

	for _, entityID := range entityIDs {
		if entityID == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO memory_entities (memory_id, entity_id, position)
			VALUES ($1, $2, $3)
			ON CONFLICT (memory_id, entity_id) DO NOTHING`, memoryID, entityID, next)
		if err != nil {
			return fmt.Errorf("link entity %s: %w", entityID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			next++
		}
	}
	return nil
}

// Get retrieves a memory by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	m, err := scanMemory(s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories m WHERE m.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get memory: %w", err)
	}

	links, err := s.loadEntityLinks(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	m.RelatedEntities = links[id]

	var vec pq.Float64Array
	err = s.db.QueryRowContext(ctx,
		`SELECT embedding, model FROM embeddings WHERE memory_id = $1`, id,
	).Scan(&vec, &m.EmbeddingModel)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("postgres: get embedding: %w", err)
	default:
		m.Embedding = toFloat32s(vec)
	}
	return &m, nil
}

func (s *Store) loadEntityLinks(ctx context.Context, memoryIDs []string) (map[string][]string, error) {
	links := make(map[string][]string, len(memoryIDs))
	if len(memoryIDs) == 0 {
		return links, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, entity_id FROM memory_entities
		WHERE memory_id = ANY($1)
		ORDER BY memory_id, position`, pq.Array(memoryIDs))
	if err != nil {
		return nil, fmt.Errorf("postgres: load entity links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var memoryID, entityID string
		if err := rows.Scan(&memoryID, &entityID); err != nil {
			return nil, fmt.Errorf("postgres: scan entity link: %w", err)
		}
		links[memoryID] = append(links[memoryID], entityID)
	}
	return links, rows.Err()
}

func (s *Store) queryMemories(ctx context.Context, query string, args ...any) ([]types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query memories: %w", err)
	}

	var memories []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	ids := make([]string, len(memories))
	for i := range memories {
		ids[i] = memories[i].ID
	}
	links, err := s.loadEntityLinks(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range memories {
		memories[i].RelatedEntities = links[memories[i].ID]
	}
	return memories, nil
}

// ListByEntities returns memories linked to any of entityIDs, most recently
// observed first.
func (s *Store) ListByEntities(ctx context.Context, entityIDs []string, limit int) ([]types.Memory, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.queryMemories(ctx, `
		SELECT `+memoryColumns+`
		FROM memories m
		WHERE m.id IN (SELECT memory_id FROM memory_entities WHERE entity_id = ANY($1))
		ORDER BY m.last_observed_at DESC, m.id
		LIMIT $2`, pq.Array(entityIDs), lim)
}

// SearchSimilar returns memories whose cosine similarity to query is at least
// minSimilarity, comparing only embeddings of model when it is set.
func (s *Store) SearchSimilar(ctx context.Context, query []float32, model string, minSimilarity float64, limit int) ([]storage.ScoredMemory, error) {
	if len(query) == 0 {
		return nil, nil
	}

	type hit struct {
		id  string
		sim float64
	}
	var hits []hit

	if s.pgvectorAvailable {
		var lim any
		if limit > 0 {
			lim = limit
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT memory_id, 1 - (embedding_vec <=> $1::vector) AS sim
			FROM embeddings
			WHERE embedding_vec IS NOT NULL AND dimension = $2
			  AND ($5 = '' OR model = $5)
			  AND 1 - (embedding_vec <=> $1::vector) >= $3
			ORDER BY embedding_vec <=> $1::vector, memory_id
			LIMIT $4`, pgvector.NewVector(query), len(query), minSimilarity, lim, model)
		if err != nil {
			return nil, fmt.Errorf("postgres: vector search: %w", err)
		}
		for rows.Next() {
			var h hit
			if err := rows.Scan(&h.id, &h.sim); err != nil {
				rows.Close()
				return nil, fmt.Errorf("postgres: scan vector hit: %w", err)
			}
			hits = append(hits, h)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	} else {
		rows, err := s.db.QueryContext(ctx,
			`SELECT memory_id, embedding FROM embeddings WHERE dimension = $1 AND ($2 = '' OR model = $2)`,
			len(query), model)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan embeddings: %w", err)
		}
		for rows.Next() {
			var id string
			var vec pq.Float64Array
			if err := rows.Scan(&id, &vec); err != nil {
				rows.Close()
				return nil, fmt.Errorf("postgres: scan embedding row: %w", err)
			}
			if sim := storage.CosineSimilarity(query, toFloat32s(vec)); sim >= minSimilarity {
				hits = append(hits, hit{id: id, sim: sim})
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		slices.SortFunc(hits, func(a, b hit) int {
			if c := cmp.Compare(b.sim, a.sim); c != 0 {
				return c
			}
			return cmp.Compare(a.id, b.id)
		})
		if limit > 0 && len(hits) > limit {
			hits = hits[:limit]
		}
	}

	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	memories, err := s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories m WHERE m.id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]types.Memory, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}

	results := make([]storage.ScoredMemory, 0, len(hits))
	for _, h := range hits {
		if m, ok := byID[h.id]; ok {
			results = append(results, storage.ScoredMemory{Memory: m, Similarity: h.sim})
		}
	}
	return results, nil
}

// RecordRecalls bumps recall_count and writes the audit rows atomically.
func (s *Store) RecordRecalls(ctx context.Context, recalls []types.SessionRecall) error {
	if len(recalls) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range recalls {
			res, err := tx.ExecContext(ctx,
				`UPDATE memories SET recall_count = recall_count + 1 WHERE id = $1`, r.MemoryID)
			if err != nil {
				return fmt.Errorf("postgres: increment recall count: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}

			recalledAt := r.RecalledAt
			if recalledAt.IsZero() {
				recalledAt = s.now()
			}
			if r.ID != 0 {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO session_recalls (id, session_id, memory_id, rank, score, recall_method, recalled_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7)`,
					r.ID, r.SessionID, r.MemoryID, r.Rank, r.Score, string(r.RecallMethod), recalledAt.UTC())
			} else {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO session_recalls (session_id, memory_id, rank, score, recall_method, recalled_at)
					VALUES ($1, $2, $3, $4, $5, $6)`,
					r.SessionID, r.MemoryID, r.Rank, r.Score, string(r.RecallMethod), recalledAt.UTC())
			}
			if err != nil {
				return fmt.Errorf("postgres: insert session recall: %w", err)
			}
		}
		return nil
	})
}

// ListRecalls returns a session's recall audit trail.
func (s *Store) ListRecalls(ctx context.Context, sessionID string) ([]types.SessionRecall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, memory_id, rank, score, recall_method, recalled_at
		FROM session_recalls
		WHERE session_id = $1
		ORDER BY recalled_at, rank`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recalls: %w", err)
	}
	defer rows.Close()

	var recalls []types.SessionRecall
	for rows.Next() {
		var r types.SessionRecall
		var method string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.MemoryID, &r.Rank, &r.Score, &method, &r.RecalledAt); err != nil {
			return nil, fmt.Errorf("postgres: scan recall: %w", err)
		}
		r.RecallMethod = types.RecallMethod(method)
		recalls = append(recalls, r)
	}
	return recalls, rows.Err()
}

// ApplyFeedback increments one feedback counter and logs the event.
func (s *Store) ApplyFeedback(ctx context.Context, id string, polarity types.Polarity) (types.FeedbackCounters, error) {
	counters := types.FeedbackCounters{MemoryID: id}
	if id == "" {
		return counters, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	var column string
	switch polarity {
	case types.PolarityPositive:
		column = "positive_feedback"
	case types.PolarityNegative:
		column = "negative_feedback"
	default:
		return counters, fmt.Errorf("%w: unknown polarity %q", storage.ErrInvalidInput, polarity)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`UPDATE memories SET `+column+` = `+column+` + 1, updated_at = NOW()
			 WHERE id = $1
			 RETURNING positive_feedback, negative_feedback`, id,
		).Scan(&counters.Positive, &counters.Negative)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: apply feedback: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO feedback_events (memory_id, polarity) VALUES ($1, $2)`, id, string(polarity))
		if err != nil {
			return fmt.Errorf("postgres: log feedback: %w", err)
		}
		return nil
	})
	return counters, err
}

// ListEmbeddings returns every stored embedding in insertion order.
func (s *Store) ListEmbeddings(ctx context.Context) ([]storage.StoredEmbedding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, model, embedding FROM embeddings ORDER BY created_at, memory_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list embeddings: %w", err)
	}
	defer rows.Close()

	var out []storage.StoredEmbedding
	for rows.Next() {
		var e storage.StoredEmbedding
		var vec pq.Float64Array
		if err := rows.Scan(&e.MemoryID, &e.Model, &vec); err != nil {
			return nil, fmt.Errorf("postgres: scan embedding row: %w", err)
		}
		e.Vector = toFloat32s(vec)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored memories.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count memories: %w", err)
	}
	return n, nil
}
