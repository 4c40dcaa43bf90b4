package sqlite

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

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
	if err != nil {
		return m, err
	}
	m.Type = types.MemoryType(memType)
	return m, nil
}

func validateForUpsert(memory *types.Memory) error {
	if memory == nil {
		return storage.ErrInvalidInput
	}
	if memory.Content == "" {
		return fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	if !memory.Type.IsValid() {
		return fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, memory.Type)
	}
	if len(memory.Embedding) == 0 {
		return fmt.Errorf("%w: memory embedding is required", storage.ErrInvalidInput)
	}
	if memory.ConfidenceScore < 0 || memory.ConfidenceScore > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", storage.ErrInvalidInput, memory.ConfidenceScore)
	}
	return nil
}

// Upsert inserts memory or merges it into its nearest existing neighbour.
func (s *Store) Upsert(ctx context.Context, memory *types.Memory, threshold float64) (*storage.UpsertResult, error) {
	if err := validateForUpsert(memory); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

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
		bestID, bestSim, err := nearestMemory(ctx, tx, memory.Embedding, memory.EmbeddingModel)
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
		return insertMemory(ctx, tx, memory, now)
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: upsert memory: %w", err)
	}

	stored, err := s.Get(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: reload memory %s: %w", targetID, err)
	}
	result.Memory = stored
	return result, nil
}

// nearestMemory scans stored embeddings and returns the most similar memory.
// Embeddings from a different model are ignored when model is set.
func nearestMemory(ctx context.Context, q querier, embedding []float32, model string) (string, float64, error) {
	query := `SELECT memory_id, embedding, dimension FROM embeddings`
	var args []any
	if model != "" {
		query += ` WHERE model = ?`
		args = append(args, model)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return "", 0, fmt.Errorf("scan embeddings: %w", err)
	}
	defer rows.Close()

	bestID := ""
	bestSim := 0.0
	for rows.Next() {
		var id string
		var blob []byte
		var dim int
		if err := rows.Scan(&id, &blob, &dim); err != nil {
			return "", 0, fmt.Errorf("scan embedding row: %w", err)
		}
		if dim != len(embedding) {
			continue
		}
		vec, err := decodeEmbedding(blob, dim)
		if err != nil {
			continue
		}
		sim := storage.CosineSimilarity(embedding, vec)
		// Ties keep the earlier row, which is the older memory.
		if bestID == "" || sim > bestSim {
			bestID, bestSim = id, sim
		}
	}
	return bestID, bestSim, rows.Err()
}

func insertMemory(ctx context.Context, tx *sql.Tx, m *types.Memory, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memories (
			id, type, title, content, category, confidence_score,
			source_file, source_start, source_end, source_first_message, source_last_message,
			times_observed, formed_at, last_observed_at,
			recall_count, positive_feedback, negative_feedback,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)`,
		m.ID, string(m.Type), m.Title, m.Content, m.Category, m.ConfidenceScore,
		m.SourceChunk.FilePath, m.SourceChunk.StartOffset, m.SourceChunk.EndOffset,
		m.SourceChunk.FirstMessage, m.SourceChunk.LastMessage,
		max(m.TimesObserved, 1), m.FormedAt.UTC(), m.LastObservedAt.UTC(),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO embeddings (memory_id, embedding, dimension, model, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, encodeEmbedding(m.Embedding), len(m.Embedding), m.EmbeddingModel, now,
	)
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}

	return linkEntities(ctx, tx, m.ID, m.RelatedEntities)
}

// mergeInto records the observed memory's observations (one, or more when a
// batch already absorbed duplicates) on an existing memory. Content, title
// and embedding are left untouched.
func mergeInto(ctx context.Context, tx *sql.Tx, id string, observed *types.Memory, now time.Time) error {
	var last time.Time
	if err := tx.QueryRowContext(ctx, `SELECT last_observed_at FROM memories WHERE id = ?`, id).Scan(&last); err != nil {
		return fmt.Errorf("load merge target: %w", err)
	}
	if observed.LastObservedAt.After(last) {
		last = observed.LastObservedAt
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE memories
		SET times_observed = times_observed + ?,
			last_observed_at = ?,
			updated_at = ?
		WHERE id = ?`, max(observed.TimesObserved, 1), last.UTC(), now, id)
	if err != nil {
		return fmt.Errorf("merge memory: %w", err)
	}

	return linkEntities(ctx, tx, id, observed.RelatedEntities)
}

// linkEntities appends entity links after the existing ones, skipping ids
// already linked.
func linkEntities(ctx context.Context, tx *sql.Tx, memoryID string, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}

	var next int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM memory_entities WHERE memory_id = ?`, memoryID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("load entity positions: %w", err)
	}

	for _, entityID := range entityIDs {
		if entityID == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_entities (memory_id, entity_id, position)
			VALUES (?, ?, ?)`, memoryID, entityID, next)
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

	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories m WHERE m.id = ?`, id)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get memory: %w", err)
	}

	links, err := s.loadEntityLinks(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	m.RelatedEntities = links[id]

	var blob []byte
	var dim int
	err = s.db.QueryRowContext(ctx,
		`SELECT embedding, dimension, model FROM embeddings WHERE memory_id = ?`, id,
	).Scan(&blob, &dim, &m.EmbeddingModel)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("sqlite: get embedding: %w", err)
	default:
		if m.Embedding, err = decodeEmbedding(blob, dim); err != nil {
			return nil, fmt.Errorf("sqlite: decode embedding: %w", err)
		}
	}

	return &m, nil
}

// loadEntityLinks returns the ordered entity ids of each memory.
func (s *Store) loadEntityLinks(ctx context.Context, memoryIDs []string) (map[string][]string, error) {
	links := make(map[string][]string, len(memoryIDs))
	if len(memoryIDs) == 0 {
		return links, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, entity_id FROM memory_entities
		WHERE memory_id IN (`+placeholders(len(memoryIDs))+`)
		ORDER BY memory_id, position`, stringArgs(memoryIDs)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load entity links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var memoryID, entityID string
		if err := rows.Scan(&memoryID, &entityID); err != nil {
			return nil, fmt.Errorf("sqlite: scan entity link: %w", err)
		}
		links[memoryID] = append(links[memoryID], entityID)
	}
	return links, rows.Err()
}

// queryMemories runs a memory SELECT and attaches entity links.
func (s *Store) queryMemories(ctx context.Context, query string, args ...any) ([]types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query memories: %w", err)
	}

	var memories []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan memory: %w", err)
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
	if limit <= 0 {
		limit = -1
	}

	args := append(stringArgs(entityIDs), limit)
	return s.queryMemories(ctx, `
		SELECT `+memoryColumns+`
		FROM memories m
		WHERE m.id IN (
			SELECT memory_id FROM memory_entities
			WHERE entity_id IN (`+placeholders(len(entityIDs))+`)
		)
		ORDER BY m.last_observed_at DESC, m.id
		LIMIT ?`, args...)
}

// SearchSimilar ranks every stored embedding of model against query in Go.
func (s *Store) SearchSimilar(ctx context.Context, query []float32, model string, minSimilarity float64, limit int) ([]storage.ScoredMemory, error) {
	if len(query) == 0 {
		return nil, nil
	}

	stmt := `SELECT memory_id, embedding, dimension FROM embeddings WHERE dimension = ?`
	args := []any{len(query)}
	if model != "" {
		stmt += ` AND model = ?`
		args = append(args, model)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan embeddings: %w", err)
	}

	type hit struct {
		id  string
		sim float64
	}
	var hits []hit
	for rows.Next() {
		var id string
		var blob []byte
		var dim int
		if err := rows.Scan(&id, &blob, &dim); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan embedding row: %w", err)
		}
		vec, err := decodeEmbedding(blob, dim)
		if err != nil {
			continue
		}
		if sim := storage.CosineSimilarity(query, vec); sim >= minSimilarity {
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
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	memories, err := s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories m WHERE m.id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...)
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

// RecordRecalls bumps recall_count and writes the audit rows in one transaction.
func (s *Store) RecordRecalls(ctx context.Context, recalls []types.SessionRecall) error {
	if len(recalls) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range recalls {
			res, err := tx.ExecContext(ctx,
				`UPDATE memories SET recall_count = recall_count + 1 WHERE id = ?`, r.MemoryID)
			if err != nil {
				return fmt.Errorf("sqlite: increment recall count: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}

			var id any
			if r.ID != 0 {
				id = r.ID
			}
			recalledAt := r.RecalledAt
			if recalledAt.IsZero() {
				recalledAt = s.now()
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO session_recalls (id, session_id, memory_id, rank, score, recall_method, recalled_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id, r.SessionID, r.MemoryID, r.Rank, r.Score, string(r.RecallMethod), recalledAt.UTC())
			if err != nil {
				return fmt.Errorf("sqlite: insert session recall: %w", err)
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
		WHERE session_id = ?
		ORDER BY recalled_at, rank`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list recalls: %w", err)
	}
	defer rows.Close()

	var recalls []types.SessionRecall
	for rows.Next() {
		var r types.SessionRecall
		var method string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.MemoryID, &r.Rank, &r.Score, &method, &r.RecalledAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan recall: %w", err)
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
		res, err := tx.ExecContext(ctx,
			`UPDATE memories SET `+column+` = `+column+` + 1, updated_at = ? WHERE id = ?`,
			s.now().UTC(), id)
		if err != nil {
			return fmt.Errorf("sqlite: apply feedback: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO feedback_events (memory_id, polarity, created_at) VALUES (?, ?, ?)`,
			id, string(polarity), s.now().UTC()); err != nil {
			return fmt.Errorf("sqlite: log feedback: %w", err)
		}

		return tx.QueryRowContext(ctx,
			`SELECT positive_feedback, negative_feedback FROM memories WHERE id = ?`, id,
		).Scan(&counters.Positive, &counters.Negative)
	})
	return counters, err
}

// ListEmbeddings returns every stored embedding in insertion order.
func (s *Store) ListEmbeddings(ctx context.Context) ([]storage.StoredEmbedding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, model, embedding, dimension FROM embeddings ORDER BY created_at, memory_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list embeddings: %w", err)
	}
	defer rows.Close()

	var out []storage.StoredEmbedding
	for rows.Next() {
		var e storage.StoredEmbedding
		var blob []byte
		var dim int
		if err := rows.Scan(&e.MemoryID, &e.Model, &blob, &dim); err != nil {
			return nil, fmt.Errorf("sqlite: scan embedding row: %w", err)
		}
		if e.Vector, err = decodeEmbedding(blob, dim); err != nil {
			log.Printf("sqlite: WARNING: skipping corrupt embedding for %s: %v", e.MemoryID, err)
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored memories.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count memories: %w", err)
	}
	return n, nil
}
