package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// GetState returns the ingestion cursor for filePath.
func (s *Store) GetState(ctx context.Context, filePath string) (*types.ExtractionState, error) {
	if filePath == "" {
		return nil, fmt.Errorf("%w: file path is required", storage.ErrInvalidInput)
	}

	state := types.ExtractionState{FilePath: filePath}
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT last_position, last_extracted_at FROM extraction_state WHERE file_path = $1`, filePath,
	).Scan(&state.LastPosition, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get extraction state: %w", err)
	}
	state.LastExtractedAt = at.Time
	return &state, nil
}

// AdvanceState stores max(current, position) as the new cursor.
func (s *Store) AdvanceState(ctx context.Context, filePath string, position int64, at time.Time) error {
	if filePath == "" {
		return fmt.Errorf("%w: file path is required", storage.ErrInvalidInput)
	}
	if position < 0 {
		return fmt.Errorf("%w: negative position %d", storage.ErrInvalidInput, position)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_state (file_path, last_position, last_extracted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (file_path) DO UPDATE SET
			last_position = GREATEST(extraction_state.last_position, excluded.last_position),
			last_extracted_at = excluded.last_extracted_at`,
		filePath, position, nullableTime(at))
	if err != nil {
		return fmt.Errorf("postgres: advance extraction state: %w", err)
	}
	return nil
}

// ListStates returns every cursor ordered by path.
func (s *Store) ListStates(ctx context.Context) ([]types.ExtractionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path, last_position, last_extracted_at FROM extraction_state ORDER BY file_path`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list extraction state: %w", err)
	}
	defer rows.Close()

	var states []types.ExtractionState
	for rows.Next() {
		var st types.ExtractionState
		var at sql.NullTime
		if err := rows.Scan(&st.FilePath, &st.LastPosition, &at); err != nil {
			return nil, fmt.Errorf("postgres: scan extraction state: %w", err)
		}
		st.LastExtractedAt = at.Time
		states = append(states, st)
	}
	return states, rows.Err()
}

// IsChunkProcessed reports whether chunkHash has been recorded.
func (s *Store) IsChunkProcessed(ctx context.Context, chunkHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_chunks WHERE chunk_hash = $1)`, chunkHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check processed chunk: %w", err)
	}
	return exists, nil
}

// MarkChunkProcessed records chunkHash.
func (s *Store) MarkChunkProcessed(ctx context.Context, chunkHash, filePath string, start, end int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_chunks (chunk_hash, file_path, start_offset, end_offset)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chunk_hash) DO NOTHING`, chunkHash, filePath, start, end)
	if err != nil {
		return fmt.Errorf("postgres: mark chunk processed: %w", err)
	}
	return nil
}

// RecordFailedChunk inserts the failure or increments its attempt count.
func (s *Store) RecordFailedChunk(ctx context.Context, chunk types.FailedChunk) error {
	if chunk.FilePath == "" {
		return fmt.Errorf("%w: file path is required", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_chunks (file_path, start_offset, end_offset, attempts, last_error, abandoned, updated_at)
		VALUES ($1, $2, $3, 1, $4, FALSE, NOW())
		ON CONFLICT (file_path, start_offset) DO UPDATE SET
			end_offset = GREATEST(failed_chunks.end_offset, excluded.end_offset),
			attempts = failed_chunks.attempts + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		chunk.FilePath, chunk.StartOffset, chunk.EndOffset, nullableString(chunk.LastError))
	if err != nil {
		return fmt.Errorf("postgres: record failed chunk: %w", err)
	}
	return nil
}

// ListFailedChunks returns open failed chunks for filePath.
func (s *Store) ListFailedChunks(ctx context.Context, filePath string) ([]types.FailedChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, start_offset, end_offset, attempts, last_error, abandoned, updated_at
		FROM failed_chunks
		WHERE file_path = $1 AND NOT abandoned
		ORDER BY start_offset`, filePath)
	if err != nil {
		return nil, fmt.Errorf("postgres: list failed chunks: %w", err)
	}
	defer rows.Close()

	var chunks []types.FailedChunk
	for rows.Next() {
		var fc types.FailedChunk
		var lastErr sql.NullString
		if err := rows.Scan(&fc.FilePath, &fc.StartOffset, &fc.EndOffset, &fc.Attempts,
			&lastErr, &fc.Abandoned, &fc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan failed chunk: %w", err)
		}
		fc.LastError = lastErr.String
		chunks = append(chunks, fc)
	}
	return chunks, rows.Err()
}

// ResolveFailedChunk deletes a failed chunk record.
func (s *Store) ResolveFailedChunk(ctx context.Context, filePath string, start int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM failed_chunks WHERE file_path = $1 AND start_offset = $2`, filePath, start)
	if err != nil {
		return fmt.Errorf("postgres: resolve failed chunk: %w", err)
	}
	return nil
}

// AbandonFailedChunk stops further retries of a failed chunk.
func (s *Store) AbandonFailedChunk(ctx context.Context, filePath string, start int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE failed_chunks SET abandoned = TRUE, updated_at = NOW() WHERE file_path = $1 AND start_offset = $2`,
		filePath, start)
	if err != nil {
		return fmt.Errorf("postgres: abandon failed chunk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
