// Package postgres provides PostgreSQL implementations of storage interfaces.
// This file contains test helpers only available during testing.
package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from every table. It lives in the
// package proper so it can reach the unexported db field, and is exported
// for the postgres_test package.
func (s *Store) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE TABLE
		memories, embeddings, entities, entity_aliases, memory_entities,
		extraction_state, processed_chunks, failed_chunks, session_recalls, feedback_events
		RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate tables: %w", err)
	}
	return nil
}
