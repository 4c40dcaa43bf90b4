package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

const entityColumns = `e.id, e.slug, e.name, e.type, e.external_ref, e.mention_count, e.first_seen_at, e.last_seen_at, e.created_at`

func scanEntity(row scanner) (types.Entity, error) {
	var e types.Entity
	var externalRef sql.NullString
	err := row.Scan(&e.ID, &e.Slug, &e.Name, &e.Type, &externalRef,
		&e.MentionCount, &e.FirstSeenAt, &e.LastSeenAt, &e.CreatedAt)
	e.ExternalRef = externalRef.String
	return e, err
}

// GetEntity retrieves an entity by ID with its aliases.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	e, err := scanEntity(s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities e WHERE e.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get entity: %w", err)
	}

	aliases, err := s.loadAliases(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	e.Aliases = aliases[id]
	return &e, nil
}

// FindEntitiesByKeys looks keys up in the alias table, which also holds
// every slug.
func (s *Store) FindEntitiesByKeys(ctx context.Context, keys []string) ([]types.Entity, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+entityColumns+`
		FROM entities e
		JOIN entity_aliases a ON a.entity_id = e.id
		WHERE a.alias IN (`+placeholders(len(keys))+`)
		ORDER BY e.last_seen_at DESC, e.id`, stringArgs(keys)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find entities: %w", err)
	}

	var entities []types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	ids := make([]string, len(entities))
	for i := range entities {
		ids[i] = entities[i].ID
	}
	aliases, err := s.loadAliases(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range entities {
		entities[i].Aliases = aliases[entities[i].ID]
	}
	return entities, nil
}

func (s *Store) loadAliases(ctx context.Context, entityIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(entityIDs))
	if len(entityIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, alias FROM entity_aliases
		WHERE entity_id IN (`+placeholders(len(entityIDs))+`)
		ORDER BY entity_id, created_at, alias`, stringArgs(entityIDs)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load aliases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, alias string
		if err := rows.Scan(&id, &alias); err != nil {
			return nil, fmt.Errorf("sqlite: scan alias: %w", err)
		}
		out[id] = append(out[id], alias)
	}
	return out, rows.Err()
}

// CreateEntity inserts the entity, its slug key and its aliases atomically.
func (s *Store) CreateEntity(ctx context.Context, entity *types.Entity) error {
	if entity == nil || entity.Slug == "" {
		return fmt.Errorf("%w: entity slug is required", storage.ErrInvalidInput)
	}
	if !types.IsValidEntityType(entity.Type) {
		return fmt.Errorf("%w: unknown entity type %q", storage.ErrInvalidInput, entity.Type)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now().UTC()
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	if entity.FirstSeenAt.IsZero() {
		entity.FirstSeenAt = now
	}
	if entity.LastSeenAt.IsZero() {
		entity.LastSeenAt = entity.FirstSeenAt
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	if entity.Name == "" {
		entity.Name = entity.Slug
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, slug, name, type, external_ref, mention_count, first_seen_at, last_seen_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entity.ID, entity.Slug, entity.Name, entity.Type, nullableString(entity.ExternalRef),
			max(entity.MentionCount, 1), entity.FirstSeenAt.UTC(), entity.LastSeenAt.UTC(), entity.CreatedAt.UTC())
		if err != nil {
			return err
		}

		keys := append([]string{entity.Slug}, entity.Aliases...)
		seen := make(map[string]bool, len(keys))
		for _, key := range keys {
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entity_aliases (alias, entity_id, created_at) VALUES (?, ?, ?)`,
				key, entity.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: entity %q overlaps an existing slug or alias", storage.ErrConflict, entity.Slug)
		}
		return fmt.Errorf("sqlite: create entity: %w", err)
	}
	if entity.MentionCount < 1 {
		entity.MentionCount = 1
	}
	return nil
}

// AddAlias attaches alias to entityID. Re-adding an alias the entity already
// owns is a no-op.
func (s *Store) AddAlias(ctx context.Context, entityID, alias string) error {
	if entityID == "" || alias == "" {
		return fmt.Errorf("%w: entity ID and alias are required", storage.ErrInvalidInput)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT entity_id FROM entity_aliases WHERE alias = ?`, alias).Scan(&owner)
	switch {
	case err == nil && owner == entityID:
		return nil
	case err == nil:
		return fmt.Errorf("%w: alias %q belongs to entity %s", storage.ErrConflict, alias, owner)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("sqlite: check alias: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entity_aliases (alias, entity_id, created_at) VALUES (?, ?, ?)`,
		alias, entityID, s.now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: alias %q already taken", storage.ErrConflict, alias)
		}
		return fmt.Errorf("sqlite: add alias: %w", err)
	}
	return nil
}

// TouchEntity bumps mention_count and moves last_seen_at forward.
func (s *Store) TouchEntity(ctx context.Context, entityID string, seenAt time.Time) error {
	var last time.Time
	err := s.db.QueryRowContext(ctx, `SELECT last_seen_at FROM entities WHERE id = ?`, entityID).Scan(&last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sqlite: touch entity: %w", err)
	}
	if seenAt.After(last) {
		last = seenAt
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE entities SET mention_count = mention_count + 1, last_seen_at = ? WHERE id = ?`,
		last.UTC(), entityID)
	if err != nil {
		return fmt.Errorf("sqlite: touch entity: %w", err)
	}
	return nil
}
