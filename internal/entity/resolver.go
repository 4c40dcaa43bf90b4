package entity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// Resolution is a candidate annotated with the entities it mentions.
type Resolution struct {
	Candidate types.Candidate
	EntityIDs []string // ordered, distinct
	Created   []types.Entity
}

// Resolver links mentions to registry entities, creating entities on first
// sight. Registry writes are serialized by the resolver.
type Resolver struct {
	store storage.EntityStore
	mu    sync.Mutex
}

// NewResolver creates a resolver over store.
func NewResolver(store storage.EntityStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve finds the candidate's mentions and resolves each one, attaching
// novel aliases and recording a sighting at seenAt. A mention that cannot be
// resolved is skipped; the returned error joins those failures while the
// Resolution still carries every entity that did resolve.
func (r *Resolver) Resolve(ctx context.Context, c types.Candidate, seenAt time.Time) (*Resolution, error) {
	res := &Resolution{Candidate: c}
	seen := make(map[string]bool)
	var errs []error

	for _, m := range ExtractMentions(c) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		ent, created, err := r.resolveMention(ctx, m, seenAt)
		if err != nil {
			log.Printf("entity: WARNING: failed to resolve %q: %v", m.Text, err)
			errs = append(errs, err)
			continue
		}
		if seen[ent.ID] {
			continue
		}
		seen[ent.ID] = true
		res.EntityIDs = append(res.EntityIDs, ent.ID)
		if created {
			res.Created = append(res.Created, *ent)
		}
	}

	return res, errors.Join(errs...)
}

func (r *Resolver) resolveMention(ctx context.Context, m Mention, seenAt time.Time) (*types.Entity, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, err := r.lookup(ctx, m)
	if err != nil {
		return nil, false, err
	}
	if ent != nil {
		return ent, false, r.link(ctx, ent, m, seenAt)
	}

	ent = newEntity(m, seenAt)
	err = r.store.CreateEntity(ctx, ent)
	if errors.Is(err, storage.ErrConflict) {
		// Another process claimed the slug or alias first; use its entity.
		existing, lookupErr := r.lookup(ctx, m)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		if existing == nil {
			return nil, false, err
		}
		return existing, false, r.link(ctx, existing, m, seenAt)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create entity %q: %w", ent.Slug, err)
	}
	return ent, true, nil
}

// lookup returns the best registry match for m, or nil. When keys hit more
// than one entity the most recently seen wins.
func (r *Resolver) lookup(ctx context.Context, m Mention) (*types.Entity, error) {
	found, err := r.store.FindEntitiesByKeys(ctx, m.Keys())
	if err != nil {
		return nil, fmt.Errorf("failed to look up %q: %w", m.Text, err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	best := mostRecent(found)
	if len(found) > 1 {
		log.Printf("entity: %q matches %d entities, using %s (%s)", m.Text, len(found), best.Slug, best.ID)
	}
	return best, nil
}

func mostRecent(entities []types.Entity) *types.Entity {
	best := &entities[0]
	for i := 1; i < len(entities); i++ {
		e := &entities[i]
		if e.LastSeenAt.After(best.LastSeenAt) || (e.LastSeenAt.Equal(best.LastSeenAt) && e.ID < best.ID) {
			best = e
		}
	}
	return best
}

// link attaches the mention's spelling as an alias when it is new and
// records the sighting.
func (r *Resolver) link(ctx context.Context, ent *types.Entity, m Mention, seenAt time.Time) error {
	for _, alias := range m.Keys() {
		if alias == ent.Slug || ent.HasAlias(alias) {
			continue
		}
		err := r.store.AddAlias(ctx, ent.ID, alias)
		switch {
		case errors.Is(err, storage.ErrConflict):
			// Owned by a different entity; alias sets stay disjoint.
		case err != nil:
			return fmt.Errorf("failed to add alias %q: %w", alias, err)
		default:
			ent.Aliases = append(ent.Aliases, alias)
		}
	}

	if err := r.store.TouchEntity(ctx, ent.ID, seenAt); err != nil {
		return fmt.Errorf("failed to touch entity %s: %w", ent.ID, err)
	}
	ent.MentionCount++
	if seenAt.After(ent.LastSeenAt) {
		ent.LastSeenAt = seenAt
	}
	return nil
}

func newEntity(m Mention, seenAt time.Time) *types.Entity {
	name := displayName(m)
	slug := Slugify(name)

	var aliases []string
	for _, key := range append(m.Keys(), NormalizeAlias(name)) {
		if key != "" && key != slug && !contains(aliases, key) {
			aliases = append(aliases, key)
		}
	}

	return &types.Entity{
		Slug:         slug,
		Name:         name,
		Type:         InferType(m),
		Aliases:      aliases,
		MentionCount: 1,
		FirstSeenAt:  seenAt,
		LastSeenAt:   seenAt,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

const maxQueryWords = 64

// ResolveQuery finds the registry entities a query refers to without
// creating or modifying anything. Besides the mention heuristics it tries
// every word and two- or three-word phrase, since queries are often typed
// in lowercase.
func (r *Resolver) ResolveQuery(ctx context.Context, query string) ([]types.Entity, error) {
	keySet := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if k != "" && !keySet[k] {
			keySet[k] = true
			keys = append(keys, k)
		}
	}

	for _, m := range ScanText(query) {
		for _, k := range m.Keys() {
			add(k)
		}
	}

	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '.' && r != '\''
	})
	if len(words) > maxQueryWords {
		words = words[:maxQueryWords]
	}
	for i := range words {
		words[i] = strings.Trim(words[i], ".-'")
	}
	for n := 1; n <= 3; n++ {
		for i := 0; i+n <= len(words); i++ {
			gram := words[i : i+n]
			if n == 1 && (isStopWord(gram[0]) || len([]rune(gram[0])) < 2) {
				continue
			}
			phrase := strings.Join(gram, " ")
			m := Mention{Text: phrase}
			for _, k := range m.Keys() {
				add(k)
			}
		}
	}

	if len(keys) == 0 {
		return nil, nil
	}

	found, err := r.store.FindEntitiesByKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve query entities: %w", err)
	}
	return found, nil
}
