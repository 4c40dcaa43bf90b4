package types

import "time"

// Entity is a resolved real-world referent linkable across memories.
// Slugs are unique and alias sets of distinct entities never overlap.
type Entity struct {
	ID          string    `json:"id"`                     // Unique identifier (UUID)
	Slug        string    `json:"slug"`                   // URL-safe unique key
	Name        string    `json:"name"`                   // Display name (first spelling seen)
	Type        string    `json:"type"`                   // Entity type (see EntityType constants)
	Aliases     []string  `json:"aliases,omitempty"`      // Normalized alternative names
	ExternalRef string    `json:"external_ref,omitempty"` // Optional link to a contact/project record
	CreatedAt   time.Time `json:"created_at"`

	// Statistics
	MentionCount int       `json:"mention_count"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// HasAlias reports whether the normalized alias is already attached.
func (e *Entity) HasAlias(alias string) bool {
	for _, a := range e.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}
