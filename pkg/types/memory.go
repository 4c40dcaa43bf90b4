package types

import "time"

// Memory is a durable, typed fact extracted from conversation.
// Content is first-write-wins: merges of near-duplicates bump counters and
// widen RelatedEntities but never rewrite Content, Title or Embedding.
type Memory struct {
	// Core identification fields
	ID       string     `json:"id"`       // Unique identifier (UUID)
	Type     MemoryType `json:"type"`     // One of AllMemoryTypes
	Title    string     `json:"title"`    // Short headline
	Content  string     `json:"content"`  // Full statement of the fact
	Category string     `json:"category"` // Free-form classification

	// Quality signals
	ConfidenceScore float64 `json:"confidence_score"` // Extractor confidence (0.0-1.0)

	// Ordered set of entity IDs this memory is about
	RelatedEntities []string `json:"related_entities,omitempty"`

	// Embedding fields, always derived from Content
	Embedding      []float32 `json:"embedding,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`

	// Provenance
	SourceChunk SourceChunk `json:"source_chunk"`

	// Observation tracking
	TimesObserved  int       `json:"times_observed"`   // >= 1, incremented on merge
	FormedAt       time.Time `json:"formed_at"`        // First observation
	LastObservedAt time.Time `json:"last_observed_at"` // Most recent observation

	// Retrieval and feedback counters
	RecallCount      int `json:"recall_count"`
	PositiveFeedback int `json:"positive_feedback"`
	NegativeFeedback int `json:"negative_feedback"`
}

// SourceChunk points back at the transcript byte range a memory came from.
type SourceChunk struct {
	FilePath     string `json:"file_path"`
	StartOffset  int64  `json:"start_offset"`
	EndOffset    int64  `json:"end_offset"`
	FirstMessage int    `json:"first_message"` // Index of the first message within the read
	LastMessage  int    `json:"last_message"`
}

// NetFeedback returns positive minus negative votes.
func (m *Memory) NetFeedback() int {
	return m.PositiveFeedback - m.NegativeFeedback
}

// HasEntity reports whether id is among the memory's related entities.
func (m *Memory) HasEntity(id string) bool {
	for _, e := range m.RelatedEntities {
		if e == id {
			return true
		}
	}
	return false
}

// Candidate is a validated extraction result that has not been stored yet.
// Only the response parser constructs Candidates, so Type is always valid
// and Confidence is always within [0,1].
type Candidate struct {
	Type            MemoryType `json:"type"`
	Title           string     `json:"title"`
	Content         string     `json:"content"`
	Category        string     `json:"category"`
	Confidence      float64    `json:"confidence"`
	RelatedEntities []string   `json:"related_entities"`
}

// ToMemory converts a candidate into an unsaved Memory observed at t.
func (c Candidate) ToMemory(source SourceChunk, t time.Time) *Memory {
	return &Memory{
		Type:            c.Type,
		Title:           c.Title,
		Content:         c.Content,
		Category:        c.Category,
		ConfidenceScore: ClampUnit(c.Confidence),
		SourceChunk:     source,
		TimesObserved:   1,
		FormedAt:        t,
		LastObservedAt:  t,
	}
}

// ClampUnit clamps v into [0,1].
func ClampUnit(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
