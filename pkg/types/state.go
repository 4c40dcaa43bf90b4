package types

import "time"

// ExtractionState is the durable per-file ingestion cursor.
// LastPosition is a byte offset and never decreases.
type ExtractionState struct {
	FilePath        string    `json:"file_path"`
	LastPosition    int64     `json:"last_position"`
	LastExtractedAt time.Time `json:"last_extracted_at"`
}

// FailedChunk records a byte range whose extraction exhausted its retries.
// The scheduler re-attempts open failed chunks on later runs until
// Attempts reaches the configured maximum, after which it is abandoned.
type FailedChunk struct {
	FilePath    string    `json:"file_path"`
	StartOffset int64     `json:"start_offset"`
	EndOffset   int64     `json:"end_offset"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	Abandoned   bool      `json:"abandoned"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SessionRecall is an immutable audit record of a memory being surfaced.
type SessionRecall struct {
	ID           int64        `json:"id"` // Snowflake ID
	SessionID    string       `json:"session_id"`
	MemoryID     string       `json:"memory_id"`
	Rank         int          `json:"rank"` // 1-based position in the result list
	Score        float64      `json:"score"`
	RecallMethod RecallMethod `json:"recall_method"`
	RecalledAt   time.Time    `json:"recalled_at"`
}

// FeedbackCounters is the current vote tally for a memory.
type FeedbackCounters struct {
	MemoryID string `json:"memory_id"`
	Positive int    `json:"positive"`
	Negative int    `json:"negative"`
}

// Net returns positive minus negative votes.
func (f FeedbackCounters) Net() int {
	return f.Positive - f.Negative
}
