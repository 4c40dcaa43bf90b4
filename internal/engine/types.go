// Package engine drives the memory pipeline. The write path turns transcript
// chunks into stored memories (extract, resolve entities, embed, dedup,
// upsert); the read path retrieves and ranks memories for a query and
// feeds user feedback back into ranking.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/storage"
)

var (
	// ErrAlreadyRunning is returned by Trigger and RunOnce while a run is in
	// flight. Triggers are never queued.
	ErrAlreadyRunning = errors.New("extraction already running")

	// ErrChunkFailed marks a chunk whose extraction, embedding or storage
	// failed after retries. The run continues with the next chunk.
	ErrChunkFailed = errors.New("chunk failed")

	// ErrEmbeddingUnavailable aborts a run: without embeddings no memory can
	// be deduplicated or stored.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
)

// Config holds configuration for the extraction scheduler.
type Config struct {
	// Interval between scheduled runs (default: 15m).
	Interval time.Duration

	// RunOnStart triggers a run as soon as Start is called.
	RunOnStart bool

	// FileConcurrency bounds how many files one run processes at once
	// (default: 4). Chunks within a file are always sequential.
	FileConcurrency int

	// MinMessages and MaxMessages bound chunk sizes (default: 10 and 15).
	MinMessages int
	MaxMessages int

	// TailIdle holds back the chunk at the end of a file until the file has
	// been unmodified this long, so a speaker's turn that is still being
	// written is not split across runs (default: 2m). Zero processes the
	// tail at once.
	TailIdle time.Duration

	// MergeThreshold is the cosine similarity at or above which a candidate
	// merges into an existing memory (default: 0.9).
	MergeThreshold float64

	// MaxChunkAttempts is how many times a failed chunk is tried before it is
	// abandoned (default: 3).
	MaxChunkAttempts int

	// MaxConsecutiveEmbedFailures aborts a run after this many embedding
	// failures in a row (default: 3).
	MaxConsecutiveEmbedFailures int

	// Retry controls backoff for model and embedding calls.
	Retry llm.RetryConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:                    15 * time.Minute,
		FileConcurrency:             4,
		MinMessages:                 10,
		MaxMessages:                 15,
		TailIdle:                    2 * time.Minute,
		MergeThreshold:              storage.DefaultMergeThreshold,
		MaxChunkAttempts:            3,
		MaxConsecutiveEmbedFailures: 3,
		Retry:                       llm.DefaultRetryConfig,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("Interval must be > 0, got %v", c.Interval)
	}

	if c.FileConcurrency < 1 {
		return fmt.Errorf("FileConcurrency must be >= 1, got %d", c.FileConcurrency)
	}

	if c.MinMessages < 1 || c.MaxMessages < c.MinMessages {
		return fmt.Errorf("chunk bounds must satisfy 1 <= MinMessages <= MaxMessages, got %d and %d", c.MinMessages, c.MaxMessages)
	}

	if c.TailIdle < 0 {
		return fmt.Errorf("TailIdle must be >= 0, got %v", c.TailIdle)
	}

	if c.MergeThreshold < 0 || c.MergeThreshold > 1 {
		return fmt.Errorf("MergeThreshold must be within [0,1], got %v", c.MergeThreshold)
	}

	if c.MaxChunkAttempts < 1 {
		return fmt.Errorf("MaxChunkAttempts must be >= 1, got %d", c.MaxChunkAttempts)
	}

	if c.MaxConsecutiveEmbedFailures < 1 {
		return fmt.Errorf("MaxConsecutiveEmbedFailures must be >= 1, got %d", c.MaxConsecutiveEmbedFailures)
	}

	return nil
}
