package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/transcript"
	"github.com/scrypster/mnemo/pkg/types"
)

// ExtractionResult holds the validated candidates of one chunk and the
// elements the parser rejected.
type ExtractionResult struct {
	Candidates []types.Candidate
	Dropped    []llm.DroppedCandidate
}

// Extractor asks a text generator for the memories contained in a chunk.
type Extractor struct {
	llm   llm.TextGenerator
	retry llm.RetryConfig
}

// NewExtractor creates an extractor. A zero retry config uses
// llm.DefaultRetryConfig.
func NewExtractor(gen llm.TextGenerator, retry llm.RetryConfig) *Extractor {
	if retry.MaxAttempts == 0 {
		retry = llm.DefaultRetryConfig
	}
	return &Extractor{llm: gen, retry: retry}
}

// Extract renders the chunk into the extraction prompt and parses the
// model's answer. Transport failures and responses without any JSON are
// retried; once attempts run out the error wraps ErrChunkFailed. Elements
// that fail validation are dropped and reported, never fatal.
func (x *Extractor) Extract(ctx context.Context, chunk transcript.Chunk) (*ExtractionResult, error) {
	if len(chunk.Messages) == 0 {
		return &ExtractionResult{}, nil
	}

	prompt := llm.BuildExtractionPrompt(chunk.Render())

	var parsed *llm.ParseResult
	err := llm.Retry(ctx, x.retry, func() error {
		response, err := x.llm.Complete(ctx, prompt)
		if err != nil {
			return err
		}
		parsed, err = llm.ParseCandidates(response)
		if errors.Is(err, llm.ErrNoJSON) {
			log.Printf("extraction: model %s returned no JSON for %s at byte %d", x.llm.GetModel(), chunk.FilePath, chunk.Start)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s bytes %d-%d: %w", ErrChunkFailed, chunk.FilePath, chunk.Start, chunk.End, err)
	}

	return &ExtractionResult{
		Candidates: parsed.Candidates,
		Dropped:    parsed.Dropped,
	}, nil
}
