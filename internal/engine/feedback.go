package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// FeedbackLedger records user votes on memories. Votes accumulate: the
// ledger does not deduplicate repeated submissions. Counters only influence
// ranking; confidence_score is never touched.
type FeedbackLedger struct {
	store storage.MemoryStore
}

// NewFeedbackLedger creates a ledger over store.
func NewFeedbackLedger(store storage.MemoryStore) *FeedbackLedger {
	return &FeedbackLedger{store: store}
}

// RecordFeedback adds one vote and returns the updated counters. An unknown
// memory yields storage.ErrNotFound, an unknown polarity
// storage.ErrInvalidInput.
func (f *FeedbackLedger) RecordFeedback(ctx context.Context, memoryID string, polarity types.Polarity) (types.FeedbackCounters, error) {
	if memoryID == "" {
		return types.FeedbackCounters{}, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if polarity != types.PolarityPositive && polarity != types.PolarityNegative {
		return types.FeedbackCounters{MemoryID: memoryID}, fmt.Errorf("%w: unknown polarity %q", storage.ErrInvalidInput, polarity)
	}

	counters, err := f.store.ApplyFeedback(ctx, memoryID, polarity)
	if err != nil {
		return counters, fmt.Errorf("failed to record feedback for %s: %w", memoryID, err)
	}
	counters.MemoryID = memoryID

	log.Printf("feedback: %s %s (now +%d/-%d)", memoryID, polarity, counters.Positive, counters.Negative)
	return counters, nil
}
