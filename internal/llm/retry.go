package llm

import (
	"context"
	"errors"
	"log"
	"time"
)

// RetryConfig controls exponential-backoff retry of model calls.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Zero or negative values are treated as 1.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt; later waits
	// double up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// ShouldRetry classifies errors. Nil retries every error except an open
	// circuit, which is not going to heal within the backoff window.
	ShouldRetry func(err error) bool
}

// DefaultRetryConfig is three attempts with 1s, 2s waits.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
}

// Retry calls fn up to cfg.MaxAttempts times. It stops early when ctx is
// cancelled or fn succeeds, and returns the last error.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return !errors.Is(err, ErrCircuitOpen) }
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}

		log.Printf("llm: attempt %d/%d failed, retrying in %s: %v", attempt, cfg.MaxAttempts, delay, lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}
