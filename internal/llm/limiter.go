package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// NewLimiter returns a token bucket allowing perSecond calls with the given
// burst. A non-positive rate yields nil, meaning unlimited.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Duration(float64(time.Second)/perSecond)), burst)
}

// rateLimitedText waits on the limiter before every completion.
type rateLimitedText struct {
	next    TextGenerator
	limiter *rate.Limiter
}

// WithTextRateLimit wraps gen so completions respect limiter.
// A nil limiter returns gen unchanged.
func WithTextRateLimit(gen TextGenerator, limiter *rate.Limiter) TextGenerator {
	if limiter == nil {
		return gen
	}
	return &rateLimitedText{next: gen, limiter: limiter}
}

func (r *rateLimitedText) Complete(ctx context.Context, prompt string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Complete(ctx, prompt)
}

func (r *rateLimitedText) GetModel() string { return r.next.GetModel() }

// rateLimitedEmbed waits on the limiter before every embedding call.
type rateLimitedEmbed struct {
	next    EmbeddingGenerator
	limiter *rate.Limiter
}

// WithEmbedRateLimit wraps gen so embedding calls respect limiter.
// A nil limiter returns gen unchanged.
func WithEmbedRateLimit(gen EmbeddingGenerator, limiter *rate.Limiter) EmbeddingGenerator {
	if limiter == nil {
		return gen
	}
	return &rateLimitedEmbed{next: gen, limiter: limiter}
}

func (r *rateLimitedEmbed) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Embed(ctx, text)
}

func (r *rateLimitedEmbed) GetModel() string { return r.next.GetModel() }
