package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder memoizes embeddings by (model, text).
type CachedEmbedder struct {
	next  EmbeddingGenerator
	cache *ristretto.Cache
}

var _ EmbeddingGenerator = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps next with a ristretto cache holding roughly
// maxEntries vectors.
func NewCachedEmbedder(next EmbeddingGenerator, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true, // each vector costs 1, so MaxCost counts entries
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

func (c *CachedEmbedder) key(text string) string {
	return c.next.GetModel() + "\x00" + strings.TrimSpace(text)
}

// Embed returns the cached vector or computes and stores it. Callers must
// not modify the returned slice.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, 1)
	return vec, nil
}

// GetModel returns the wrapped model name.
func (c *CachedEmbedder) GetModel() string {
	return c.next.GetModel()
}

// Wait blocks until pending cache writes are visible. Used by tests.
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

// Close stops the cache's background goroutines.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
