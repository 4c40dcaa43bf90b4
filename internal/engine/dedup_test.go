package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/pkg/types"
)

func candidate(content string, vec []float32, at time.Time, entities ...string) *types.Memory {
	return &types.Memory{
		Type:            types.MemoryTypeLearning,
		Title:           content,
		Content:         content,
		Embedding:       vec,
		TimesObserved:   1,
		FormedAt:        at,
		LastObservedAt:  at,
		RelatedEntities: entities,
	}
}

func TestDedupBatch_MergesNearDuplicates(t *testing.T) {
	b := NewDedupBatch(0.9)
	b.Add(candidate("first", unit(0), t0, "e1"))
	b.Add(candidate("unrelated", unit(5), t0))
	b.Add(candidate("second", near(0, 1, 0.95), t0.Add(time.Hour), "e2", "e1"))

	survivors := b.Resolve()
	require.Len(t, survivors, 2)
	assert.Equal(t, "first", survivors[0].Content)
	assert.Equal(t, "unrelated", survivors[1].Content)

	assert.Equal(t, 2, survivors[0].TimesObserved)
	assert.True(t, survivors[0].LastObservedAt.Equal(t0.Add(time.Hour)))
	assert.True(t, survivors[0].FormedAt.Equal(t0))
	assert.Equal(t, []string{"e1", "e2"}, survivors[0].RelatedEntities)
	assert.Equal(t, unit(0), survivors[0].Embedding, "embedding stays the first one's")

	assert.Equal(t, 0, b.Owner(2))
	assert.Equal(t, 1, b.Owner(1))
	assert.Equal(t, 3, b.Len())
}

func TestDedupBatch_ThresholdIsInclusive(t *testing.T) {
	b := NewDedupBatch(1.0)
	b.Add(candidate("a", unit(0), t0))
	b.Add(candidate("b", unit(0), t0))
	b.Add(candidate("c", near(0, 1, 0.95), t0))
	survivors := b.Resolve()
	require.Len(t, survivors, 2, "identical vectors reach a threshold of 1")
	assert.Equal(t, "a", survivors[0].Content)
	assert.Equal(t, "c", survivors[1].Content)
}

func TestDedupBatch_AbsorbedByMostSimilarSurvivor(t *testing.T) {
	b := NewDedupBatch(0.5)
	b.Add(candidate("x", unit(0), t0))
	b.Add(candidate("y", unit(1), t0))
	// Closer to y (0.8) than to x (0.6).
	v := make([]float32, testDim)
	v[0], v[1] = 0.6, 0.8
	b.Add(candidate("z", v, t0))

	survivors := b.Resolve()
	require.Len(t, survivors, 2)
	assert.Equal(t, 1, b.Owner(2))
	assert.Equal(t, 1, survivors[0].TimesObserved)
	assert.Equal(t, 2, survivors[1].TimesObserved)
}

func TestDedupBatch_AbsorbedItemsDoNotAbsorb(t *testing.T) {
	b := NewDedupBatch(0.9)
	b.Add(candidate("a", unit(0), t0))
	b.Add(candidate("b", near(0, 1, 0.95), t0))
	// Close to b (~0.95) but only 0.8 to a.
	c := make([]float32, testDim)
	c[0], c[1] = 0.8, 0.6
	b.Add(candidate("c", c, t0))

	survivors := b.Resolve()
	require.Len(t, survivors, 2)
	assert.Equal(t, "a", survivors[0].Content)
	assert.Equal(t, "c", survivors[1].Content)
}

func TestDedupBatch_ResolveIsIdempotent(t *testing.T) {
	b := NewDedupBatch(0.9)
	b.Add(candidate("a", unit(0), t0))
	b.Add(candidate("b", unit(0), t0))

	first := b.Resolve()
	second := b.Resolve()
	require.Len(t, second, 1)
	assert.Same(t, first[0], second[0])
	assert.Equal(t, 2, second[0].TimesObserved)
}

func TestDedupBatch_Empty(t *testing.T) {
	b := NewDedupBatch(0.9)
	assert.Empty(t, b.Resolve())
	assert.Equal(t, 0, b.Len())
}
