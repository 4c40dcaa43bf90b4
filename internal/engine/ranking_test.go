package engine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/pkg/types"
)

var rankNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func hit(id string, typ types.MemoryType, sim float64) Scored {
	return Scored{
		Memory: types.Memory{
			ID:              id,
			Type:            typ,
			ConfidenceScore: 0.8,
			TimesObserved:   1,
			LastObservedAt:  rankNow.Add(-24 * time.Hour),
		},
		Similarity: sim,
		Method:     types.RecallMethodSemantic,
	}
}

func TestRank_TypeBoostFromQueryKeywords(t *testing.T) {
	r := NewRanker(DefaultRankingConfig())
	hits := []Scored{
		hit("decision", types.MemoryTypeDecision, 0.8),
		hit("correction", types.MemoryTypeCorrection, 0.8),
	}

	ranked := r.Rank(hits, "what mistake did we make with the database", rankNow)
	require.Len(t, ranked, 2)
	assert.Equal(t, "correction", ranked[0].Memory.ID)
	assert.Equal(t, 1.0, ranked[0].Components.TypeBoost)
	assert.Equal(t, 0.5, ranked[1].Components.TypeBoost)
	assert.InDelta(t, 0.05*0.5, ranked[0].Score-ranked[1].Score, 1e-9)

	ranked = r.Rank(hits, "which database did we pick", rankNow)
	assert.Equal(t, "decision", ranked[0].Memory.ID)
}

func TestRank_PhraseKeywordsMatchWholeWords(t *testing.T) {
	r := NewRanker(DefaultRankingConfig())
	hits := []Scored{
		hit("a", types.MemoryTypeDecision, 0.5),
		hit("b", types.MemoryTypeCorrection, 0.5),
	}

	// "errorless" and "wrongly" are not keywords.
	ranked := r.Rank(hits, "errorless wrongly", rankNow)
	assert.Equal(t, 0.5, ranked[0].Components.TypeBoost)
	assert.Equal(t, 0.5, ranked[1].Components.TypeBoost)

	ranked = r.Rank(hits, "Which one did we go with?", rankNow)
	assert.Equal(t, "a", ranked[0].Memory.ID, "phrase 'went with' must not match 'go with'")
	ranked = r.Rank(hits, "what we WENT WITH", rankNow)
	assert.Equal(t, "a", ranked[0].Memory.ID)
	assert.Equal(t, 1.0, ranked[0].Components.TypeBoost)
}

func TestRank_PositiveFeedbackRaisesScore(t *testing.T) {
	r := NewRanker(DefaultRankingConfig())
	base := hit("m", types.MemoryTypeInsight, 0.7)

	before := r.Rank([]Scored{base}, "anything", rankNow)[0]

	voted := base
	voted.Memory.PositiveFeedback = 2
	after := r.Rank([]Scored{voted}, "anything", rankNow)[0]

	assert.InDelta(t, 1.10, after.Components.Feedback, 1e-9)
	assert.InDelta(t, before.Score*1.10, after.Score, 1e-9)
	assert.Greater(t, after.Score, before.Score)
	assert.Equal(t, before.Components.Confidence, after.Components.Confidence, "feedback never changes confidence")
}

func TestRank_FeedbackFactorFloorsAtZero(t *testing.T) {
	r := NewRanker(DefaultRankingConfig())
	h := hit("m", types.MemoryTypeInsight, 0.9)
	h.Memory.NegativeFeedback = 40

	got := r.Rank([]Scored{h}, "q", rankNow)[0]
	assert.Equal(t, 0.0, got.Components.Feedback)
	assert.Equal(t, 0.0, got.Score)
}

func TestRank_Monotonicity(t *testing.T) {
	r := NewRanker(DefaultRankingConfig())

	t.Run("similarity", func(t *testing.T) {
		ranked := r.Rank([]Scored{hit("low", types.MemoryTypeGap, 0.5), hit("high", types.MemoryTypeGap, 0.9)}, "q", rankNow)
		assert.Equal(t, "high", ranked[0].Memory.ID)
	})

	t.Run("recency", func(t *testing.T) {
		old := hit("old", types.MemoryTypeGap, 0.7)
		old.Memory.LastObservedAt = rankNow.Add(-90 * 24 * time.Hour)
		ranked := r.Rank([]Scored{old, hit("fresh", types.MemoryTypeGap, 0.7)}, "q", rankNow)
		assert.Equal(t, "fresh", ranked[0].Memory.ID)
	})

	t.Run("observations", func(t *testing.T) {
		seen := hit("seen", types.MemoryTypeGap, 0.7)
		seen.Memory.TimesObserved = 5
		ranked := r.Rank([]Scored{hit("once", types.MemoryTypeGap, 0.7), seen}, "q", rankNow)
		assert.Equal(t, "seen", ranked[0].Memory.ID)
	})

	t.Run("confidence", func(t *testing.T) {
		sure := hit("sure", types.MemoryTypeGap, 0.7)
		sure.Memory.ConfidenceScore = 1
		ranked := r.Rank([]Scored{hit("meh", types.MemoryTypeGap, 0.7), sure}, "q", rankNow)
		assert.Equal(t, "sure", ranked[0].Memory.ID)
	})
}

func TestRank_TieBreaks(t *testing.T) {
	r := NewRanker(DefaultRankingConfig())

	a := hit("a", types.MemoryTypeGap, 1.0)
	b := hit("b", types.MemoryTypeGap, 1.0)
	c := hit("c", types.MemoryTypeGap, 1.0)
	// Future timestamps count as now, so c and b tie on score but c was
	// observed later.
	b.Memory.LastObservedAt = rankNow
	c.Memory.LastObservedAt = rankNow.Add(time.Hour)

	ranked := r.Rank([]Scored{a, b, c}, "q", rankNow)
	require.Len(t, ranked, 3)
	assert.Equal(t, ranked[1].Score, ranked[0].Score)
	assert.Equal(t, "c", ranked[0].Memory.ID)
	assert.Equal(t, "b", ranked[1].Memory.ID)
	assert.Equal(t, "a", ranked[2].Memory.ID)

	d := hit("d", types.MemoryTypeGap, 0.6)
	e := hit("e", types.MemoryTypeGap, 0.6)
	ranked = r.Rank([]Scored{e, d}, "q", rankNow)
	assert.Equal(t, "d", ranked[0].Memory.ID, "equal score and time order by id")
}

func TestRank_Curves(t *testing.T) {
	r := NewRanker(DefaultRankingConfig())

	assert.InDelta(t, 1.0, r.recency(rankNow, rankNow), 1e-9)
	assert.InDelta(t, 0.5, r.recency(rankNow.Add(-30*24*time.Hour), rankNow), 1e-9)
	assert.InDelta(t, 0.25, r.recency(rankNow.Add(-60*24*time.Hour), rankNow), 1e-9)
	assert.Equal(t, 0.0, r.recency(time.Time{}, rankNow))

	h := hit("m", types.MemoryTypeGap, 0.5)
	h.Memory.TimesObserved = 3
	c := r.components(h, nil, rankNow)
	assert.InDelta(t, 1-math.Exp(-1), c.Observation, 1e-9)

	h.Memory.TimesObserved = 0
	c = r.components(h, nil, rankNow)
	assert.InDelta(t, 1-math.Exp(-1.0/3), c.Observation, 1e-9, "zero observations count as one")

	h.Similarity = 1.7
	c = r.components(h, nil, rankNow)
	assert.Equal(t, 1.0, c.Similarity)
}

func TestRank_CompositeWeights(t *testing.T) {
	r := NewRanker(DefaultRankingConfig())
	h := Scored{
		Memory: types.Memory{
			ID:              "m",
			Type:            types.MemoryTypeCorrection,
			ConfidenceScore: 1,
			TimesObserved:   1,
			LastObservedAt:  rankNow,
		},
		Similarity: 1,
	}

	got := r.Rank([]Scored{h}, "a bug", rankNow)[0]
	want := 0.60 + 0.10 + 0.15 + 0.10*(1-math.Exp(-1.0/3)) + 0.05
	assert.InDelta(t, want, got.Score, 1e-9)
	assert.InDelta(t, got.Components.Composite, got.Score, 1e-9)
}
