package engine

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/scrypster/mnemo/pkg/types"
)

// KeywordFamily boosts the listed memory types when a query uses one of the
// keywords. Keywords are lowercase words or space-separated phrases.
type KeywordFamily struct {
	Keywords []string
	Types    []types.MemoryType
}

// RankingConfig holds the weights and curves of the composite score.
type RankingConfig struct {
	SimilarityWeight  float64
	RecencyWeight     float64
	ConfidenceWeight  float64
	ObservationWeight float64
	TypeBoostWeight   float64

	// RecencyHalfLife is the age at which the recency factor halves.
	RecencyHalfLife time.Duration

	// ObservationScale sets how fast the observation factor saturates:
	// 1 - e^(-times_observed / scale).
	ObservationScale float64

	// FeedbackStep is the fraction added per net positive vote and removed
	// per net negative vote.
	FeedbackStep float64

	Families []KeywordFamily
}

// DefaultKeywordFamilies maps query language to the memory types it asks
// about.
var DefaultKeywordFamilies = []KeywordFamily{
	{
		Keywords: []string{"mistake", "mistakes", "wrong", "error", "errors", "bug", "bugs", "broke", "broken", "incorrect", "fix", "fixed", "oops"},
		Types:    []types.MemoryType{types.MemoryTypeCorrection},
	},
	{
		Keywords: []string{"decided", "decide", "decision", "decisions", "chose", "choose", "chosen", "picked", "pick", "selected", "went with"},
		Types:    []types.MemoryType{types.MemoryTypeDecision},
	},
	{
		Keywords: []string{"always", "usually", "prefer", "prefers", "preferred", "preference", "typically", "habit", "workflow", "routine", "convention"},
		Types:    []types.MemoryType{types.MemoryTypePatternSeed, types.MemoryTypeWorkflowNote},
	},
	{
		Keywords: []string{"learned", "learnt", "learn", "lesson", "lessons", "realized", "realised", "discovered", "insight", "turns out"},
		Types:    []types.MemoryType{types.MemoryTypeLearning, types.MemoryTypeInsight},
	},
	{
		Keywords: []string{"promised", "promise", "will", "deadline", "due", "committed", "commitment", "owe"},
		Types:    []types.MemoryType{types.MemoryTypeCommitment},
	},
	{
		Keywords: []string{"unknown", "missing", "unclear", "gap", "gaps", "don't know", "not sure how"},
		Types:    []types.MemoryType{types.MemoryTypeGap},
	},
	{
		Keywords: []string{"sure", "confident", "certain", "certainty", "confidence"},
		Types:    []types.MemoryType{types.MemoryTypeConfidence},
	},
	{
		Keywords: []string{"other agent", "another agent", "agents", "handoff", "handed off"},
		Types:    []types.MemoryType{types.MemoryTypeCrossAgent},
	},
}

// DefaultRankingConfig returns the standard weights: 0.60 similarity, 0.10
// recency, 0.15 confidence, 0.10 observation and 0.05 type boost.
func DefaultRankingConfig() RankingConfig {
	return RankingConfig{
		SimilarityWeight:  0.60,
		RecencyWeight:     0.10,
		ConfidenceWeight:  0.15,
		ObservationWeight: 0.10,
		TypeBoostWeight:   0.05,
		RecencyHalfLife:   30 * 24 * time.Hour,
		ObservationScale:  3,
		FeedbackStep:      0.05,
		Families:          DefaultKeywordFamilies,
	}
}

// Scored is a retrieval hit waiting to be ranked.
type Scored struct {
	Memory     types.Memory
	Similarity float64
	Method     types.RecallMethod
}

// ScoreComponents breaks a ranked score into its factors, each in [0,1]
// except Feedback, the multiplier applied to Composite.
type ScoreComponents struct {
	Similarity  float64 `json:"similarity"`
	Recency     float64 `json:"recency"`
	Confidence  float64 `json:"confidence"`
	Observation float64 `json:"observation"`
	TypeBoost   float64 `json:"type_boost"`
	Composite   float64 `json:"composite"`
	Feedback    float64 `json:"feedback"`
}

// Ranked is a hit with its final score.
type Ranked struct {
	Scored
	Score      float64
	Components ScoreComponents
}

// Ranker orders retrieval hits. It holds no state besides its config, so
// ranking the same inputs at the same instant gives the same order.
type Ranker struct {
	cfg RankingConfig
}

// NewRanker creates a ranker. Zero-valued curve parameters take their
// defaults.
func NewRanker(cfg RankingConfig) *Ranker {
	def := DefaultRankingConfig()
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = def.RecencyHalfLife
	}
	if cfg.ObservationScale <= 0 {
		cfg.ObservationScale = def.ObservationScale
	}
	if cfg.Families == nil {
		cfg.Families = def.Families
	}
	return &Ranker{cfg: cfg}
}

// Rank scores every hit against query at time now and sorts by score, then
// by most recent observation, then by id.
func (r *Ranker) Rank(hits []Scored, query string, now time.Time) []Ranked {
	boosted := r.boostedTypes(query)

	ranked := make([]Ranked, len(hits))
	for i, h := range hits {
		c := r.components(h, boosted, now)
		ranked[i] = Ranked{Scored: h, Score: c.Composite * c.Feedback, Components: c}
	}

	slices.SortFunc(ranked, func(a, b Ranked) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := b.Memory.LastObservedAt.Compare(a.Memory.LastObservedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Memory.ID, b.Memory.ID)
	})
	return ranked
}

func (r *Ranker) components(h Scored, boosted map[types.MemoryType]bool, now time.Time) ScoreComponents {
	c := ScoreComponents{
		Similarity:  types.ClampUnit(h.Similarity),
		Recency:     r.recency(h.Memory.LastObservedAt, now),
		Confidence:  types.ClampUnit(h.Memory.ConfidenceScore),
		Observation: 1 - math.Exp(-float64(max(h.Memory.TimesObserved, 1))/r.cfg.ObservationScale),
		TypeBoost:   0.5,
	}
	if boosted[h.Memory.Type] {
		c.TypeBoost = 1.0
	}

	c.Composite = r.cfg.SimilarityWeight*c.Similarity +
		r.cfg.RecencyWeight*c.Recency +
		r.cfg.ConfidenceWeight*c.Confidence +
		r.cfg.ObservationWeight*c.Observation +
		r.cfg.TypeBoostWeight*c.TypeBoost

	c.Feedback = math.Max(0, 1+r.cfg.FeedbackStep*float64(h.Memory.NetFeedback()))
	return c
}

// recency is 2^(-age/halfLife). Future timestamps count as now.
func (r *Ranker) recency(lastObserved, now time.Time) float64 {
	if lastObserved.IsZero() {
		return 0
	}
	age := now.Sub(lastObserved)
	if age < 0 {
		age = 0
	}
	return types.ClampUnit(math.Pow(2, -float64(age)/float64(r.cfg.RecencyHalfLife)))
}

// boostedTypes returns the memory types whose keyword families the query
// mentions.
func (r *Ranker) boostedTypes(query string) map[types.MemoryType]bool {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	padded := " " + strings.Join(words, " ") + " "

	boosted := make(map[types.MemoryType]bool)
	for _, fam := range r.cfg.Families {
		for _, kw := range fam.Keywords {
			if strings.Contains(padded, " "+kw+" ") {
				for _, t := range fam.Types {
					boosted[t] = true
				}
				break
			}
		}
	}
	return boosted
}
