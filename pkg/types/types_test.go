package types

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryType(t *testing.T) {
	tests := []struct {
		in      string
		want    MemoryType
		wantErr bool
	}{
		{"decision", MemoryTypeDecision, false},
		{"  Correction ", MemoryTypeCorrection, false},
		{"pattern-seed", MemoryTypePatternSeed, false},
		{"WORKFLOW_NOTE", MemoryTypeWorkflowNote, false},
		{"cross_agent", MemoryTypeCrossAgent, false},
		{"opinion", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMemoryType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllMemoryTypes_TenDistinct(t *testing.T) {
	seen := make(map[MemoryType]bool)
	for _, mt := range AllMemoryTypes {
		if seen[mt] {
			t.Errorf("duplicate memory type %q", mt)
		}
		seen[mt] = true
		if !mt.IsValid() {
			t.Errorf("%q should be valid", mt)
		}
	}
	if len(seen) != 10 {
		t.Fatalf("expected 10 memory types, got %d", len(seen))
	}
	assert.False(t, MemoryType("Decision").IsValid(), "IsValid is exact-match")
}

func TestParsePolarity(t *testing.T) {
	for _, s := range []string{"positive", "UP", "+", "+1"} {
		p, err := ParsePolarity(s)
		require.NoError(t, err, s)
		assert.Equal(t, PolarityPositive, p)
	}
	for _, s := range []string{"negative", "down", "-", "-1"} {
		p, err := ParsePolarity(s)
		require.NoError(t, err, s)
		assert.Equal(t, PolarityNegative, p)
	}
	_, err := ParsePolarity("meh")
	assert.Error(t, err)
}

func TestClampUnit(t *testing.T) {
	assert.Equal(t, 0.0, ClampUnit(-0.3))
	assert.Equal(t, 1.0, ClampUnit(7))
	assert.Equal(t, 0.42, ClampUnit(0.42))
	assert.Equal(t, 0.0, ClampUnit(math.NaN()))
}

func TestCandidateToMemory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Candidate{
		Type:       MemoryTypeDecision,
		Title:      "Use PostgreSQL",
		Content:    "We decided to use PostgreSQL over MySQL for the new service.",
		Category:   "architecture",
		Confidence: 1.4,
	}
	src := SourceChunk{FilePath: "a.jsonl", StartOffset: 0, EndOffset: 120}

	m := c.ToMemory(src, now)

	assert.Equal(t, MemoryTypeDecision, m.Type)
	assert.Equal(t, 1.0, m.ConfidenceScore)
	assert.Equal(t, 1, m.TimesObserved)
	assert.Equal(t, 0, m.RecallCount)
	assert.Equal(t, now, m.FormedAt)
	assert.Equal(t, now, m.LastObservedAt)
	assert.Equal(t, src, m.SourceChunk)
}

func TestEntityHasAlias(t *testing.T) {
	e := Entity{Aliases: []string{"postgres", "pg"}}
	assert.True(t, e.HasAlias("pg"))
	assert.False(t, e.HasAlias("mysql"))
}

func TestFeedbackCountersNet(t *testing.T) {
	assert.Equal(t, 2, FeedbackCounters{Positive: 3, Negative: 1}.Net())
	m := Memory{PositiveFeedback: 1, NegativeFeedback: 4}
	assert.Equal(t, -3, m.NetFeedback())
}
