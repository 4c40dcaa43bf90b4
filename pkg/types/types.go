// Package types defines the core data structures for the mnemo memory system.
// These types represent memories mined from conversation transcripts, the
// entities they mention, per-file ingestion cursors and recall audit records.
package types

import (
	"fmt"
	"strings"
)

// MemoryType is the closed set of memory kinds the extractor may produce.
type MemoryType string

// Memory type constants
const (
	// MemoryTypeCorrection records a mistake and what the right answer turned out to be
	MemoryTypeCorrection MemoryType = "correction"

	// MemoryTypeDecision records a choice made between alternatives
	MemoryTypeDecision MemoryType = "decision"

	// MemoryTypeCommitment records a promise or follow-up someone agreed to
	MemoryTypeCommitment MemoryType = "commitment"

	// MemoryTypeInsight records a non-obvious realization about the work
	MemoryTypeInsight MemoryType = "insight"

	// MemoryTypeLearning records a fact or technique picked up along the way
	MemoryTypeLearning MemoryType = "learning"

	// MemoryTypeConfidence records how sure someone is about a claim or approach
	MemoryTypeConfidence MemoryType = "confidence"

	// MemoryTypePatternSeed records an emerging habit or preference
	MemoryTypePatternSeed MemoryType = "pattern_seed"

	// MemoryTypeCrossAgent records information meant for, or coming from, another agent
	MemoryTypeCrossAgent MemoryType = "cross_agent"

	// MemoryTypeWorkflowNote records how a task is usually carried out
	MemoryTypeWorkflowNote MemoryType = "workflow_note"

	// MemoryTypeGap records missing knowledge or an unanswered question
	MemoryTypeGap MemoryType = "gap"
)

// AllMemoryTypes lists every valid memory type in prompt order.
var AllMemoryTypes = []MemoryType{
	MemoryTypeCorrection,
	MemoryTypeDecision,
	MemoryTypeCommitment,
	MemoryTypeInsight,
	MemoryTypeLearning,
	MemoryTypeConfidence,
	MemoryTypePatternSeed,
	MemoryTypeCrossAgent,
	MemoryTypeWorkflowNote,
	MemoryTypeGap,
}

// ParseMemoryType converts a raw string into a MemoryType.
// Matching is case-insensitive and tolerates surrounding whitespace and
// hyphens in place of underscores ("pattern-seed").
func ParseMemoryType(s string) (MemoryType, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, t := range AllMemoryTypes {
		if string(t) == normalized {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown memory type %q", s)
}

// IsValid reports whether t is one of the ten known memory types.
func (t MemoryType) IsValid() bool {
	for _, v := range AllMemoryTypes {
		if v == t {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (t MemoryType) String() string {
	return string(t)
}

// Entity type constants
const (
	EntityTypePerson       = "person"
	EntityTypeProject      = "project"
	EntityTypeOrganization = "organization"
	EntityTypeLocation     = "location"
	EntityTypeTool         = "tool"
	EntityTypeConcept      = "concept"
)

// ValidEntityTypes is a slice of all valid entity types for validation
var ValidEntityTypes = []string{
	EntityTypePerson,
	EntityTypeProject,
	EntityTypeOrganization,
	EntityTypeLocation,
	EntityTypeTool,
	EntityTypeConcept,
}

// IsValidEntityType checks if the given type is a valid entity type.
func IsValidEntityType(entityType string) bool {
	for _, t := range ValidEntityTypes {
		if t == entityType {
			return true
		}
	}
	return false
}

// Polarity is the direction of a feedback vote.
type Polarity string

const (
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
)

// ParsePolarity accepts "positive"/"negative" as well as the shorthand
// "up"/"down" and "+"/"-".
func ParsePolarity(s string) (Polarity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "up", "+", "+1":
		return PolarityPositive, nil
	case "negative", "down", "-", "-1":
		return PolarityNegative, nil
	}
	return "", fmt.Errorf("unknown feedback polarity %q", s)
}

// RecallMethod describes which retrieval path surfaced a memory.
type RecallMethod string

const (
	RecallMethodEntity   RecallMethod = "entity"
	RecallMethodSemantic RecallMethod = "semantic"
	RecallMethodBoth     RecallMethod = "both"
)
