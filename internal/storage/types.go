package storage

import (
	"errors"
	"math"

	"github.com/scrypster/mnemo/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates a uniqueness violation, e.g. an alias owned by
	// another entity.
	ErrConflict = errors.New("conflict")
)

// DefaultMergeThreshold is the cosine similarity at or above which a new
// memory is merged into an existing one instead of being inserted.
const DefaultMergeThreshold = 0.9

// UpsertResult reports what Upsert did.
type UpsertResult struct {
	// Memory is the stored row after the operation.
	Memory *types.Memory

	// Created is true when a new row was inserted, false on merge.
	Created bool

	// Similarity is the cosine similarity to the merge target (0 when created
	// against an empty store).
	Similarity float64
}

// ScoredMemory is a memory with its similarity to a query vector.
type ScoredMemory struct {
	Memory     types.Memory
	Similarity float64
}

// StoredEmbedding is one memory's vector as persisted.
type StoredEmbedding struct {
	MemoryID string
	Model    string
	Vector   []float32
}

// CosineSimilarity returns the cosine similarity of a and b.
// Vectors of different length or zero magnitude yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MergeEntityIDs returns existing followed by the ids in incoming that are not
// already present, preserving order.
func MergeEntityIDs(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, id := range existing {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, id := range incoming {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
