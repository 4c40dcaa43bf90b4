package engine

import (
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// DedupBatch collects the embedded candidates of one chunk and merges
// near-duplicates among them before anything reaches the store.
//
// Candidates keep their insertion order. Resolve walks that order once: each
// candidate is absorbed by the most similar earlier survivor whose similarity
// reaches the threshold, otherwise it survives itself. The outcome depends
// only on the order of Add calls.
type DedupBatch struct {
	threshold float64
	items     []*types.Memory
	owner     []int // index of the absorbing survivor, or the item's own index
	resolved  bool
}

// NewDedupBatch creates an empty batch merging at or above threshold.
func NewDedupBatch(threshold float64) *DedupBatch {
	return &DedupBatch{threshold: threshold}
}

// Add appends a candidate and returns its index. The memory must carry its
// embedding. Adding after Resolve is not supported.
func (b *DedupBatch) Add(m *types.Memory) int {
	b.items = append(b.items, m)
	b.owner = append(b.owner, len(b.items)-1)
	return len(b.items) - 1
}

// Len returns the number of candidates added.
func (b *DedupBatch) Len() int { return len(b.items) }

// Resolve merges near-duplicates and returns the surviving memories in
// insertion order. A survivor's TimesObserved counts every candidate it
// absorbed, its LastObservedAt is the latest among them and its entities are
// the ordered union. Content, title and embedding stay those of the first
// candidate.
func (b *DedupBatch) Resolve() []*types.Memory {
	if b.resolved {
		return b.survivors()
	}

	n := len(b.items)
	sim := pairwise(b.items)

	for j := 0; j < n; j++ {
		b.owner[j] = j
		best, bestSim := -1, 0.0
		for i := 0; i < j; i++ {
			if b.owner[i] != i {
				continue
			}
			if s := sim[i][j]; s >= b.threshold && (best < 0 || s > bestSim) {
				best, bestSim = i, s
			}
		}
		if best >= 0 {
			b.owner[j] = best
			absorb(b.items[best], b.items[j])
		}
	}
	b.resolved = true
	return b.survivors()
}

func (b *DedupBatch) survivors() []*types.Memory {
	survivors := make([]*types.Memory, 0, len(b.items))
	for i, m := range b.items {
		if b.owner[i] == i {
			survivors = append(survivors, m)
		}
	}
	return survivors
}

// Owner returns the index of the survivor that absorbed candidate i, or i
// itself. Only meaningful after Resolve.
func (b *DedupBatch) Owner(i int) int {
	if !b.resolved {
		return i
	}
	return b.owner[i]
}

func pairwise(items []*types.Memory) [][]float64 {
	sim := make([][]float64, len(items))
	for i := range items {
		sim[i] = make([]float64, len(items))
	}
	for i := range items {
		for j := i + 1; j < len(items); j++ {
			s := storage.CosineSimilarity(items[i].Embedding, items[j].Embedding)
			sim[i][j], sim[j][i] = s, s
		}
	}
	return sim
}

func absorb(into, dup *types.Memory) {
	into.TimesObserved = max(into.TimesObserved, 1) + max(dup.TimesObserved, 1)
	if dup.LastObservedAt.After(into.LastObservedAt) {
		into.LastObservedAt = dup.LastObservedAt
	}
	into.RelatedEntities = storage.MergeEntityIDs(into.RelatedEntities, dup.RelatedEntities)
}
