package ranking

import (
	"fmt"
	"strings"
)

const (
	// DefaultDenseWeight is the emphasis given to semantic scores when fusing.
	DefaultDenseWeight = 0.7

	// DefaultSparseWeight is the emphasis given to lexical scores when fusing.
	DefaultSparseWeight = 0.3
)

// MergePolicy decides which score survives when an id appears in both sources.
type MergePolicy int

const (
	// LastWriteWins keeps the candidate seen last in dense-then-sparse order,
	// so a sparse hit replaces a dense hit with the same id.
	LastWriteWins MergePolicy = iota

	// MaxScore keeps the higher weighted score.
	MaxScore

	// SumScores adds the weighted scores of both sources.
	SumScores
)

// String returns the configuration name of the policy.
func (p MergePolicy) String() string {
	switch p {
	case LastWriteWins:
		return "last_write_wins"
	case MaxScore:
		return "max"
	case SumScores:
		return "sum"
	default:
		return fmt.Sprintf("MergePolicy(%d)", int(p))
	}
}

// ParseMergePolicy converts a configuration value into a MergePolicy.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last_write_wins", "lww":
		return LastWriteWins, nil
	case "max":
		return MaxScore, nil
	case "sum":
		return SumScores, nil
	default:
		return LastWriteWins, fmt.Errorf("%w: unknown merge policy %q", ErrInvalidInput, s)
	}
}

// FusedSet holds exactly one candidate per id.
//
// Iteration order is the position at which each id was first seen, which keeps
// a merge followed by a rerank deterministic for fixed inputs.
type FusedSet struct {
	byID  map[string]Candidate
	order []string
}

func newFusedSet(capacity int) FusedSet {
	return FusedSet{
		byID:  make(map[string]Candidate, capacity),
		order: make([]string, 0, capacity),
	}
}

// Len returns the number of unique candidates.
func (f FusedSet) Len() int {
	return len(f.order)
}

// Get returns the fused candidate for id.
func (f FusedSet) Get(id string) (Candidate, bool) {
	c, ok := f.byID[id]
	return c, ok
}

// Candidates returns the fused candidates. The slice is a fresh copy.
func (f FusedSet) Candidates() []Candidate {
	out := make([]Candidate, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.byID[id])
	}
	return out
}

func (f *FusedSet) put(c Candidate, policy MergePolicy) {
	prev, exists := f.byID[c.ID]
	if !exists {
		f.order = append(f.order, c.ID)
		f.byID[c.ID] = c
		return
	}

	switch policy {
	case MaxScore:
		if c.SortScore() > prev.SortScore() {
			f.byID[c.ID] = c
		}
	case SumScores:
		sum := prev.SortScore() + c.SortScore()
		f.byID[c.ID] = c.WithScore(&sum)
	default:
		f.byID[c.ID] = c
	}
}

// Merge weights both ranked sets and folds them into one set keyed by id.
//
// Every dense score becomes (score or 0) * denseWeight and every sparse score
// (score or 0) * sparseWeight. When an id repeats, the sparse candidate fully
// replaces the dense one, score included.
func Merge(dense, sparse RankedSet, denseWeight, sparseWeight float64) FusedSet {
	return MergeWithPolicy(dense, sparse, denseWeight, sparseWeight, LastWriteWins)
}

// MergeWithPolicy is Merge with a configurable duplicate policy.
func MergeWithPolicy(dense, sparse RankedSet, denseWeight, sparseWeight float64, policy MergePolicy) FusedSet {
	fused := newFusedSet(len(dense) + len(sparse))
	for _, c := range dense {
		fused.put(weighted(c, denseWeight), policy)
	}
	for _, c := range sparse {
		fused.put(weighted(c, sparseWeight), policy)
	}
	return fused
}

// ValidateWeights rejects negative fusion weights.
func ValidateWeights(denseWeight, sparseWeight float64) error {
	if denseWeight < 0 {
		return fmt.Errorf("%w: dense weight %v", ErrNegativeWeight, denseWeight)
	}
	if sparseWeight < 0 {
		return fmt.Errorf("%w: sparse weight %v", ErrNegativeWeight, sparseWeight)
	}
	return nil
}

func weighted(c Candidate, weight float64) Candidate {
	s := c.SortScore() * weight
	return c.WithScore(&s)
}
