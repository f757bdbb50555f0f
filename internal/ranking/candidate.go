// Package ranking defines the candidate model shared by the dense and sparse
// rankers and the weighted fusion that merges their output.
package ranking

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidInput is the parent of every input error raised by the ranking pipeline.
var ErrInvalidInput = errors.New("invalid input")

// ErrNegativeWeight is returned when a fusion weight is below zero.
var ErrNegativeWeight = fmt.Errorf("%w: fusion weight must not be negative", ErrInvalidInput)

// Candidate is one retrievable content unit returned by a ranker.
//
// Candidates are passed by value. Stages that assign a new score return a copy
// built with WithScore, so a dense or sparse RankedSet is never aliased by the
// fused or reranked output.
type Candidate struct {
	ID       string
	Text     string
	Score    *float64 // nil means the ranker did not score this candidate
	Metadata map[string]any
}

// RankedSet is the ordered output of a single ranking source.
type RankedSet []Candidate

// SortScore returns the score used as a sort key. A nil score sorts as 0.0.
func (c Candidate) SortScore() float64 {
	if c.Score == nil {
		return 0
	}
	return *c.Score
}

// HasScore reports whether the candidate carries a score.
func (c Candidate) HasScore() bool {
	return c.Score != nil
}

// WithScore returns a copy of c carrying score. The copy owns its score value.
func (c Candidate) WithScore(score *float64) Candidate {
	if score != nil {
		s := *score
		score = &s
	}
	c.Score = score
	return c
}

// Float returns a pointer to v, for building scores inline.
func Float(v float64) *float64 {
	return &v
}

// Options controls a single ranker call.
type Options struct {
	// Limit is the maximum number of candidates the ranker should return.
	Limit int

	// MinScore drops candidates scored below this value when the backend supports it.
	MinScore float32

	// Collection selects the index or tenant the ranker searches.
	Collection string
}

// Ranker returns candidates for a query ordered by its own notion of relevance.
// Higher scores are more relevant.
type Ranker interface {
	Retrieve(ctx context.Context, query string, opts Options) (RankedSet, error)
}

// RankerFunc adapts a function to the Ranker interface.
type RankerFunc func(ctx context.Context, query string, opts Options) (RankedSet, error)

// Retrieve calls f.
func (f RankerFunc) Retrieve(ctx context.Context, query string, opts Options) (RankedSet, error) {
	return f(ctx, query, opts)
}
