// Package repository defines the persisted records the ranking service reads:
// indexed chunks searched by the lexical ranker and relevance judgments used
// for evaluation.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Judgment records that a document is relevant (Relevance > 0) or not to a query.
type Judgment struct {
	Query     string
	DocID     string
	Relevance int
	CreatedAt time.Time
}

// JudgmentRepository defines operations for relevance judgment persistence
type JudgmentRepository interface {
	// RelevantIDs returns the ids of documents judged relevant to query.
	RelevantIDs(ctx context.Context, query string) ([]string, error)

	// Upsert creates or replaces the judgment for (query, doc id).
	Upsert(ctx context.Context, j *Judgment) error

	// Queries lists every query that has at least one judgment.
	Queries(ctx context.Context, limit, offset int) ([]string, error)
}
