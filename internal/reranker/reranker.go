// Package reranker provides the second, pairwise stage of hybrid retrieval.
//
// The fused candidate set is re-scored by a PairwiseScorer that sees the query
// and each candidate's text together, then sorted and truncated to the top K.
//
// # Trade-offs
//
// The scorer is the dominant latency contributor of a query:
//
//   - LLMScorer: one prompt per query, adds 1-3 seconds, no extra model to host
//   - HTTPScorer: a remote cross-encoder service, tens of milliseconds per batch
//   - crossencoder.Scorer: in-process ONNX inference, no network hop
//
// All scorers are called exactly once per query with the whole batch.
package reranker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/knoguchi/hybridrank/internal/ranking"
)

// DefaultTopK is the number of candidates returned when no limit is configured.
const DefaultTopK = 5

var (
	// ErrInvalidTopK is returned when topK is zero or negative.
	ErrInvalidTopK = fmt.Errorf("%w: topK must be positive", ranking.ErrInvalidInput)

	// ErrScoreCountMismatch is returned when a scorer returns a different number
	// of scores than pairs it was given.
	ErrScoreCountMismatch = fmt.Errorf("%w: scorer returned wrong number of scores", ranking.ErrInvalidInput)
)

// Pair is one (query, text) input to a pairwise scorer.
type Pair struct {
	Query string
	Text  string
}

// PairwiseScorer scores query/text pairs in a single batch.
type PairwiseScorer interface {
	// Predict returns one score per pair, in input order. A nil entry means the
	// scorer produced no score for that pair.
	Predict(ctx context.Context, pairs []Pair) ([]*float64, error)
}

// ScorerFunc adapts a function to the PairwiseScorer interface.
type ScorerFunc func(ctx context.Context, pairs []Pair) ([]*float64, error)

// Predict calls f.
func (f ScorerFunc) Predict(ctx context.Context, pairs []Pair) ([]*float64, error) {
	return f(ctx, pairs)
}

// Reranker applies a PairwiseScorer with a fixed default topK.
type Reranker struct {
	scorer PairwiseScorer
	topK   int
	logger *slog.Logger
}

// Option is a functional option for configuring Reranker.
type Option func(*Reranker)

// WithTopK sets the default number of results.
func WithTopK(k int) Option {
	return func(r *Reranker) {
		r.topK = k
	}
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reranker) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReranker creates a reranker around scorer.
func NewReranker(scorer PairwiseScorer, opts ...Option) *Reranker {
	r := &Reranker{
		scorer: scorer,
		topK:   DefaultTopK,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// TopK returns the default result size.
func (r *Reranker) TopK() int {
	return r.topK
}

// Rerank re-scores candidates with the reranker's scorer and default topK.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []ranking.Candidate) ([]ranking.Candidate, error) {
	return rerank(ctx, r.logger, query, candidates, r.scorer, r.topK)
}

// RerankTopK is Rerank with an explicit topK.
func (r *Reranker) RerankTopK(ctx context.Context, query string, candidates []ranking.Candidate, topK int) ([]ranking.Candidate, error) {
	return rerank(ctx, r.logger, query, candidates, r.scorer, topK)
}

// Rerank scores every (query, candidate text) pair with one scorer call,
// replaces each candidate's score with the pairwise score, and returns the
// topK candidates in descending score order.
//
// A nil pairwise score sorts as 0.0 but is returned as nil. Ties keep input
// order. An empty candidate list returns without calling the scorer.
func Rerank(ctx context.Context, query string, candidates []ranking.Candidate, scorer PairwiseScorer, topK int) ([]ranking.Candidate, error) {
	return rerank(ctx, slog.Default(), query, candidates, scorer, topK)
}

func rerank(ctx context.Context, logger *slog.Logger, query string, candidates []ranking.Candidate, scorer PairwiseScorer, topK int) ([]ranking.Candidate, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}
	if len(candidates) == 0 {
		logger.Info("no candidates to rerank")
		return []ranking.Candidate{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Debug("reranking candidates", "count", len(candidates), "query", query, "top_k", topK)

	pairs := make([]Pair, len(candidates))
	for i, c := range candidates {
		pairs[i] = Pair{Query: query, Text: c.Text}
	}

	scores, err := scorer.Predict(ctx, pairs)
	if err != nil {
		return nil, fmt.Errorf("pairwise scoring failed: %w", err)
	}
	if len(scores) != len(pairs) {
		return nil, fmt.Errorf("%w: got %d scores for %d pairs", ErrScoreCountMismatch, len(scores), len(pairs))
	}

	scored := make([]ranking.Candidate, len(candidates))
	for i, c := range candidates {
		scored[i] = c.WithScore(scores[i])
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].SortScore() > scored[j].SortScore()
	})

	if len(scored) > topK {
		scored = scored[:topK]
	}

	logger.Info("reranked candidates", "returned", len(scored))
	for i, c := range scored {
		logger.Debug("rerank result", "rank", i+1, "id", c.ID, "score", c.SortScore(), "scored", c.HasScore())
	}

	return scored, nil
}
