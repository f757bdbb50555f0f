// Package service wires the rankers, the fusion merger and the reranker into
// the retrieval entry point used by the HTTP and CLI front ends.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/hybridrank/internal/evaluation"
	"github.com/knoguchi/hybridrank/internal/ranking"
	"github.com/knoguchi/hybridrank/internal/reranker"
	"golang.org/x/sync/errgroup"
)

// DefaultCandidateLimit is how many candidates each ranker is asked for.
const DefaultCandidateLimit = 20

// ErrEmptyQuery is returned for a blank query.
var ErrEmptyQuery = fmt.Errorf("%w: query is required", ranking.ErrInvalidInput)

// ErrNoJudgments is returned by Evaluate when no relevant ids are given and
// no judgment source is configured.
var ErrNoJudgments = fmt.Errorf("%w: relevant ids are required", ranking.ErrInvalidInput)

// Stage names the external collaborator that failed.
type Stage string

const (
	StageDense     Stage = "dense"
	StageSparse    Stage = "sparse"
	StageRerank    Stage = "rerank"
	StageJudgments Stage = "judgments"
)

// DependencyError reports a failure of a ranker, the scorer or the judgment
// store. The cause is available through errors.Is and errors.As.
type DependencyError struct {
	Stage Stage
	Err   error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// retrieveParams are the per-call knobs. Each call works on its own copy.
type retrieveParams struct {
	denseWeight    float64
	sparseWeight   float64
	topK           int
	candidateLimit int
	minScore       float32
	collection     string
}

// RetrieveOption adjusts a single Retrieve call.
type RetrieveOption func(*retrieveParams)

// WithWeights sets the fusion weights.
func WithWeights(dense, sparse float64) RetrieveOption {
	return func(p *retrieveParams) {
		p.denseWeight = dense
		p.sparseWeight = sparse
	}
}

// WithTopK sets the number of results returned.
func WithTopK(k int) RetrieveOption {
	return func(p *retrieveParams) {
		p.topK = k
	}
}

// WithCandidateLimit sets how many candidates each ranker returns.
func WithCandidateLimit(n int) RetrieveOption {
	return func(p *retrieveParams) {
		if n > 0 {
			p.candidateLimit = n
		}
	}
}

// WithCollection selects the collection both rankers search.
func WithCollection(name string) RetrieveOption {
	return func(p *retrieveParams) {
		p.collection = name
	}
}

// WithMinScore sets the backend score threshold.
func WithMinScore(s float32) RetrieveOption {
	return func(p *retrieveParams) {
		p.minScore = s
	}
}

// RetrievalService runs hybrid retrieval: dense and sparse rankers in
// parallel, weighted fusion, then pairwise reranking.
type RetrievalService struct {
	dense     ranking.Ranker
	sparse    ranking.Ranker
	reranker  *reranker.Reranker
	judgments evaluation.RelevantIDSource
	policy    ranking.MergePolicy
	defaults  retrieveParams
	logger    *slog.Logger
}

// Option is a functional option for configuring RetrievalService.
type Option func(*RetrievalService)

// WithDefaults applies retrieve options to every call before the call's own options.
func WithDefaults(opts ...RetrieveOption) Option {
	return func(s *RetrievalService) {
		for _, opt := range opts {
			opt(&s.defaults)
		}
	}
}

// WithMergePolicy selects how scores of ids found by both rankers are combined.
func WithMergePolicy(p ranking.MergePolicy) Option {
	return func(s *RetrievalService) {
		s.policy = p
	}
}

// WithJudgments sets the source of relevant ids used by Evaluate.
func WithJudgments(src evaluation.RelevantIDSource) Option {
	return func(s *RetrievalService) {
		s.judgments = src
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *RetrievalService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRetrievalService creates a retrieval service.
func NewRetrievalService(dense, sparse ranking.Ranker, rr *reranker.Reranker, opts ...Option) *RetrievalService {
	s := &RetrievalService{
		dense:    dense,
		sparse:   sparse,
		reranker: rr,
		policy:   ranking.LastWriteWins,
		defaults: retrieveParams{
			denseWeight:    ranking.DefaultDenseWeight,
			sparseWeight:   ranking.DefaultSparseWeight,
			topK:           rr.TopK(),
			candidateLimit: DefaultCandidateLimit,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Retrieve returns the top candidates for query.
//
// Both rankers run concurrently. If either fails the other is cancelled and
// the failure is returned as a *DependencyError; no partial result is
// produced. An empty result is not an error.
func (s *RetrievalService) Retrieve(ctx context.Context, query string, opts ...RetrieveOption) ([]ranking.Candidate, error) {
	start := time.Now()

	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	p := s.defaults
	for _, opt := range opts {
		opt(&p)
	}
	if err := ranking.ValidateWeights(p.denseWeight, p.sparseWeight); err != nil {
		return nil, err
	}
	if p.topK <= 0 {
		return nil, reranker.ErrInvalidTopK
	}

	rankOpts := ranking.Options{
		Limit:      p.candidateLimit,
		MinScore:   p.minScore,
		Collection: p.collection,
	}

	var dense, sparse ranking.RankedSet
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.dense.Retrieve(gctx, query, rankOpts)
		if err != nil {
			return &DependencyError{Stage: StageDense, Err: err}
		}
		dense = res
		return nil
	})
	g.Go(func() error {
		res, err := s.sparse.Retrieve(gctx, query, rankOpts)
		if err != nil {
			return &DependencyError{Stage: StageSparse, Err: err}
		}
		sparse = res
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Warn("candidate retrieval failed", "error", err)
		return nil, err
	}
	retrievalMs := time.Since(start).Milliseconds()

	fused := ranking.MergeWithPolicy(dense, sparse, p.denseWeight, p.sparseWeight, s.policy)

	results, err := s.reranker.RerankTopK(ctx, query, fused.Candidates(), p.topK)
	if err != nil {
		if errors.Is(err, ranking.ErrInvalidInput) {
			return nil, err
		}
		return nil, &DependencyError{Stage: StageRerank, Err: err}
	}

	s.logger.Info("retrieval completed",
		"dense", len(dense),
		"sparse", len(sparse),
		"fused", fused.Len(),
		"returned", len(results),
		"retrieval_ms", retrievalMs,
		"total_ms", time.Since(start).Milliseconds(),
	)

	return results, nil
}

// EvaluationResult is the outcome of Evaluate.
type EvaluationResult struct {
	Query       string              `json:"query"`
	Results     []ranking.Candidate `json:"results"`
	RelevantIDs []string            `json:"relevant_ids"`
	Metrics     evaluation.Metrics  `json:"metrics"`
}

// Evaluate retrieves for query and scores the result against relevantIDs.
// When relevantIDs is empty the configured judgment source is consulted.
func (s *RetrievalService) Evaluate(ctx context.Context, query string, relevantIDs []string, opts ...RetrieveOption) (*EvaluationResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	if len(relevantIDs) == 0 {
		if s.judgments == nil {
			return nil, ErrNoJudgments
		}
		ids, err := s.judgments.RelevantIDs(ctx, query)
		if err != nil {
			return nil, &DependencyError{Stage: StageJudgments, Err: err}
		}
		relevantIDs = ids
	}

	results, err := s.Retrieve(ctx, query, opts...)
	if err != nil {
		return nil, err
	}

	return &EvaluationResult{
		Query:       query,
		Results:     results,
		RelevantIDs: relevantIDs,
		Metrics:     evaluation.Evaluate(query, results, relevantIDs),
	}, nil
}

// Retriever adapts the service for evaluation.Runner.
func (s *RetrievalService) Retriever(opts ...RetrieveOption) evaluation.Retriever {
	return evaluation.RetrieverFunc(func(ctx context.Context, query, collection string) ([]ranking.Candidate, error) {
		callOpts := opts
		if collection != "" {
			callOpts = append(append([]RetrieveOption(nil), opts...), WithCollection(collection))
		}
		return s.Retrieve(ctx, query, callOpts...)
	})
}
