package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/knoguchi/hybridrank/internal/ranking"
	"github.com/knoguchi/hybridrank/internal/reranker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(id string, score float64) ranking.Candidate {
	return ranking.Candidate{
		ID:       id,
		Text:     "text of " + id,
		Score:    ranking.Float(score),
		Metadata: map[string]any{"doc_id": id},
	}
}

func staticRanker(set ranking.RankedSet) ranking.Ranker {
	return ranking.RankerFunc(func(context.Context, string, ranking.Options) (ranking.RankedSet, error) {
		return set, nil
	})
}

// scoresByID returns the configured score for each candidate text.
func scoresByID(scores map[string]float64) reranker.PairwiseScorer {
	return reranker.ScorerFunc(func(_ context.Context, pairs []reranker.Pair) ([]*float64, error) {
		out := make([]*float64, len(pairs))
		for i, p := range pairs {
			if s, ok := scores[p.Text]; ok {
				out[i] = ranking.Float(s)
			}
		}
		return out, nil
	})
}

func ids(cs []ranking.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestRetrieve_MergesAndReranks(t *testing.T) {
	dense := staticRanker(ranking.RankedSet{candidate("a", 0.9), candidate("b", 0.8)})
	sparse := staticRanker(ranking.RankedSet{candidate("b", 4.0), candidate("c", 2.0)})
	scorer := scoresByID(map[string]float64{"text of a": 0.2, "text of b": 0.5, "text of c": 0.9})

	svc := NewRetrievalService(dense, sparse, reranker.NewReranker(scorer))
	got, err := svc.Retrieve(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(got))
	assert.InDelta(t, 0.9, *got[0].Score, 1e-9)
}

func TestRetrieve_PassesOptionsToRankers(t *testing.T) {
	var mu sync.Mutex
	var seen []ranking.Options
	record := ranking.RankerFunc(func(_ context.Context, _ string, opts ranking.Options) (ranking.RankedSet, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, opts)
		return nil, nil
	})

	svc := NewRetrievalService(record, record, reranker.NewReranker(scoresByID(nil)),
		WithDefaults(WithCandidateLimit(50), WithCollection("default")))
	got, err := svc.Retrieve(context.Background(), "q", WithCollection("faq"), WithMinScore(0.2))

	require.NoError(t, err)
	assert.Empty(t, got)
	require.Len(t, seen, 2)
	for _, opts := range seen {
		assert.Equal(t, ranking.Options{Limit: 50, MinScore: 0.2, Collection: "faq"}, opts)
	}
}

func TestRetrieve_TopKAndWeights(t *testing.T) {
	dense := staticRanker(ranking.RankedSet{candidate("a", 1), candidate("b", 1), candidate("c", 1)})
	sparse := staticRanker(nil)
	var called int
	scorer := reranker.ScorerFunc(func(_ context.Context, pairs []reranker.Pair) ([]*float64, error) {
		called++
		out := make([]*float64, len(pairs))
		for i := range pairs {
			out[i] = ranking.Float(float64(i))
		}
		return out, nil
	})

	svc := NewRetrievalService(dense, sparse, reranker.NewReranker(scorer))
	got, err := svc.Retrieve(context.Background(), "q", WithTopK(2), WithWeights(1, 0))

	require.NoError(t, err)
	assert.Equal(t, 1, called)
	assert.Equal(t, []string{"c", "b"}, ids(got))
}

func TestRetrieve_InputErrors(t *testing.T) {
	svc := NewRetrievalService(staticRanker(nil), staticRanker(nil), reranker.NewReranker(scoresByID(nil)))

	_, err := svc.Retrieve(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.ErrorIs(t, err, ranking.ErrInvalidInput)

	_, err = svc.Retrieve(context.Background(), "q", WithTopK(0))
	assert.ErrorIs(t, err, reranker.ErrInvalidTopK)

	_, err = svc.Retrieve(context.Background(), "q", WithWeights(-1, 1))
	assert.ErrorIs(t, err, ranking.ErrNegativeWeight)
}

func TestRetrieve_RankersRunConcurrently(t *testing.T) {
	denseStarted := make(chan struct{})
	sparseStarted := make(chan struct{})

	dense := ranking.RankerFunc(func(ctx context.Context, _ string, _ ranking.Options) (ranking.RankedSet, error) {
		close(denseStarted)
		select {
		case <-sparseStarted:
			return ranking.RankedSet{candidate("a", 1)}, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("sparse ranker never started")
		}
	})
	sparse := ranking.RankerFunc(func(ctx context.Context, _ string, _ ranking.Options) (ranking.RankedSet, error) {
		close(sparseStarted)
		select {
		case <-denseStarted:
			return ranking.RankedSet{candidate("b", 1)}, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("dense ranker never started")
		}
	})

	svc := NewRetrievalService(dense, sparse, reranker.NewReranker(scoresByID(nil)))
	got, err := svc.Retrieve(context.Background(), "q")

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(got))
}

func TestRetrieve_RankerFailureCancelsOther(t *testing.T) {
	backendDown := errors.New("connection refused")
	sparseCancelled := make(chan struct{})

	dense := ranking.RankerFunc(func(context.Context, string, ranking.Options) (ranking.RankedSet, error) {
		return nil, backendDown
	})
	sparse := ranking.RankerFunc(func(ctx context.Context, _ string, _ ranking.Options) (ranking.RankedSet, error) {
		<-ctx.Done()
		close(sparseCancelled)
		return nil, ctx.Err()
	})
	scorer := reranker.ScorerFunc(func(context.Context, []reranker.Pair) ([]*float64, error) {
		t.Fatal("scorer must not run after a ranker failure")
		return nil, nil
	})

	svc := NewRetrievalService(dense, sparse, reranker.NewReranker(scorer))
	got, err := svc.Retrieve(context.Background(), "q")

	assert.Nil(t, got)
	assert.ErrorIs(t, err, backendDown)
	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, StageDense, depErr.Stage)

	select {
	case <-sparseCancelled:
	case <-time.After(time.Second):
		t.Fatal("sparse ranker was not cancelled")
	}
}

func TestRetrieve_ScorerFailure(t *testing.T) {
	timeout := errors.New("scorer timeout")
	scorer := reranker.ScorerFunc(func(context.Context, []reranker.Pair) ([]*float64, error) {
		return nil, timeout
	})

	svc := NewRetrievalService(staticRanker(ranking.RankedSet{candidate("a", 1)}), staticRanker(nil), reranker.NewReranker(scorer))
	_, err := svc.Retrieve(context.Background(), "q")

	assert.ErrorIs(t, err, timeout)
	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, StageRerank, depErr.Stage)
}

func TestRetrieve_ScoreCountMismatchIsInputError(t *testing.T) {
	scorer := reranker.ScorerFunc(func(context.Context, []reranker.Pair) ([]*float64, error) {
		return []*float64{}, nil
	})

	svc := NewRetrievalService(staticRanker(ranking.RankedSet{candidate("a", 1)}), staticRanker(nil), reranker.NewReranker(scorer))
	_, err := svc.Retrieve(context.Background(), "q")

	assert.ErrorIs(t, err, reranker.ErrScoreCountMismatch)
	var depErr *DependencyError
	assert.False(t, errors.As(err, &depErr))
}

func TestRetrieve_ContextCancellationReachesRankers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	waiting := ranking.RankerFunc(func(ctx context.Context, _ string, _ ranking.Options) (ranking.RankedSet, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	svc := NewRetrievalService(waiting, waiting, reranker.NewReranker(scoresByID(nil)))
	_, err := svc.Retrieve(ctx, "q")

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetrieve_ConcurrentQueriesDoNotShareState(t *testing.T) {
	perQuery := ranking.RankerFunc(func(_ context.Context, query string, _ ranking.Options) (ranking.RankedSet, error) {
		return ranking.RankedSet{candidate(query+"-1", 1), candidate(query+"-2", 2)}, nil
	})
	scorer := reranker.ScorerFunc(func(_ context.Context, pairs []reranker.Pair) ([]*float64, error) {
		out := make([]*float64, len(pairs))
		for i, p := range pairs {
			out[i] = ranking.Float(float64(len(p.Text)) + float64(i))
		}
		return out, nil
	})
	svc := NewRetrievalService(perQuery, perQuery, reranker.NewReranker(scorer))

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			got, err := svc.Retrieve(context.Background(), q)
			if err != nil {
				errs <- err
				return
			}
			if len(got) != 2 {
				errs <- fmt.Errorf("%s: got %d results", q, len(got))
				return
			}
			for _, c := range got {
				if c.Metadata["doc_id"] != c.ID || c.ID[:len(q)] != q {
					errs <- fmt.Errorf("%s: leaked candidate %s", q, c.ID)
				}
			}
		}(fmt.Sprintf("query%02d", i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

type judgments map[string][]string

func (j judgments) RelevantIDs(_ context.Context, query string) ([]string, error) {
	if ids, ok := j[query]; ok {
		return ids, nil
	}
	return nil, errors.New("judgment store unavailable")
}

func TestEvaluate(t *testing.T) {
	dense := staticRanker(ranking.RankedSet{candidate("a", 1), candidate("b", 1)})
	scorer := scoresByID(map[string]float64{"text of a": 0.9, "text of b": 0.1})
	svc := NewRetrievalService(dense, staticRanker(nil), reranker.NewReranker(scorer),
		WithJudgments(judgments{"judged": {"a", "z"}}))

	res, err := svc.Evaluate(context.Background(), "explicit", []string{"a"})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Metrics.Precision, 1e-9)
	assert.InDelta(t, 1.0, res.Metrics.Recall, 1e-9)

	res, err = svc.Evaluate(context.Background(), "judged", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, res.RelevantIDs)
	assert.InDelta(t, 0.5, res.Metrics.Recall, 1e-9)

	_, err = svc.Evaluate(context.Background(), "unknown", nil)
	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, StageJudgments, depErr.Stage)
}

func TestEvaluate_NoJudgmentSource(t *testing.T) {
	svc := NewRetrievalService(staticRanker(nil), staticRanker(nil), reranker.NewReranker(scoresByID(nil)))

	_, err := svc.Evaluate(context.Background(), "q", nil)

	assert.ErrorIs(t, err, ErrNoJudgments)
}

func TestRetriever_AppliesCollection(t *testing.T) {
	var got string
	dense := ranking.RankerFunc(func(_ context.Context, _ string, opts ranking.Options) (ranking.RankedSet, error) {
		got = opts.Collection
		return nil, nil
	})
	svc := NewRetrievalService(dense, staticRanker(nil), reranker.NewReranker(scoresByID(nil)))

	_, err := svc.Retriever(WithTopK(3)).Retrieve(context.Background(), "q", "billing")

	require.NoError(t, err)
	assert.Equal(t, "billing", got)
}
