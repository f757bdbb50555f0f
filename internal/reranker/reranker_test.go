package reranker

import (
	"context"
	"errors"
	"testing"

	"github.com/knoguchi/hybridrank/internal/ranking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingScorer returns fixed scores keyed by text and counts calls.
type countingScorer struct {
	scores map[string]*float64
	calls  int
	pairs  [][]Pair
	err    error
}

func (s *countingScorer) Predict(_ context.Context, pairs []Pair) ([]*float64, error) {
	s.calls++
	s.pairs = append(s.pairs, pairs)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*float64, len(pairs))
	for i, p := range pairs {
		out[i] = s.scores[p.Text]
	}
	return out, nil
}

func candidates(ids ...string) []ranking.Candidate {
	out := make([]ranking.Candidate, len(ids))
	for i, id := range ids {
		out[i] = ranking.Candidate{ID: id, Text: id, Score: ranking.Float(1)}
	}
	return out
}

func ids(cs []ranking.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestRerank_EmptyShortCircuit(t *testing.T) {
	scorer := &countingScorer{}

	got, err := Rerank(context.Background(), "q", nil, scorer, 3)

	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Equal(t, 0, scorer.calls)
}

func TestRerank_SortsAndTruncates(t *testing.T) {
	scorer := &countingScorer{scores: map[string]*float64{
		"A": ranking.Float(0.9),
		"B": ranking.Float(0.1),
		"C": ranking.Float(0.7),
		"D": ranking.Float(0.5),
	}}

	got, err := Rerank(context.Background(), "q", candidates("A", "B", "C", "D"), scorer, 3)

	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "D"}, ids(got))
	assert.Equal(t, 0.9, *got[0].Score)
	assert.Equal(t, 0.7, *got[1].Score)
	assert.Equal(t, 0.5, *got[2].Score)
}

func TestRerank_SingleBatchedCallInInputOrder(t *testing.T) {
	scorer := &countingScorer{scores: map[string]*float64{}}

	_, err := Rerank(context.Background(), "what", candidates("x", "y", "z"), scorer, 5)

	require.NoError(t, err)
	require.Equal(t, 1, scorer.calls)
	assert.Equal(t, []Pair{{"what", "x"}, {"what", "y"}, {"what", "z"}}, scorer.pairs[0])
}

func TestRerank_NilScoreSortsAsZeroAndStaysNil(t *testing.T) {
	scorer := &countingScorer{scores: map[string]*float64{
		"pos": ranking.Float(0.2),
		"neg": ranking.Float(-0.5),
		// "none" is missing and scores nil
	}}

	got, err := Rerank(context.Background(), "q", candidates("neg", "none", "pos"), scorer, 3)

	require.NoError(t, err)
	assert.Equal(t, []string{"pos", "none", "neg"}, ids(got))
	assert.Nil(t, got[1].Score)
}

func TestRerank_StableTies(t *testing.T) {
	same := ranking.Float(0.4)
	scorer := &countingScorer{scores: map[string]*float64{"a": same, "b": same, "c": same, "d": ranking.Float(0.8)}}

	got, err := Rerank(context.Background(), "q", candidates("a", "b", "c", "d"), scorer, 10)

	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a", "b", "c"}, ids(got))
}

func TestRerank_TopKBound(t *testing.T) {
	scorer := &countingScorer{scores: map[string]*float64{}}
	in := candidates("a", "b", "c")

	for _, k := range []int{1, 2, 3, 4, 10} {
		got, err := Rerank(context.Background(), "q", in, scorer, k)
		require.NoError(t, err)
		assert.Len(t, got, min(k, len(in)))
	}
}

func TestRerank_InvalidTopK(t *testing.T) {
	scorer := &countingScorer{}

	_, err := Rerank(context.Background(), "q", candidates("a"), scorer, 0)

	assert.ErrorIs(t, err, ErrInvalidTopK)
	assert.ErrorIs(t, err, ranking.ErrInvalidInput)
	assert.Equal(t, 0, scorer.calls)
}

func TestRerank_ScorerErrorPropagates(t *testing.T) {
	boom := errors.New("model unavailable")
	scorer := &countingScorer{err: boom}

	got, err := Rerank(context.Background(), "q", candidates("a"), scorer, 1)

	assert.Nil(t, got)
	assert.ErrorIs(t, err, boom)
}

func TestRerank_ScoreCountMismatch(t *testing.T) {
	scorer := ScorerFunc(func(context.Context, []Pair) ([]*float64, error) {
		return []*float64{ranking.Float(1)}, nil
	})

	_, err := Rerank(context.Background(), "q", candidates("a", "b"), scorer, 2)

	assert.ErrorIs(t, err, ErrScoreCountMismatch)
}

func TestRerank_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	scorer := &countingScorer{}

	_, err := Rerank(ctx, "q", candidates("a"), scorer, 1)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, scorer.calls)
}

func TestRerank_DoesNotMutateInput(t *testing.T) {
	scorer := &countingScorer{scores: map[string]*float64{"a": ranking.Float(0.3)}}
	in := candidates("a")

	_, err := Rerank(context.Background(), "q", in, scorer, 1)

	require.NoError(t, err)
	assert.Equal(t, 1.0, *in[0].Score)
}

func TestRerank_Deterministic(t *testing.T) {
	scorer := &countingScorer{scores: map[string]*float64{
		"a": ranking.Float(0.3), "b": ranking.Float(0.3), "c": ranking.Float(0.9),
	}}
	fused := ranking.Merge(
		ranking.RankedSet{{ID: "a", Text: "a"}, {ID: "b", Text: "b"}},
		ranking.RankedSet{{ID: "c", Text: "c"}, {ID: "a", Text: "a"}},
		ranking.DefaultDenseWeight, ranking.DefaultSparseWeight,
	)

	first, err := Rerank(context.Background(), "q", fused.Candidates(), scorer, 3)
	require.NoError(t, err)
	for range 5 {
		again, err := Rerank(context.Background(), "q", fused.Candidates(), scorer, 3)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestReranker_Defaults(t *testing.T) {
	scorer := &countingScorer{scores: map[string]*float64{}}
	r := NewReranker(scorer, WithLogger(nil))

	assert.Equal(t, DefaultTopK, r.TopK())

	got, err := r.Rerank(context.Background(), "q", candidates("a", "b", "c", "d", "e", "f", "g"))
	require.NoError(t, err)
	assert.Len(t, got, DefaultTopK)

	got, err = r.RerankTopK(context.Background(), "q", candidates("a", "b", "c"), 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
