package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/knoguchi/hybridrank/internal/ranking"
)

const (
	// DefaultScorerURL is the default cross-encoder service endpoint.
	DefaultScorerURL = "http://localhost:8081"

	// DefaultCrossEncoderModel is the model the original pipeline reranked with.
	DefaultCrossEncoderModel = "cross-encoder/ms-marco-MiniLM-L-6-v2"
)

// ErrMixedQueries is returned when a batch holds pairs for more than one query.
var ErrMixedQueries = fmt.Errorf("%w: all pairs in a batch must share one query", ranking.ErrInvalidInput)

// HTTPScorer calls a cross-encoder rerank service exposing a
// text-embeddings-inference style POST /rerank endpoint.
type HTTPScorer struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// HTTPScorerOption is a functional option for configuring HTTPScorer.
type HTTPScorerOption func(*HTTPScorer)

// WithScorerURL sets the service base URL.
func WithScorerURL(url string) HTTPScorerOption {
	return func(s *HTTPScorer) {
		s.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithScorerModel sets the model name sent with each request.
func WithScorerModel(model string) HTTPScorerOption {
	return func(s *HTTPScorer) {
		s.model = model
	}
}

// WithScorerHTTPClient sets a custom HTTP client.
func WithScorerHTTPClient(client *http.Client) HTTPScorerOption {
	return func(s *HTTPScorer) {
		s.httpClient = client
	}
}

// NewHTTPScorer creates a scorer for a remote cross-encoder.
func NewHTTPScorer(opts ...HTTPScorerOption) *HTTPScorer {
	s := &HTTPScorer{
		baseURL: DefaultScorerURL,
		model:   DefaultCrossEncoderModel,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
}

type rerankHit struct {
	Index int      `json:"index"`
	Score *float64 `json:"score"`
}

// Predict sends every pair in one request and maps the returned hits back to
// input order by index.
func (s *HTTPScorer) Predict(ctx context.Context, pairs []Pair) ([]*float64, error) {
	if len(pairs) == 0 {
		return []*float64{}, nil
	}

	query := pairs[0].Query
	texts := make([]string, len(pairs))
	for i, p := range pairs {
		if p.Query != query {
			return nil, ErrMixedQueries
		}
		texts[i] = p.Text
	}

	body, err := json.Marshal(rerankRequest{
		Model:     s.model,
		Query:     query,
		Texts:     texts,
		RawScores: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank API error (status %d): %s", resp.StatusCode, string(msg))
	}

	var hits []rerankHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	scores := make([]*float64, len(pairs))
	for _, h := range hits {
		if h.Index < 0 || h.Index >= len(pairs) {
			return nil, fmt.Errorf("rerank API returned hit index %d out of range", h.Index)
		}
		scores[h.Index] = h.Score
	}

	return scores, nil
}

// Ensure HTTPScorer implements PairwiseScorer.
var _ PairwiseScorer = (*HTTPScorer)(nil)
