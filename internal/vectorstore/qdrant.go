package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/knoguchi/hybridrank/internal/embedder"
	"github.com/knoguchi/hybridrank/internal/ranking"
	"github.com/qdrant/go-client/qdrant"
)

// DefaultCandidateLimit is the number of points fetched when Options.Limit is unset.
const DefaultCandidateLimit = 20

// ErrNoCollection is returned when neither the call nor the ranker names a collection.
var ErrNoCollection = fmt.Errorf("%w: no collection configured", ranking.ErrInvalidInput)

// Client wraps a Qdrant connection.
type Client struct {
	*qdrant.Client
}

// Dial creates a new Qdrant client.
// url should be in format "host:port" (e.g., "localhost:6334")
func Dial(url string) (*Client, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &Client{Client: client}, nil
}

// Ping reports whether Qdrant answers a health check.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// QdrantRanker is the dense ranker: it embeds the query and runs a similarity
// query against a Qdrant collection.
type QdrantRanker struct {
	points     PointQuerier
	embedder   embedder.Embedder
	collection string
	vectorName string
	logger     *slog.Logger
}

// QdrantOption is a functional option for configuring QdrantRanker.
type QdrantOption func(*QdrantRanker)

// WithCollection sets the collection searched when Options.Collection is empty.
func WithCollection(name string) QdrantOption {
	return func(r *QdrantRanker) {
		r.collection = name
	}
}

// WithVectorName queries a named dense vector, as used by hybrid collections.
func WithVectorName(name string) QdrantOption {
	return func(r *QdrantRanker) {
		r.vectorName = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) QdrantOption {
	return func(r *QdrantRanker) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewQdrantRanker creates a dense ranker.
func NewQdrantRanker(points PointQuerier, embed embedder.Embedder, opts ...QdrantOption) *QdrantRanker {
	r := &QdrantRanker{
		points:   points,
		embedder: embed,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Retrieve embeds query and returns the nearest points as candidates.
func (r *QdrantRanker) Retrieve(ctx context.Context, query string, opts ranking.Options) (ranking.RankedSet, error) {
	collection := opts.Collection
	if collection == "" {
		collection = r.collection
	}
	if collection == "" {
		return nil, ErrNoCollection
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	request := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if r.vectorName != "" {
		request.Using = qdrant.PtrOf(r.vectorName)
	}
	if opts.MinScore > 0 {
		request.ScoreThreshold = qdrant.PtrOf(opts.MinScore)
	}

	points, err := r.points.Query(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make(ranking.RankedSet, 0, len(points))
	for _, point := range points {
		results = append(results, toCandidate(point))
	}

	r.logger.Debug("dense ranker returned candidates", "collection", collection, "count", len(results))
	return results, nil
}

// toCandidate maps a scored point to a candidate. Every payload field except
// the content becomes metadata.
func toCandidate(point *qdrant.ScoredPoint) ranking.Candidate {
	score := float64(point.GetScore())
	c := ranking.Candidate{
		ID:       pointID(point.GetId()),
		Score:    &score,
		Metadata: make(map[string]any, len(point.GetPayload())),
	}

	for k, v := range point.GetPayload() {
		if k == payloadContent {
			c.Text = v.GetStringValue()
			continue
		}
		c.Metadata[k] = valueToAny(v)
	}
	if _, ok := c.Metadata[metadataDocID]; !ok {
		if docID, ok := c.Metadata[payloadDocumentID]; ok {
			c.Metadata[metadataDocID] = docID
		}
	}

	return c
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

// valueToAny converts a payload value into plain Go values.
func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		values := kind.ListValue.GetValues()
		out := make([]any, len(values))
		for i, item := range values {
			out[i] = valueToAny(item)
		}
		return out
	case *qdrant.Value_StructValue:
		fields := kind.StructValue.GetFields()
		out := make(map[string]any, len(fields))
		for k, item := range fields {
			out[k] = valueToAny(item)
		}
		return out
	default:
		return nil
	}
}

// Ensure QdrantRanker implements ranking.Ranker
var _ ranking.Ranker = (*QdrantRanker)(nil)
