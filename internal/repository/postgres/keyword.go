package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/hybridrank/internal/ranking"
)

const (
	// DefaultTextSearchConfig is the Postgres text search configuration.
	DefaultTextSearchConfig = "english"

	// DefaultKeywordLimit is the number of rows fetched when Options.Limit is unset.
	DefaultKeywordLimit = 20
)

// KeywordRanker is the sparse ranker. It runs Postgres full-text search over
// document_chunks and scores rows with ts_rank_cd.
//
// Expected table:
//
//	document_chunks(id uuid, document_id uuid, collection text, content text,
//	                metadata jsonb, search_vector tsvector)
type KeywordRanker struct {
	db         Querier
	config     string
	normalize  int
	collection string
	logger     *slog.Logger
}

// KeywordOption is a functional option for configuring KeywordRanker.
type KeywordOption func(*KeywordRanker)

// WithTextSearchConfig sets the regconfig used to parse queries.
func WithTextSearchConfig(config string) KeywordOption {
	return func(r *KeywordRanker) {
		r.config = config
	}
}

// WithRankNormalization sets the ts_rank_cd normalization bitmask.
// 32 maps ranks into [0, 1) as rank/(rank+1).
func WithRankNormalization(mask int) KeywordOption {
	return func(r *KeywordRanker) {
		r.normalize = mask
	}
}

// WithDefaultCollection restricts searches to a collection when Options.Collection is empty.
func WithDefaultCollection(name string) KeywordOption {
	return func(r *KeywordRanker) {
		r.collection = name
	}
}

// WithKeywordLogger sets the logger.
func WithKeywordLogger(logger *slog.Logger) KeywordOption {
	return func(r *KeywordRanker) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewKeywordRanker creates a new lexical ranker.
func NewKeywordRanker(db Querier, opts ...KeywordOption) *KeywordRanker {
	r := &KeywordRanker{
		db:        db,
		config:    DefaultTextSearchConfig,
		normalize: 32,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// buildQuery returns the search SQL and its arguments.
func (r *KeywordRanker) buildQuery(query string, opts ranking.Options) (string, []any) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultKeywordLimit
	}
	collection := opts.Collection
	if collection == "" {
		collection = r.collection
	}

	sql := `
		SELECT c.id::text, c.document_id::text, c.content, c.metadata,
		       ts_rank_cd(c.search_vector, q, $3) AS score
		FROM document_chunks c, websearch_to_tsquery($1::regconfig, $2) q
		WHERE c.search_vector @@ q
	`
	args := []any{r.config, query, r.normalize}

	if collection != "" {
		args = append(args, collection)
		sql += fmt.Sprintf(` AND c.collection = $%d`, len(args))
	}
	if opts.MinScore > 0 {
		args = append(args, opts.MinScore)
		sql += fmt.Sprintf(` AND ts_rank_cd(c.search_vector, q, $3) >= $%d`, len(args))
	}

	args = append(args, limit)
	sql += fmt.Sprintf(` ORDER BY score DESC, c.id LIMIT $%d`, len(args))

	return sql, args
}

// Retrieve returns chunks matching the query terms, best match first.
func (r *KeywordRanker) Retrieve(ctx context.Context, query string, opts ranking.Options) (ranking.RankedSet, error) {
	sql, args := r.buildQuery(query, opts)

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run keyword search: %w", err)
	}

	results, err := scanCandidates(rows)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("sparse ranker returned candidates", "count", len(results))
	return results, nil
}

// scanCandidates reads keyword search rows. Metadata keys from the jsonb column
// are kept; document_id is copied to doc_id when the row has none.
func scanCandidates(rows pgx.Rows) (ranking.RankedSet, error) {
	defer rows.Close()

	results := ranking.RankedSet{}
	for rows.Next() {
		var (
			c            ranking.Candidate
			documentID   *string
			metadataJSON []byte
			score        *float64
		)
		if err := rows.Scan(&c.ID, &documentID, &c.Text, &metadataJSON, &score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}

		c.Metadata = make(map[string]any)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
			if c.Metadata == nil {
				c.Metadata = make(map[string]any)
			}
		}
		if documentID != nil {
			c.Metadata["document_id"] = *documentID
			if _, ok := c.Metadata["doc_id"]; !ok {
				c.Metadata["doc_id"] = *documentID
			}
		}
		c.Score = score

		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}

	return results, nil
}

// Ensure KeywordRanker implements ranking.Ranker
var _ ranking.Ranker = (*KeywordRanker)(nil)
