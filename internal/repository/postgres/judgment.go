package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/knoguchi/hybridrank/internal/repository"
)

// JudgmentRepo implements repository.JudgmentRepository
type JudgmentRepo struct {
	db Querier
}

// NewJudgmentRepo creates a new judgment repository
func NewJudgmentRepo(db Querier) *JudgmentRepo {
	return &JudgmentRepo{db: db}
}

// RelevantIDs returns document ids judged relevant to query, sorted.
func (r *JudgmentRepo) RelevantIDs(ctx context.Context, query string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT doc_id
		FROM relevance_judgments
		WHERE query = $1 AND relevance > 0
		ORDER BY doc_id
	`, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get judgments: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan judgment: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read judgments: %w", err)
	}
	return ids, nil
}

// Upsert creates or replaces a judgment
func (r *JudgmentRepo) Upsert(ctx context.Context, j *repository.Judgment) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO relevance_judgments (query, doc_id, relevance, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (query, doc_id) DO UPDATE SET relevance = EXCLUDED.relevance
	`, j.Query, j.DocID, j.Relevance, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert judgment: %w", err)
	}
	return nil
}

// Queries lists judged queries with pagination
func (r *JudgmentRepo) Queries(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT query FROM relevance_judgments ORDER BY query LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list judged queries: %w", err)
	}
	defer rows.Close()

	var queries []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("failed to scan query: %w", err)
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// Ensure JudgmentRepo implements the interface
var _ repository.JudgmentRepository = (*JudgmentRepo)(nil)
