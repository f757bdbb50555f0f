package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/knoguchi/hybridrank/internal/ranking"
	"github.com/knoguchi/hybridrank/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRows serves canned rows to Scan. Each row is a list of values assigned
// positionally to the scan destinations.
type fakeRows struct {
	rows   [][]any
	pos    int
	err    error
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.pos-1], nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(row) != len(dest) {
		return fmt.Errorf("scan: %d values into %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case **string:
			if v == nil {
				*d = nil
			} else {
				s := v.(string)
				*d = &s
			}
		case *[]byte:
			if v != nil {
				*d = []byte(v.(string))
			}
		case **float64:
			if v == nil {
				*d = nil
			} else {
				f := v.(float64)
				*d = &f
			}
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

type fakeQuerier struct {
	rows     *fakeRows
	queryErr error
	execErr  error
	sql      string
	args     []any
}

func (q *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.sql, q.args = sql, args
	return pgconn.CommandTag{}, q.execErr
}

func (q *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.sql, q.args = sql, args
	if q.queryErr != nil {
		return nil, q.queryErr
	}
	return q.rows, nil
}

func (q *fakeQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func TestKeywordRanker_BuildQuery(t *testing.T) {
	r := NewKeywordRanker(&fakeQuerier{}, WithTextSearchConfig("simple"), WithRankNormalization(0))

	sql, args := r.buildQuery("bm25 weights", ranking.Options{})
	assert.Equal(t, []any{"simple", "bm25 weights", 0, DefaultKeywordLimit}, args)
	assert.Contains(t, sql, "LIMIT $4")
	assert.NotContains(t, sql, "c.collection")

	sql, args = r.buildQuery("q", ranking.Options{Collection: "docs", MinScore: 0.1, Limit: 3})
	assert.Equal(t, []any{"simple", "q", 0, "docs", float32(0.1), 3}, args)
	assert.Contains(t, sql, "c.collection = $4")
	assert.Contains(t, sql, ">= $5")
	assert.Contains(t, sql, "LIMIT $6")
}

func TestKeywordRanker_DefaultCollection(t *testing.T) {
	r := NewKeywordRanker(&fakeQuerier{}, WithDefaultCollection("main"))

	_, args := r.buildQuery("q", ranking.Options{})

	assert.Equal(t, []any{DefaultTextSearchConfig, "q", 32, "main", DefaultKeywordLimit}, args)
}

func TestKeywordRanker_Retrieve(t *testing.T) {
	rows := &fakeRows{rows: [][]any{
		{"c1", "d1", "pgx batches queries", `{"file_name": "pgx.md", "url": "https://example.com/pgx"}`, 0.42},
		{"c2", nil, "no document", nil, nil},
		{"c3", "d3", "explicit doc id", `{"doc_id": "custom"}`, 0.1},
	}}
	db := &fakeQuerier{rows: rows}

	got, err := NewKeywordRanker(db).Retrieve(context.Background(), "pgx batch", ranking.Options{Limit: 10})

	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, rows.closed)

	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, "pgx batches queries", got[0].Text)
	assert.Equal(t, 0.42, *got[0].Score)
	assert.Equal(t, "d1", got[0].Metadata["doc_id"])
	assert.Equal(t, "pgx.md", got[0].Metadata["file_name"])

	assert.Nil(t, got[1].Score)
	assert.NotContains(t, got[1].Metadata, "doc_id")

	assert.Equal(t, "custom", got[2].Metadata["doc_id"])
	assert.Equal(t, "d3", got[2].Metadata["document_id"])
}

func TestKeywordRanker_Errors(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := NewKeywordRanker(&fakeQuerier{queryErr: boom}).Retrieve(context.Background(), "q", ranking.Options{})
	assert.ErrorIs(t, err, boom)

	bad := &fakeRows{rows: [][]any{{"c1", "d1", "text", `{not json`, 0.1}}}
	_, err = NewKeywordRanker(&fakeQuerier{rows: bad}).Retrieve(context.Background(), "q", ranking.Options{})
	assert.ErrorContains(t, err, "unmarshal metadata")

	iterErr := errors.New("conn closed")
	_, err = NewKeywordRanker(&fakeQuerier{rows: &fakeRows{err: iterErr}}).Retrieve(context.Background(), "q", ranking.Options{})
	assert.ErrorIs(t, err, iterErr)
}

func TestJudgmentRepo(t *testing.T) {
	db := &fakeQuerier{rows: &fakeRows{rows: [][]any{{"a"}, {"b"}}}}
	repo := NewJudgmentRepo(db)

	ids, err := repo.RelevantIDs(context.Background(), "what is fusion")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, []any{"what is fusion"}, db.args)

	j := &repository.Judgment{Query: "q", DocID: "a", Relevance: 2}
	require.NoError(t, repo.Upsert(context.Background(), j))
	assert.False(t, j.CreatedAt.IsZero())
	assert.Equal(t, "q", db.args[0])
	assert.Contains(t, db.sql, "ON CONFLICT")

	db.rows = &fakeRows{rows: [][]any{{"q1"}}}
	queries, err := repo.Queries(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"q1"}, queries)

	db.execErr = errors.New("readonly")
	assert.Error(t, repo.Upsert(context.Background(), j))
}
