// Package evaluation measures retrieval quality against known-relevant documents.
// It is not on the serving path.
package evaluation

import (
	"context"
	"log/slog"

	"github.com/knoguchi/hybridrank/internal/ranking"
)

// DocIDKey is the metadata key that identifies a retrieved document.
const DocIDKey = "doc_id"

// Metrics holds precision and recall, both in [0, 1].
type Metrics struct {
	Precision float64 `json:"precision" yaml:"precision"`
	Recall    float64 `json:"recall" yaml:"recall"`
}

// RelevantIDSource supplies the known-relevant document ids for a query.
type RelevantIDSource interface {
	RelevantIDs(ctx context.Context, query string) ([]string, error)
}

// Evaluate computes precision and recall of retrieved against relevantIDs.
//
// Document ids are read from Metadata["doc_id"]. Candidates without a string
// doc_id are not counted as retrieved. Hits are the distinct ids present in
// both lists; precision divides by every counted candidate and recall by every
// relevant id, duplicates included.
func Evaluate(query string, retrieved []ranking.Candidate, relevantIDs []string) Metrics {
	return evaluate(slog.Default(), query, retrieved, relevantIDs)
}

func evaluate(logger *slog.Logger, query string, retrieved []ranking.Candidate, relevantIDs []string) Metrics {
	retrievedIDs := make(map[string]struct{}, len(retrieved))
	counted := 0
	for _, c := range retrieved {
		if id, ok := docID(c); ok {
			retrievedIDs[id] = struct{}{}
			counted++
		}
	}

	relevant := make(map[string]struct{}, len(relevantIDs))
	for _, id := range relevantIDs {
		relevant[id] = struct{}{}
	}

	hits := 0
	for id := range retrievedIDs {
		if _, ok := relevant[id]; ok {
			hits++
		}
	}

	var m Metrics
	if counted > 0 {
		m.Precision = float64(hits) / float64(counted)
	}
	if len(relevantIDs) > 0 {
		m.Recall = float64(hits) / float64(len(relevantIDs))
	}

	logger.Info("retrieval evaluation",
		"query", query,
		"precision", m.Precision,
		"recall", m.Recall,
	)
	return m
}

func docID(c ranking.Candidate) (string, bool) {
	if c.Metadata == nil {
		return "", false
	}
	id, ok := c.Metadata[DocIDKey].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
