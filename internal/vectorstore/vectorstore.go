// Package vectorstore provides the dense (semantic) ranker backed by a vector database.
package vectorstore

import (
	"context"

	"github.com/qdrant/go-client/qdrant"
)

const (
	// payloadContent holds the chunk text in every point payload.
	payloadContent = "content"

	// payloadDocumentID is the parent document of a chunk.
	payloadDocumentID = "document_id"

	// metadataDocID is the metadata key evaluation reads document identity from.
	metadataDocID = "doc_id"
)

// PointQuerier is the subset of the Qdrant client the ranker needs.
type PointQuerier interface {
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
}
