// Package vectorstore provides read access to a partitioned vector index.
package vectorstore

import (
	"context"

	"github.com/knoguchi/rageval/internal/rag"
)

// VectorStore defines the read operations the pipeline needs from the index.
// A partition is one collection; it is never created or modified here.
type VectorStore interface {
	// CollectionExists checks if a collection exists
	CollectionExists(ctx context.Context, collection string) (bool, error)

	// Search returns up to limit nearest points with payloads, best first
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]rag.Candidate, error)

	// Retrieve fetches points by id without vectors. Unknown ids are skipped.
	Retrieve(ctx context.Context, collection string, ids []string) ([]rag.Candidate, error)

	// Close releases the connection
	Close() error
}
