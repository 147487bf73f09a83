// Package retriever embeds a processed query and runs vector search in its partition.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/knoguchi/rageval/internal/embedder"
	"github.com/knoguchi/rageval/internal/rag"
	"github.com/knoguchi/rageval/internal/vectorstore"
)

// Retriever is the bi-encoder stage of the pipeline.
type Retriever struct {
	embedder embedder.Embedder
	store    vectorstore.VectorStore
	logger   *slog.Logger

	// partitions known to exist; the index is read-only during a run
	known sync.Map
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		r.logger = l
	}
}

// New creates a Retriever over the given embedder and store.
func New(e embedder.Embedder, store vectorstore.VectorStore, opts ...Option) *Retriever {
	r := &Retriever{
		embedder: e,
		store:    store,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search returns at most limit candidates from q.Partition, ordered by
// descending score. Equal scores keep the store's order.
func (r *Retriever) Search(ctx context.Context, q rag.Query, limit int) ([]rag.Candidate, error) {
	if limit <= 0 {
		return nil, rag.Errorf(rag.ErrRetrieval, "search limit must be positive, got %d", limit)
	}

	// Step 1: Make sure the partition exists
	if err := r.EnsurePartition(ctx, q.Partition); err != nil {
		return nil, err
	}

	// Step 2: Embed the query
	vector, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, rag.Wrap(rag.ErrRetrieval, fmt.Errorf("failed to embed query: %w", err))
	}
	if dim := r.embedder.Dimension(); dim > 0 && len(vector) != dim {
		return nil, rag.Errorf(rag.ErrRetrieval, "embedding has %d dimensions, expected %d", len(vector), dim)
	}

	// Step 3: Nearest-neighbour search
	candidates, err := r.store.Search(ctx, q.Partition, vector, limit)
	if err != nil {
		if errors.Is(err, rag.ErrNotFound) {
			r.known.Delete(q.Partition)
			return nil, err
		}
		return nil, rag.Wrap(rag.ErrRetrieval, fmt.Errorf("failed to search %s: %w", q.Partition, err))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	r.logger.Debug("vector search complete",
		"partition", q.Partition,
		"limit", limit,
		"results", len(candidates),
	)

	return candidates, nil
}

// EnsurePartition returns rag.ErrNotFound when the partition does not exist.
func (r *Retriever) EnsurePartition(ctx context.Context, partition string) error {
	if partition == "" {
		return rag.Errorf(rag.ErrNotFound, "no partition selected")
	}
	if _, ok := r.known.Load(partition); ok {
		return nil
	}

	exists, err := r.store.CollectionExists(ctx, partition)
	if err != nil {
		return rag.Wrap(rag.ErrRetrieval, fmt.Errorf("failed to check partition %s: %w", partition, err))
	}
	if !exists {
		return rag.Errorf(rag.ErrNotFound, "partition %q does not exist", partition)
	}

	r.known.Store(partition, struct{}{})
	return nil
}

// Lookup fetches chunks by id from a partition.
func (r *Retriever) Lookup(ctx context.Context, partition string, ids []string) ([]rag.Candidate, error) {
	if err := r.EnsurePartition(ctx, partition); err != nil {
		return nil, err
	}
	points, err := r.store.Retrieve(ctx, partition, ids)
	if err != nil {
		if errors.Is(err, rag.ErrNotFound) {
			return nil, err
		}
		return nil, rag.Wrap(rag.ErrRetrieval, fmt.Errorf("failed to retrieve points: %w", err))
	}
	return points, nil
}
