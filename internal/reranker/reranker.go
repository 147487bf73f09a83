// Package reranker re-orders vector search candidates with a cross-encoder.
//
// A cross-encoder sees the query and a document together, so it judges
// relevance more accurately than the bi-encoder used for search.
//
// # Trade-offs
//
//   - Latency: one extra scoring round trip per query
//   - Quality: better ordering when the top vector results have similar scores
//
// The scorer is pluggable: CrossEncoderScorer calls a hosted cross-encoder
// model, LLMScorer asks a generative model for relevance scores.
package reranker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/knoguchi/rageval/internal/rag"
)

// Scorer assigns a relevance score to each text for the query.
// The returned slice is parallel to texts.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float32, error)
	Name() string
}

// Reranker sorts candidates by scorer output and keeps the best m.
type Reranker struct {
	scorer Scorer
	field  string
	logger *slog.Logger
}

// Option configures a Reranker.
type Option func(*Reranker)

// WithField selects the payload field passed to the scorer: rag.FieldText,
// rag.FieldSummary or rag.FieldKeywords.
func WithField(field string) Option {
	return func(r *Reranker) {
		r.field = field
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reranker) {
		r.logger = l
	}
}

// New creates a Reranker over the given scorer.
func New(scorer Scorer, opts ...Option) *Reranker {
	r := &Reranker{
		scorer: scorer,
		field:  rag.FieldText,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Scorer returns the underlying scorer.
func (r *Reranker) Scorer() Scorer {
	return r.scorer
}

// Rerank scores every candidate against query and returns the top
// min(m, len(candidates)) by descending relevance. Equal scores keep their
// incoming order. Any scoring failure returns rag.ErrRerank.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []rag.Candidate, m int) ([]rag.RankedResult, error) {
	if m <= 0 {
		return nil, rag.Errorf(rag.ErrRerank, "result count must be positive, got %d", m)
	}
	if len(candidates) == 0 {
		return []rag.RankedResult{}, nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.RerankText(r.field)
	}

	scores, err := r.scorer.Score(ctx, query, texts)
	if err != nil {
		return nil, rag.Wrap(rag.ErrRerank, fmt.Errorf("%s scorer: %w", r.scorer.Name(), err))
	}
	if len(scores) != len(candidates) {
		return nil, rag.Errorf(rag.ErrRerank, "%s scorer returned %d scores for %d candidates",
			r.scorer.Name(), len(scores), len(candidates))
	}

	ranked := make([]rag.RankedResult, len(candidates))
	for i, c := range candidates {
		ranked[i] = rag.RankedResult{Candidate: c, Relevance: scores[i]}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Relevance > ranked[j].Relevance
	})

	if len(ranked) > m {
		ranked = ranked[:m]
	}

	r.logger.Debug("rerank complete",
		"scorer", r.scorer.Name(),
		"candidates", len(candidates),
		"kept", len(ranked),
	)

	return ranked, nil
}

// Passthrough keeps vector order and truncates to m. Relevance is the vector score.
// Callers use it after a failed Rerank and must flag the result as degraded.
func Passthrough(candidates []rag.Candidate, m int) []rag.RankedResult {
	n := min(max(m, 0), len(candidates))
	ranked := make([]rag.RankedResult, n)
	for i := 0; i < n; i++ {
		ranked[i] = rag.RankedResult{Candidate: candidates[i], Relevance: candidates[i].Score}
	}
	return ranked
}
