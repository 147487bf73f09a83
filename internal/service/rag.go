package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/rageval/internal/generator"
	"github.com/knoguchi/rageval/internal/preprocess"
	"github.com/knoguchi/rageval/internal/rag"
	"github.com/knoguchi/rageval/internal/reranker"
	"github.com/knoguchi/rageval/internal/retriever"
	"github.com/knoguchi/rageval/internal/telemetry"
)

const (
	defaultSearchLimit = 10
	defaultFinalCount  = 5
)

// Degradation marks a stage that fell back instead of failing the request.
type Degradation struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Retrieval is the result of preprocessing, search and rerank for one query.
type Retrieval struct {
	Query      rag.Query          `json:"query"`
	Candidates []rag.Candidate    `json:"-"`
	Ranked     []rag.RankedResult `json:"ranked"`
	// Latency covers the vector search request through the ranked results.
	Latency  time.Duration `json:"-"`
	Degraded []Degradation `json:"degraded,omitempty"`
}

// Response is a full pipeline run.
type Response struct {
	*Retrieval
	Answer *generator.Answer `json:"answer,omitempty"`
	// Err holds a generation failure when retrieval succeeded.
	Err error `json:"-"`

	RetrievalTime  time.Duration `json:"-"`
	GenerationTime time.Duration `json:"-"`
	TotalTime      time.Duration `json:"-"`
}

// RAGService runs the retrieval and generation pipeline.
type RAGService struct {
	preprocessor *preprocess.Preprocessor
	retriever    *retriever.Retriever
	reranker     *reranker.Reranker
	generator    *generator.Generator

	searchLimit    int
	finalCount     int
	dedupThreshold float64

	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// RAGServiceOption is a functional option for configuring RAGService.
type RAGServiceOption func(*RAGService)

// WithSearchLimit sets how many candidates the vector search returns.
func WithSearchLimit(l int) RAGServiceOption {
	return func(s *RAGService) {
		s.searchLimit = l
	}
}

// WithFinalCount sets how many results survive reranking.
func WithFinalCount(m int) RAGServiceOption {
	return func(s *RAGService) {
		s.finalCount = m
	}
}

// WithDedup drops candidates whose word sets overlap an earlier, higher-scored
// candidate by at least threshold (Jaccard). Zero disables it.
func WithDedup(threshold float64) RAGServiceOption {
	return func(s *RAGService) {
		s.dedupThreshold = threshold
	}
}

// WithTelemetry records stage metrics.
func WithTelemetry(m *telemetry.Metrics) RAGServiceOption {
	return func(s *RAGService) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RAGServiceOption {
	return func(s *RAGService) {
		s.logger = l
	}
}

// NewRAGService creates a new RAGService
func NewRAGService(
	pre *preprocess.Preprocessor,
	ret *retriever.Retriever,
	rr *reranker.Reranker,
	gen *generator.Generator,
	opts ...RAGServiceOption,
) *RAGService {
	s := &RAGService{
		preprocessor: pre,
		retriever:    ret,
		reranker:     rr,
		generator:    gen,
		searchLimit:  defaultSearchLimit,
		finalCount:   defaultFinalCount,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// DefaultPartition is the partition used when rewriting is unavailable.
func (s *RAGService) DefaultPartition() string {
	return s.preprocessor.DefaultPartition()
}

// Ready reports whether the default partition exists.
func (s *RAGService) Ready(ctx context.Context) error {
	return s.retriever.EnsurePartition(ctx, s.preprocessor.DefaultPartition())
}

// CheckPartitions verifies names before a run sends any prompt. A missing
// default partition is a configuration error. Other missing partitions are
// logged, since only the prompts routed to them fail.
func (s *RAGService) CheckPartitions(ctx context.Context, names []string) error {
	def := s.preprocessor.DefaultPartition()
	if err := s.retriever.EnsurePartition(ctx, def); err != nil {
		if errors.Is(err, rag.ErrNotFound) {
			return rag.Wrap(rag.ErrConfiguration, err)
		}
		return err
	}

	for _, name := range names {
		if name == def {
			continue
		}
		err := s.retriever.EnsurePartition(ctx, name)
		switch {
		case err == nil:
		case errors.Is(err, rag.ErrNotFound):
			s.logger.Warn("partition does not exist", "partition", name)
		default:
			return err
		}
	}
	return nil
}

// Retrieve preprocesses raw, searches its partition and reranks the candidates.
// A rerank failure falls back to vector order and is recorded in Degraded.
func (s *RAGService) Retrieve(ctx context.Context, raw string) (*Retrieval, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, rag.Errorf(rag.ErrPreprocessing, "query is required")
	}

	// Step 1: Rewrite the query and pick a partition
	preStart := time.Now()
	q := s.preprocessor.Process(ctx, raw)
	out := &Retrieval{Query: q}
	if q.Degraded {
		out.Degraded = append(out.Degraded, Degradation{Stage: rag.StagePreprocessing, Reason: q.Reason})
		s.metrics.ObserveStage(rag.StagePreprocessing, telemetry.StatusFallback, time.Since(preStart))
	} else {
		s.metrics.ObserveStage(rag.StagePreprocessing, telemetry.StatusSuccess, time.Since(preStart))
	}

	// Step 2: Vector search
	retrievalStart := time.Now()
	candidates, err := s.retriever.Search(ctx, q, s.searchLimit)
	if err != nil {
		s.metrics.ObserveStage(rag.StageRetrieval, telemetry.StatusError, time.Since(retrievalStart))
		return out, err
	}
	s.metrics.ObserveStage(rag.StageRetrieval, telemetry.StatusSuccess, time.Since(retrievalStart))

	// Step 2.5: Optionally drop near-duplicate chunks
	if s.dedupThreshold > 0 {
		candidates = deduplicateCandidates(candidates, s.dedupThreshold)
	}
	out.Candidates = candidates

	// Step 3: Rerank, falling back to vector order
	rerankStart := time.Now()
	ranked, err := s.reranker.Rerank(ctx, q.Text, candidates, s.finalCount)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		s.logger.Warn("rerank failed, using vector order",
			"error", err,
			"partition", q.Partition,
			"candidates", len(candidates),
		)
		ranked = reranker.Passthrough(candidates, s.finalCount)
		out.Degraded = append(out.Degraded, Degradation{Stage: rag.StageRerank, Reason: err.Error()})
		s.metrics.ObserveStage(rag.StageRerank, telemetry.StatusFallback, time.Since(rerankStart))
	} else {
		s.metrics.ObserveStage(rag.StageRerank, telemetry.StatusSuccess, time.Since(rerankStart))
	}
	out.Ranked = ranked
	out.Latency = time.Since(retrievalStart)
	s.metrics.ObserveRetrieval(out.Latency)

	s.logger.Debug("retrieval complete",
		"partition", q.Partition,
		"candidates", len(candidates),
		"ranked", len(ranked),
		"latency_ms", out.Latency.Milliseconds(),
	)

	return out, nil
}

// Answer generates a response from the ranked results of r.
func (s *RAGService) Answer(ctx context.Context, r *Retrieval) (*generator.Answer, error) {
	if r == nil {
		return nil, rag.Errorf(rag.ErrGeneration, "no retrieval to answer from")
	}
	start := time.Now()
	ans, err := s.generator.Generate(ctx, r.Query, r.Ranked)
	if err != nil {
		s.metrics.ObserveStage(rag.StageGeneration, telemetry.StatusError, time.Since(start))
		return nil, err
	}
	s.metrics.ObserveStage(rag.StageGeneration, telemetry.StatusSuccess, time.Since(start))
	return ans, nil
}

// Query retrieves context and, when generate is set, produces an answer.
// A generation failure is returned in Response.Err alongside the retrieval.
func (s *RAGService) Query(ctx context.Context, raw string, generate bool) (*Response, error) {
	startTime := time.Now()

	r, err := s.Retrieve(ctx, raw)
	if err != nil {
		return nil, err
	}
	resp := &Response{Retrieval: r, RetrievalTime: time.Since(startTime)}

	if generate {
		generationStart := time.Now()
		resp.Answer, resp.Err = s.Answer(ctx, r)
		resp.GenerationTime = time.Since(generationStart)
		if resp.Err != nil {
			s.logger.Warn("generation failed", "error", resp.Err, "partition", r.Query.Partition)
		}
	}

	resp.TotalTime = time.Since(startTime)
	return resp, nil
}

// Lookup fetches chunks by id from a partition.
func (s *RAGService) Lookup(ctx context.Context, partition string, ids []string) ([]rag.Candidate, error) {
	if len(ids) == 0 {
		return nil, rag.Errorf(rag.ErrRetrieval, "at least one id is required")
	}
	points, err := s.retriever.Lookup(ctx, partition, ids)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, rag.Wrap(rag.ErrNotFound, fmt.Errorf("no points %v in %s", ids, partition))
	}
	return points, nil
}

// IsFallback reports whether the retrieval used a fallback at stage.
func (r *Retrieval) IsFallback(stage string) bool {
	for _, d := range r.Degraded {
		if d.Stage == stage {
			return true
		}
	}
	return false
}

// deduplicateCandidates removes chunks with highly similar content.
// Candidates are ordered by score, so the earlier one of a pair is kept.
func deduplicateCandidates(candidates []rag.Candidate, threshold float64) []rag.Candidate {
	if len(candidates) <= 1 {
		return candidates
	}

	wordSets := make([]map[string]struct{}, len(candidates))
	for i, c := range candidates {
		wordSets[i] = tokenize(c.RerankText(rag.FieldText))
	}

	keep := make([]bool, len(candidates))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(candidates); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if !keep[j] {
				continue
			}
			if jaccardSimilarity(wordSets[i], wordSets[j]) >= threshold {
				keep[j] = false
			}
		}
	}

	deduplicated := make([]rag.Candidate, 0, len(candidates))
	for i, c := range candidates {
		if keep[i] {
			deduplicated = append(deduplicated, c)
		}
	}

	return deduplicated
}

// tokenize converts content into a set of lowercase words.
func tokenize(content string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(content))
	wordSet := make(map[string]struct{}, len(words))
	for _, word := range words {
		word = strings.Trim(word, ".,!?;:\"'()[]{}=<>")
		if len(word) > 2 {
			wordSet[word] = struct{}{}
		}
	}
	return wordSet
}

// jaccardSimilarity returns a value between 0 (no overlap) and 1 (identical).
func jaccardSimilarity(set1, set2 map[string]struct{}) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for word := range set1 {
		if _, exists := set2[word]; exists {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection

	return float64(intersection) / float64(union)
}
