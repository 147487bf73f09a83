package eval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/rageval/internal/generator"
	"github.com/knoguchi/rageval/internal/metrics"
	"github.com/knoguchi/rageval/internal/rag"
	"github.com/knoguchi/rageval/internal/repository"
	"github.com/knoguchi/rageval/internal/service"
	"github.com/knoguchi/rageval/internal/telemetry"
)

// DefaultMetricK is the rank cutoff for Precision, Recall and nDCG.
const DefaultMetricK = 5

// Pipeline is the part of the RAG service the harness drives.
type Pipeline interface {
	Retrieve(ctx context.Context, raw string) (*service.Retrieval, error)
	Answer(ctx context.Context, r *service.Retrieval) (*generator.Answer, error)
}

var _ Pipeline = (*service.RAGService)(nil)

// RecordError describes why a prompt failed.
type RecordError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Record is the result for one prompt.
type Record struct {
	Index          int                   `json:"-"`
	Prompt         string                `json:"prompt"`
	ProcessedQuery string                `json:"processed_query,omitempty"`
	Partition      string                `json:"partition,omitempty"`
	LLMResponse    string                `json:"llm_response,omitempty"`
	PredictedIDs   []string              `json:"predicted_ids"`
	GoldSet        []string              `json:"gold_set"`
	PredictedFiles []string              `json:"predicted_files"`
	GoldFiles      []string              `json:"gold_files"`
	Metrics        *metrics.Scores       `json:"metrics,omitempty"`
	Degraded       []service.Degradation `json:"degraded,omitempty"`
	Error          *RecordError          `json:"error,omitempty"`
}

// Report is the outcome of a run.
type Report struct {
	RunID        uuid.UUID
	Records      []Record
	Aggregate    *metrics.Scores
	Total        int
	Evaluated    int
	Failed       int
	ArtifactPath string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Harness runs a dataset through a Pipeline and scores each prompt.
type Harness struct {
	pipeline Pipeline
	metricK  int
	generate bool
	workers  int
	artifact *Artifact
	runs     repository.RunRepository
	label    string
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	progress func(done, total int)
}

// Option configures a Harness.
type Option func(*Harness)

// WithMetricK sets the rank cutoff.
func WithMetricK(k int) Option {
	return func(h *Harness) {
		h.metricK = k
	}
}

// WithGeneration enables or disables answer generation.
func WithGeneration(enabled bool) Option {
	return func(h *Harness) {
		h.generate = enabled
	}
}

// WithWorkers sets how many prompts run at once.
func WithWorkers(n int) Option {
	return func(h *Harness) {
		h.workers = n
	}
}

// WithArtifact checkpoints results to a after every prompt.
func WithArtifact(a *Artifact) Option {
	return func(h *Harness) {
		h.artifact = a
	}
}

// WithRunStore persists the run and each record.
func WithRunStore(r repository.RunRepository, label string) Option {
	return func(h *Harness) {
		h.runs = r
		h.label = label
	}
}

// WithTelemetry counts prompt outcomes.
func WithTelemetry(m *telemetry.Metrics) Option {
	return func(h *Harness) {
		h.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// WithProgress is called after each finished prompt.
func WithProgress(fn func(done, total int)) Option {
	return func(h *Harness) {
		h.progress = fn
	}
}

// NewHarness creates a Harness.
func NewHarness(p Pipeline, opts ...Option) *Harness {
	h := &Harness{
		pipeline: p,
		metricK:  DefaultMetricK,
		generate: true,
		workers:  1,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.workers < 1 {
		h.workers = 1
	}
	return h
}

// runState is shared by workers. Each worker writes only its own slot.
type runState struct {
	mu      sync.Mutex
	records []*Record
	acc     metrics.Accumulator
	done    int
	failed  int
	runID   uuid.UUID
}

// Run evaluates every prompt in ds. Per-prompt failures are recorded and the
// run continues. When ctx is cancelled the run stops at the next prompt
// boundary and returns the partial report together with ctx.Err().
func (h *Harness) Run(ctx context.Context, ds *Dataset) (*Report, error) {
	if h.pipeline == nil {
		return nil, rag.Errorf(rag.ErrConfiguration, "no pipeline configured")
	}
	if h.metricK <= 0 {
		return nil, rag.Errorf(rag.ErrConfiguration, "metric K must be positive, got %d", h.metricK)
	}
	if ds == nil {
		return nil, rag.Errorf(rag.ErrDatasetParse, "dataset is nil")
	}

	cases := ds.Cases()
	report := &Report{Total: len(cases), StartedAt: time.Now()}
	if h.artifact != nil {
		report.ArtifactPath = h.artifact.Path()
	}
	st := &runState{records: make([]*Record, len(cases))}

	h.startRun(ctx, st, ds, report)

	h.logger.Info("evaluation started",
		"prompts", len(cases),
		"workers", h.workers,
		"metric_k", h.metricK,
		"generate", h.generate,
		"artifact", report.ArtifactPath,
	)

	if h.workers == 1 {
		for _, c := range cases {
			if ctx.Err() != nil {
				break
			}
			h.runCase(ctx, st, c, len(cases))
		}
	} else {
		var g errgroup.Group
		g.SetLimit(h.workers)
		for _, c := range cases {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				h.runCase(ctx, st, c, len(cases))
				return nil
			})
		}
		_ = g.Wait()
	}

	report.Records = st.completed()
	report.Failed = st.failed
	report.Evaluated = st.acc.Count()
	if mean, ok := st.acc.Mean(); ok {
		report.Aggregate = &mean
	}
	report.FinishedAt = time.Now()
	report.RunID = st.runID

	var errs []error
	if h.artifact != nil {
		if err := h.artifact.Write(report.Records, report.Aggregate); err != nil {
			errs = append(errs, fmt.Errorf("write artifact: %w", err))
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	h.finishRun(st, report, ctx.Err())

	h.logger.Info("evaluation finished",
		"prompts", report.Total,
		"completed", len(report.Records),
		"evaluated", report.Evaluated,
		"failed", report.Failed,
		"duration", report.FinishedAt.Sub(report.StartedAt).String(),
	)

	return report, errors.Join(errs...)
}

func (h *Harness) runCase(ctx context.Context, st *runState, c Case, total int) {
	rec, ok := h.evaluate(ctx, c)
	if !ok {
		return
	}

	st.mu.Lock()
	st.records[c.Index] = rec
	st.done++
	if rec.Error != nil && rec.Metrics == nil {
		st.failed++
	}
	if rec.Metrics != nil {
		st.acc.Add(*rec.Metrics)
	}
	done := st.done
	// Checkpoint under the lock so snapshots land in completion order.
	if h.artifact != nil {
		var aggregate *metrics.Scores
		if mean, ok := st.acc.Mean(); ok {
			aggregate = &mean
		}
		if err := h.artifact.Write(st.completedLocked(), aggregate); err != nil {
			h.logger.Error("checkpoint failed", "error", err, "path", h.artifact.Path())
		}
	}
	st.mu.Unlock()

	h.metrics.PromptDone(outcome(rec))
	h.storeRecord(ctx, st.runID, rec)
	if h.progress != nil {
		h.progress(done, total)
	}
}

// evaluate runs one prompt. ok is false when the prompt was interrupted by
// cancellation and should not be recorded.
func (h *Harness) evaluate(ctx context.Context, c Case) (*Record, bool) {
	rec := &Record{
		Index:          c.Index,
		Prompt:         c.Prompt,
		PredictedIDs:   []string{},
		GoldSet:        c.GoldChunks,
		PredictedFiles: []string{},
		GoldFiles:      c.GoldFiles,
	}

	// Step 1: Retrieval (preprocess, search, rerank)
	r, err := h.pipeline.Retrieve(ctx, c.Prompt)
	if r != nil {
		rec.ProcessedQuery = r.Query.Text
		rec.Partition = r.Query.Partition
		rec.Degraded = r.Degraded
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		rec.Error = &RecordError{Stage: rag.StageOf(err), Message: err.Error()}
		h.logger.Warn("prompt failed",
			"index", c.Index,
			"stage", rec.Error.Stage,
			"error", err,
		)
		return rec, true
	}

	// Step 2: Score the ranked results
	rec.PredictedIDs = rag.IDs(r.Ranked)
	rec.PredictedFiles = rag.SourceFiles(r.Ranked)
	scores := metrics.Compute(metrics.Input{
		PredictedIDs:   rec.PredictedIDs,
		PredictedFiles: rec.PredictedFiles,
		GoldChunks:     c.GoldChunks,
		GoldFiles:      c.GoldFiles,
		K:              h.metricK,
		Latency:        r.Latency,
	})
	rec.Metrics = &scores

	// Step 3: Generation does not affect the metrics
	if h.generate {
		ans, err := h.pipeline.Answer(ctx, r)
		if err != nil {
			rec.Error = &RecordError{Stage: rag.StageOf(err), Message: err.Error()}
			h.logger.Warn("generation failed", "index", c.Index, "error", err)
		} else {
			rec.LLMResponse = ans.Text
		}
	}

	h.logger.Debug("prompt evaluated",
		"index", c.Index,
		"partition", rec.Partition,
		"reciprocal_rank", scores.ReciprocalRank,
		"ndcg", scores.NDCG,
		"latency_ms", scores.LatencyMS,
	)

	return rec, true
}

func outcome(rec *Record) string {
	switch {
	case rec.Metrics == nil:
		return telemetry.OutcomeFailed
	case rec.Error != nil || len(rec.Degraded) > 0:
		return telemetry.OutcomeDegraded
	default:
		return telemetry.OutcomeEvaluated
	}
}

func (st *runState) completed() []Record {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.completedLocked()
}

func (st *runState) completedLocked() []Record {
	out := make([]Record, 0, st.done)
	for _, r := range st.records {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (h *Harness) startRun(ctx context.Context, st *runState, ds *Dataset, report *Report) {
	if h.runs == nil {
		return
	}
	run := &repository.EvalRun{
		Label:        h.label,
		Dataset:      ds.Path,
		ArtifactPath: report.ArtifactPath,
		PromptCount:  report.Total,
		StartedAt:    report.StartedAt.UTC(),
	}
	if err := h.runs.CreateRun(ctx, run); err != nil {
		h.logger.Error("failed to record run, continuing without run store", "error", err)
		h.runs = nil
		return
	}
	st.runID = run.ID
}

func (h *Harness) storeRecord(ctx context.Context, runID uuid.UUID, rec *Record) {
	if h.runs == nil {
		return
	}
	body, err := json.Marshal(rec)
	if err != nil {
		h.logger.Error("failed to encode record", "index", rec.Index, "error", err)
		return
	}
	stored := &repository.EvalRecord{
		RunID:  runID,
		Index:  rec.Index,
		Prompt: rec.Prompt,
		Body:   body,
	}
	if rec.Error != nil {
		stored.ErrorStage = rec.Error.Stage
	}
	if err := h.runs.AddRecord(ctx, stored); err != nil {
		h.logger.Error("failed to store record", "index", rec.Index, "error", err)
	}
}

func (h *Harness) finishRun(st *runState, report *Report, cause error) {
	if h.runs == nil {
		return
	}
	status := repository.RunStatusCompleted
	if cause != nil {
		status = repository.RunStatusCancelled
	}
	finished := report.FinishedAt.UTC()
	run := &repository.EvalRun{
		ID:           st.runID,
		Status:       status,
		ArtifactPath: report.ArtifactPath,
		Evaluated:    report.Evaluated,
		Failed:       report.Failed,
		CompletedAt:  &finished,
	}
	if report.Aggregate != nil {
		run.Aggregate = report.Aggregate.Map()
	}
	// The run context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.runs.CompleteRun(ctx, run); err != nil {
		h.logger.Error("failed to complete run", "run_id", st.runID, "error", err)
	}
}
