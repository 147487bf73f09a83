// Package app builds the pipeline from configuration. Every client handle is
// created once here and injected into the components that use it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/knoguchi/rageval/internal/config"
	"github.com/knoguchi/rageval/internal/embedder"
	"github.com/knoguchi/rageval/internal/generator"
	"github.com/knoguchi/rageval/internal/llm"
	"github.com/knoguchi/rageval/internal/preprocess"
	"github.com/knoguchi/rageval/internal/rag"
	"github.com/knoguchi/rageval/internal/repository"
	"github.com/knoguchi/rageval/internal/repository/postgres"
	"github.com/knoguchi/rageval/internal/reranker"
	"github.com/knoguchi/rageval/internal/retriever"
	"github.com/knoguchi/rageval/internal/service"
	"github.com/knoguchi/rageval/internal/telemetry"
	"github.com/knoguchi/rageval/internal/vectorstore"
)

// App holds the constructed pipeline and the handles it owns.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *telemetry.Metrics
	LLM      llm.LLM
	Service  *service.RAGService

	// Runs is nil unless DATABASE_URL is set.
	Runs repository.RunRepository

	store *vectorstore.QdrantStore
	db    *postgres.DB
}

// Build validates cfg and wires every pipeline component.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	a.Metrics = telemetry.NewMetrics(a.Registry)

	// Step 1: Vector store
	store, err := vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
		URL:     cfg.QdrantURL,
		APIKey:  cfg.QdrantAPIKey,
		Timeout: cfg.QdrantTimeout,
	})
	if err != nil {
		return nil, rag.Wrap(rag.ErrConfiguration, err)
	}
	a.store = store
	logger.Info("initialized Qdrant client", "url", cfg.QdrantURL)

	// Step 2: Embedder
	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL:   cfg.OllamaURL,
		Model:     cfg.OllamaEmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
	})
	logger.Info("initialized Ollama embedder", "model", embed.ModelName(), "dimension", embed.Dimension())

	// Step 3: LLM shared by rewriting, generation and the LLM scorer
	a.LLM, err = NewLLM(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("initialized LLM", "provider", a.LLM.Name())

	// Step 4: Pipeline stages
	preOpts := []preprocess.Option{preprocess.WithLogger(logger)}
	if cfg.RewriteModel != "" {
		preOpts = append(preOpts, preprocess.WithModel(cfg.RewriteModel))
	}
	if !cfg.RewriteEnabled {
		preOpts = append(preOpts, preprocess.Disabled())
	}
	pre, err := preprocess.New(a.LLM, cfg.Partitions, cfg.DefaultPartition, preOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	scorer := NewScorer(cfg, a.LLM)
	logger.Info("initialized reranker", "scorer", scorer.Name(), "field", cfg.RerankField)

	a.Service = service.NewRAGService(
		pre,
		retriever.New(embed, store, retriever.WithLogger(logger)),
		reranker.New(scorer, reranker.WithField(cfg.RerankField), reranker.WithLogger(logger)),
		generator.New(a.LLM,
			generator.WithChunkBudget(cfg.ContextChunks),
			generator.WithCharCap(cfg.ChunkCharCap),
		),
		service.WithSearchLimit(cfg.SearchLimit),
		service.WithFinalCount(cfg.FinalCount),
		service.WithTelemetry(a.Metrics),
		service.WithLogger(logger),
	)

	// Step 5: Optional run store
	if cfg.DatabaseURL != "" {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, rag.Wrap(rag.ErrConfiguration, fmt.Errorf("failed to connect to database: %w", err))
		}
		a.db = db
		runs := postgres.NewRunRepo(db)
		if err := runs.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to prepare run store: %w", err)
		}
		a.Runs = runs
		logger.Info("connected to PostgreSQL run store")
	}

	return a, nil
}

// Close releases the handles opened by Build.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.db != nil {
		a.db.Close()
	}
	return errors.Join(errs...)
}

// NewLLM returns the client for cfg.LLMProvider.
func NewLLM(ctx context.Context, cfg *config.Config) (llm.LLM, error) {
	switch cfg.LLMProvider {
	case config.ProviderOllama:
		return llm.NewOllamaClient(
			llm.WithBaseURL(cfg.OllamaURL),
			llm.WithModel(cfg.OllamaLLMModel),
			llm.WithHTTPClient(&http.Client{Timeout: cfg.LLMTimeout}),
		), nil
	case config.ProviderGemini:
		c, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		})
		if err != nil {
			return nil, rag.Wrap(rag.ErrConfiguration, err)
		}
		return c, nil
	case config.ProviderOpenAI:
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}), nil
	default:
		return nil, rag.Errorf(rag.ErrConfiguration, "unknown LLM provider %q", cfg.LLMProvider)
	}
}

// NewScorer returns the relevance scorer for cfg.Reranker.
func NewScorer(cfg *config.Config, client llm.LLM) reranker.Scorer {
	if cfg.Reranker == config.RerankerLLM {
		return reranker.NewLLMScorer(client)
	}
	return reranker.NewCrossEncoderScorer(cfg.RerankerURL,
		reranker.WithCrossEncoderModel(cfg.RerankerModel),
		reranker.WithHTTPClient(&http.Client{Timeout: cfg.LLMTimeout}),
	)
}

// NewLogger builds the process logger. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
