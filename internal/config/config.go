// Package config loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/knoguchi/rageval/internal/rag"
)

// LLM providers
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Reranker backends
const (
	RerankerCrossEncoder = "cross-encoder"
	RerankerLLM          = "llm"
)

// Config holds all configuration for the evaluation pipeline
type Config struct {
	// Server
	HTTPPort  int    `env:"HTTP_PORT" envDefault:"8080"`
	APIKey    string `env:"API_KEY"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// PostgreSQL run store, disabled when empty
	DatabaseURL string `env:"DATABASE_URL"`

	// Qdrant (gRPC)
	QdrantURL     string        `env:"QDRANT_URL" envDefault:"localhost:6334"`
	QdrantAPIKey  string        `env:"QDRANT_API_KEY"`
	QdrantTimeout time.Duration `env:"QDRANT_TIMEOUT" envDefault:"30s"`

	// Embeddings
	OllamaURL            string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaEmbeddingModel string `env:"OLLAMA_EMBEDDING_MODEL" envDefault:"bge-small-en-v1.5"`
	EmbeddingDimension   int    `env:"EMBEDDING_DIMENSION" envDefault:"384"`

	// Generation
	LLMProvider    string        `env:"LLM_PROVIDER" envDefault:"gemini"`
	LLMTimeout     time.Duration `env:"LLM_TIMEOUT" envDefault:"2m"`
	OllamaLLMModel string        `env:"OLLAMA_LLM_MODEL" envDefault:"llama3.2"`
	GeminiAPIKey   string        `env:"GEMINI_API_KEY"`
	GeminiModel    string        `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash-lite"`
	OpenAIAPIKey   string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string        `env:"OPENAI_BASE_URL"`
	OpenAIModel    string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`

	// Query rewriting
	RewriteEnabled   bool     `env:"REWRITE_ENABLED" envDefault:"true"`
	RewriteModel     string   `env:"REWRITE_MODEL"`
	Partitions       []string `env:"PARTITIONS" envSeparator:"," envDefault:"camera_data,displays_data,headphone_data,laptop_data,phone_data"`
	DefaultPartition string   `env:"DEFAULT_PARTITION" envDefault:"production_data"`

	// Reranking
	Reranker      string `env:"RERANKER" envDefault:"cross-encoder"`
	RerankerURL   string `env:"RERANKER_URL" envDefault:"http://localhost:8081"`
	RerankerModel string `env:"RERANKER_MODEL" envDefault:"BAAI/bge-reranker-base"`
	RerankField   string `env:"RERANK_FIELD" envDefault:"text"`

	// Pipeline sizes: L candidates, M reranked, K context chunks, C characters per chunk
	SearchLimit   int `env:"SEARCH_LIMIT" envDefault:"10"`
	FinalCount    int `env:"FINAL_COUNT" envDefault:"5"`
	ContextChunks int `env:"CONTEXT_CHUNKS" envDefault:"3"`
	ChunkCharCap  int `env:"CHUNK_CHAR_CAP" envDefault:"2000"`
	MetricK       int `env:"METRIC_K" envDefault:"5"`

	// Evaluation
	EvalDataset   string `env:"EVAL_DATASET" envDefault:"eval/gold_dataset.json"`
	EvalOutputDir string `env:"EVAL_OUTPUT_DIR" envDefault:"eval/out"`
	EvalLabel     string `env:"EVAL_LABEL" envDefault:"phase2"`
	EvalWorkers   int    `env:"EVAL_WORKERS" envDefault:"1"`
	EvalGenerate  bool   `env:"EVAL_GENERATE" envDefault:"true"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, rag.Wrap(rag.ErrConfiguration, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Every failure wraps rag.ErrConfiguration.
func (c *Config) Validate() error {
	var problems []string

	if c.ContextChunks <= 0 {
		problems = append(problems, "CONTEXT_CHUNKS must be positive")
	}
	if c.ContextChunks > c.FinalCount {
		problems = append(problems, "CONTEXT_CHUNKS must not exceed FINAL_COUNT")
	}
	if c.FinalCount > c.SearchLimit {
		problems = append(problems, "FINAL_COUNT must not exceed SEARCH_LIMIT")
	}
	if c.MetricK <= 0 {
		problems = append(problems, "METRIC_K must be positive")
	}
	if c.ChunkCharCap <= 0 {
		problems = append(problems, "CHUNK_CHAR_CAP must be positive")
	}
	if c.EmbeddingDimension <= 0 {
		problems = append(problems, "EMBEDDING_DIMENSION must be positive")
	}
	if c.EvalWorkers <= 0 {
		problems = append(problems, "EVAL_WORKERS must be positive")
	}
	if strings.TrimSpace(c.DefaultPartition) == "" {
		problems = append(problems, "DEFAULT_PARTITION is required")
	}
	if len(c.Partitions) == 0 {
		problems = append(problems, "PARTITIONS must list at least one collection")
	}

	switch c.LLMProvider {
	case ProviderOllama:
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			problems = append(problems, "GEMINI_API_KEY is required for the gemini provider")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			problems = append(problems, "OPENAI_API_KEY is required for the openai provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}

	switch c.Reranker {
	case RerankerCrossEncoder:
		if c.RerankerURL == "" {
			problems = append(problems, "RERANKER_URL is required for the cross-encoder reranker")
		}
	case RerankerLLM:
	default:
		problems = append(problems, fmt.Sprintf("unknown RERANKER %q", c.Reranker))
	}

	if !slices.Contains([]string{rag.FieldText, rag.FieldSummary, rag.FieldKeywords}, c.RerankField) {
		problems = append(problems, fmt.Sprintf("unknown RERANK_FIELD %q", c.RerankField))
	}

	if len(problems) > 0 {
		return rag.Errorf(rag.ErrConfiguration, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// PartitionNames returns the configured partitions with the default partition included.
func (c *Config) PartitionNames() []string {
	names := make([]string, 0, len(c.Partitions)+1)
	for _, p := range c.Partitions {
		p = strings.TrimSpace(p)
		if p != "" && !slices.Contains(names, p) {
			names = append(names, p)
		}
	}
	if c.DefaultPartition != "" && !slices.Contains(names, c.DefaultPartition) {
		names = append(names, c.DefaultPartition)
	}
	return names
}
