package app

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/rageval/internal/config"
	"github.com/knoguchi/rageval/internal/rag"
)

func testConfig(provider string) *config.Config {
	return &config.Config{
		LLMProvider:        provider,
		LLMTimeout:         time.Second,
		OllamaURL:          "http://localhost:11434",
		OllamaLLMModel:     "llama3.2",
		GeminiAPIKey:       "k",
		OpenAIAPIKey:       "k",
		Reranker:           config.RerankerCrossEncoder,
		RerankerURL:        "http://localhost:8081",
		RerankField:        rag.FieldText,
		Partitions:         []string{"camera_data"},
		DefaultPartition:   "production_data",
		SearchLimit:        10,
		FinalCount:         5,
		ContextChunks:      3,
		ChunkCharCap:       2000,
		MetricK:            5,
		EmbeddingDimension: 384,
		EvalWorkers:        1,
	}
}

func TestNewLLM(t *testing.T) {
	for _, provider := range []string{config.ProviderOllama, config.ProviderGemini, config.ProviderOpenAI} {
		c, err := NewLLM(t.Context(), testConfig(provider))
		require.NoError(t, err, provider)
		assert.Equal(t, provider, c.Name())
	}

	_, err := NewLLM(t.Context(), testConfig("mystery"))
	assert.ErrorIs(t, err, rag.ErrConfiguration)

	cfg := testConfig(config.ProviderGemini)
	cfg.GeminiAPIKey = ""
	_, err = NewLLM(t.Context(), cfg)
	assert.ErrorIs(t, err, rag.ErrConfiguration)
}

func TestNewScorer(t *testing.T) {
	cfg := testConfig(config.ProviderOllama)
	client, err := NewLLM(t.Context(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "cross-encoder", NewScorer(cfg, client).Name())

	cfg.Reranker = config.RerankerLLM
	assert.Equal(t, "llm", NewScorer(cfg, client).Name())
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(config.ProviderOllama)
	cfg.ContextChunks = 6

	_, err := Build(t.Context(), cfg, nil)
	assert.ErrorIs(t, err, rag.ErrConfiguration)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "warn", "json").Info("hidden")
	assert.Zero(t, buf.Len())

	NewLogger(&buf, "debug", "json").Debug("shown", "stage", "rerank")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "rerank", line["stage"])

	buf.Reset()
	NewLogger(&buf, "info", "text").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
