// Package embedder provides interfaces and implementations for query embedding.
package embedder

import "context"

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// ModelConfig holds configuration for a specific embedding model.
type ModelConfig struct {
	Dimension     int // Embedding dimension
	ContextLength int // Max tokens the model can process
}

// KnownModels maps embedding model names to their configurations.
// The index must have been built with the same model, so the dimension
// doubles as a sanity check against the configured collection.
var KnownModels = map[string]ModelConfig{
	"bge-small-en-v1.5": {Dimension: 384, ContextLength: 512},
	"bge-base-en-v1.5":  {Dimension: 768, ContextLength: 512},
	"bge-large-en-v1.5": {Dimension: 1024, ContextLength: 512},
	"nomic-embed-text":  {Dimension: 768, ContextLength: 8192},
	"mxbai-embed-large": {Dimension: 1024, ContextLength: 512},
	"all-minilm":        {Dimension: 384, ContextLength: 256},
}

// GetModelConfig returns the configuration for a model, or defaults if unknown.
func GetModelConfig(modelName string) ModelConfig {
	if cfg, ok := KnownModels[modelName]; ok {
		return cfg
	}
	return ModelConfig{
		Dimension:     384,
		ContextLength: 512,
	}
}
