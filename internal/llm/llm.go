// Package llm provides interfaces and implementations for Large Language Model clients.
package llm

import (
	"context"
	"strings"
)

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model specifies the LLM model to use. Empty means the client default.
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation (0.0 = deterministic, 1.0 = creative).
	// Nil leaves the backend default in place.
	Temperature *float32

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int

	// ResponseSchema is a JSON Schema document. When set the model is asked
	// for JSON conforming to it instead of free text.
	ResponseSchema map[string]any
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends a prompt to the LLM and returns the complete response.
	// It blocks until the full response is received or an error occurs.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// Name identifies the backend in logs.
	Name() string
}

// Temperature returns t for GenerateOptions.Temperature.
func Temperature(t float32) *float32 {
	return &t
}

// StripCodeFence removes a surrounding ``` or ```json fence some models add
// around structured output.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
