// Package generator produces an answer grounded in reranked context chunks.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/knoguchi/rageval/internal/llm"
	"github.com/knoguchi/rageval/internal/rag"
)

const (
	// DefaultChunkBudget is how many ranked chunks go into the prompt.
	DefaultChunkBudget = 3

	// DefaultCharCap bounds each chunk's text in characters.
	DefaultCharCap = 2000

	defaultSystemPrompt = `You answer questions about consumer electronics using ONLY the context documents provided.
Do not use outside knowledge. If the documents do not contain the answer, say that you do not know.
Cite every claim with the document label it came from, for example [Doc 1].`
)

// Answer is a generated response and the chunks it was grounded in.
type Answer struct {
	Text    string             `json:"text"`
	Sources []rag.RankedResult `json:"sources"`
}

// Generator builds a bounded, citation-only prompt and calls the LLM once.
type Generator struct {
	llmClient    llm.LLM
	chunkBudget  int
	charCap      int
	systemPrompt string
	model        string
	temperature  float32
	maxTokens    int
}

// Option configures a Generator.
type Option func(*Generator)

// WithChunkBudget sets how many top results are used as context.
func WithChunkBudget(k int) Option {
	return func(g *Generator) {
		g.chunkBudget = k
	}
}

// WithCharCap sets the per-chunk character limit.
func WithCharCap(c int) Option {
	return func(g *Generator) {
		g.charCap = c
	}
}

// WithModel overrides the LLM model.
func WithModel(model string) Option {
	return func(g *Generator) {
		g.model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(g *Generator) {
		g.temperature = t
	}
}

// WithMaxTokens caps the answer length.
func WithMaxTokens(n int) Option {
	return func(g *Generator) {
		g.maxTokens = n
	}
}

// WithSystemPrompt replaces the grounding instructions.
func WithSystemPrompt(s string) Option {
	return func(g *Generator) {
		g.systemPrompt = s
	}
}

// New creates a Generator.
func New(client llm.LLM, opts ...Option) *Generator {
	g := &Generator{
		llmClient:    client,
		chunkBudget:  DefaultChunkBudget,
		charCap:      DefaultCharCap,
		systemPrompt: defaultSystemPrompt,
		temperature:  llm.DefaultTemperature,
		maxTokens:    2048,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate answers q from the top chunks of ranked. Failures return rag.ErrGeneration.
func (g *Generator) Generate(ctx context.Context, q rag.Query, ranked []rag.RankedResult) (*Answer, error) {
	if g.llmClient == nil {
		return nil, rag.Errorf(rag.ErrGeneration, "no LLM client configured")
	}
	if g.chunkBudget <= 0 || g.charCap <= 0 {
		return nil, rag.Errorf(rag.ErrGeneration, "chunk budget and character cap must be positive")
	}

	sources := ranked[:min(g.chunkBudget, len(ranked))]
	prompt := g.BuildPrompt(q, sources)

	text, err := g.llmClient.Generate(ctx, prompt, llm.GenerateOptions{
		Model:        g.model,
		SystemPrompt: g.systemPrompt,
		Temperature:  llm.Temperature(g.temperature),
		MaxTokens:    g.maxTokens,
	})
	if err != nil {
		return nil, rag.Wrap(rag.ErrGeneration, fmt.Errorf("failed to generate response: %w", err))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, rag.Wrap(rag.ErrGeneration, errors.New("model returned an empty answer"))
	}

	return &Answer{Text: text, Sources: sources}, nil
}

// BuildPrompt renders the context block and question. Each chunk is cut to the character cap.
func (g *Generator) BuildPrompt(q rag.Query, sources []rag.RankedResult) string {
	var sb strings.Builder

	sb.WriteString("## Context Documents\n\n")
	for i, r := range sources {
		sb.WriteString(fmt.Sprintf("[Doc %d]", i+1))

		if r.Payload.Title != "" {
			sb.WriteString(fmt.Sprintf(" (Title: %s)", r.Payload.Title))
		}
		if r.Payload.SourceFile != "" {
			sb.WriteString(fmt.Sprintf(" (Source: %s)", r.Payload.SourceFile))
		}
		if r.Payload.Page != nil {
			sb.WriteString(fmt.Sprintf(" (Page: %d)", *r.Payload.Page))
		}
		sb.WriteString("\n")
		sb.WriteString(Truncate(contextText(r), g.charCap))
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Question\n")
	if q.Raw != "" {
		sb.WriteString(q.Raw)
	} else {
		sb.WriteString(q.Text)
	}
	sb.WriteString("\n\n")

	sb.WriteString("## Answer (cite documents as [Doc n])\n")

	return sb.String()
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func contextText(r rag.RankedResult) string {
	if strings.TrimSpace(r.Payload.Text) != "" {
		return r.Payload.Text
	}
	return r.Payload.Summary
}
