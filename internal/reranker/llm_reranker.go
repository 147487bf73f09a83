package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knoguchi/rageval/internal/llm"
)

// LLMScorer uses an LLM to score query-document pairs.
// The model sees query and documents together, like a cross-encoder.
type LLMScorer struct {
	llmClient llm.LLM
	model     string
	maxChars  int
}

// LLMScorerOption is a functional option for configuring LLMScorer.
type LLMScorerOption func(*LLMScorer)

// WithModel sets the model to use for scoring.
func WithModel(model string) LLMScorerOption {
	return func(s *LLMScorer) {
		s.model = model
	}
}

// WithMaxChars caps how much of each document goes into the prompt.
func WithMaxChars(n int) LLMScorerOption {
	return func(s *LLMScorer) {
		s.maxChars = n
	}
}

// NewLLMScorer creates a new LLM-based scorer.
func NewLLMScorer(llmClient llm.LLM, opts ...LLMScorerOption) *LLMScorer {
	s := &LLMScorer{
		llmClient: llmClient,
		maxChars:  500,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// relevanceScore represents the structured output from the LLM.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float32 `json:"score"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

var scoreSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"scores": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"doc_index": map[string]any{"type": "integer"},
					"score":     map[string]any{"type": "number"},
				},
				"required":             []string{"doc_index", "score"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"scores"},
	"additionalProperties": false,
}

// Name returns the scorer name.
func (s *LLMScorer) Name() string { return "llm" }

// Score asks the LLM for a 0..1 relevance score per document.
func (s *LLMScorer) Score(ctx context.Context, query string, texts []string) ([]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	prompt := s.buildRerankPrompt(query, texts)

	opts := llm.GenerateOptions{
		Model:          s.model,
		Temperature:    llm.Temperature(0), // Deterministic scoring
		MaxTokens:      1024,
		ResponseSchema: scoreSchema,
	}

	response, err := s.llmClient.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("LLM scoring failed: %w", err)
	}

	return parseRerankResponse(response, len(texts))
}

// buildRerankPrompt constructs the prompt for LLM-based scoring.
func (s *LLMScorer) buildRerankPrompt(query string, texts []string) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, text := range texts {
		// Truncate content to avoid token limits
		if r := []rune(text); s.maxChars > 0 && len(r) > s.maxChars {
			text = string(r[:s.maxChars]) + "..."
		}
		sb.WriteString(fmt.Sprintf("[Doc %d]: %s\n\n", i, text))
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseRerankResponse extracts scores from the LLM response.
// Documents the model skipped get 0.5; scores are clamped to [0, 1].
func parseRerankResponse(response string, numResults int) ([]float32, error) {
	response = strings.TrimSpace(response)

	// Try to extract JSON from markdown code blocks if present
	if idx := strings.Index(response, "```"); idx != -1 {
		response = llm.StripCodeFence(response[idx:])
	}

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}
	if len(parsed.Scores) == 0 {
		return nil, fmt.Errorf("rerank response has no scores")
	}

	// Build score array indexed by doc_index
	scores := make([]float32, numResults)
	for i := range scores {
		scores[i] = 0.5 // Default score for missing entries
	}

	for _, s := range parsed.Scores {
		if s.DocIndex >= 0 && s.DocIndex < numResults {
			scores[s.DocIndex] = min(max(s.Score, 0), 1)
		}
	}

	return scores, nil
}

// Ensure LLMScorer implements Scorer interface.
var _ Scorer = (*LLMScorer)(nil)
