package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultCrossEncoderModel is the model the index was tuned against.
const DefaultCrossEncoderModel = "BAAI/bge-reranker-base"

// CrossEncoderScorer calls a text-embeddings-inference compatible /rerank endpoint.
type CrossEncoderScorer struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// CrossEncoderOption is a functional option for configuring CrossEncoderScorer.
type CrossEncoderOption func(*CrossEncoderScorer)

// WithCrossEncoderModel sets the model name sent with each request.
func WithCrossEncoderModel(model string) CrossEncoderOption {
	return func(s *CrossEncoderScorer) {
		s.model = model
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) CrossEncoderOption {
	return func(s *CrossEncoderScorer) {
		s.httpClient = client
	}
}

// NewCrossEncoderScorer creates a scorer for the service at baseURL.
func NewCrossEncoderScorer(baseURL string, opts ...CrossEncoderOption) *CrossEncoderScorer {
	s := &CrossEncoderScorer{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      DefaultCrossEncoderModel,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type crossEncoderRequest struct {
	Query    string   `json:"query"`
	Texts    []string `json:"texts"`
	Model    string   `json:"model,omitempty"`
	Truncate bool     `json:"truncate"`
}

type crossEncoderResult struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// Name returns the scorer name.
func (s *CrossEncoderScorer) Name() string { return "cross-encoder" }

// Score sends all (query, text) pairs in one request.
func (s *CrossEncoderScorer) Score(ctx context.Context, query string, texts []string) ([]float32, error) {
	body, err := json.Marshal(crossEncoderRequest{
		Query:    query,
		Texts:    texts,
		Model:    s.model,
		Truncate: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank API error (status %d): %s", resp.StatusCode, string(msg))
	}

	var results []crossEncoderResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	scores := make([]float32, len(texts))
	seen := make([]bool, len(texts))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(texts) {
			return nil, fmt.Errorf("rerank API returned out of range index %d", r.Index)
		}
		scores[r.Index] = r.Score
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank API returned no score for text %d", i)
		}
	}

	return scores, nil
}

var _ Scorer = (*CrossEncoderScorer)(nil)
