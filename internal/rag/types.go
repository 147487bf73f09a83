// Package rag defines the values that flow through the retrieval pipeline.
package rag

import (
	"fmt"
	"strings"
)

// Query is a processed user query bound to one partition.
// It is produced by the preprocessor and not modified afterwards.
type Query struct {
	// Raw is the text the user typed.
	Raw string `json:"raw"`

	// Text is the query sent to the embedder.
	Text string `json:"text"`

	// Partition names the vector index collection to search.
	Partition string `json:"partition"`

	// Degraded is set when the rewrite step failed and Text/Partition are the fallback.
	Degraded bool `json:"degraded,omitempty"`

	// Reason carries the rewrite failure when Degraded is set.
	Reason string `json:"reason,omitempty"`
}

// Payload is the document metadata stored alongside each chunk vector.
type Payload struct {
	SourceFile string   `json:"source_file"`
	Page       *int     `json:"page,omitempty"`
	Title      string   `json:"title,omitempty"`
	Text       string   `json:"text,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
}

// Validate reports payloads missing their required fields.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.SourceFile) == "" {
		return fmt.Errorf("payload missing source_file")
	}
	return nil
}

// Candidate is a chunk returned by vector search.
type Candidate struct {
	ID      string  `json:"id"`
	Score   float32 `json:"score"`
	Payload Payload `json:"payload"`
}

// Rerank fields
const (
	FieldText     = "text"
	FieldSummary  = "summary"
	FieldKeywords = "keywords"
)

// RerankText returns the text a relevance scorer should see for this candidate.
// Empty fields fall back through text, summary, title and finally the source file name.
func (c Candidate) RerankText(field string) string {
	var s string
	switch field {
	case FieldSummary:
		s = c.Payload.Summary
	case FieldKeywords:
		s = strings.Join(c.Payload.Keywords, ", ")
	default:
		s = c.Payload.Text
	}
	if strings.TrimSpace(s) != "" {
		return s
	}
	for _, fallback := range []string{c.Payload.Text, c.Payload.Summary, c.Payload.Title} {
		if strings.TrimSpace(fallback) != "" {
			return fallback
		}
	}
	return c.Payload.SourceFile
}

// RankedResult is a candidate after cross-encoder scoring.
type RankedResult struct {
	Candidate
	Relevance float32 `json:"relevance"`
}

// IDs returns the chunk ids in rank order.
func IDs(results []RankedResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids
}

// SourceFiles returns the source file of each result in rank order.
func SourceFiles(results []RankedResult) []string {
	files := make([]string, len(results))
	for i, r := range results {
		files[i] = r.Payload.SourceFile
	}
	return files
}
