// Package preprocess rewrites raw user queries and routes them to a partition.
package preprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/knoguchi/rageval/internal/llm"
	"github.com/knoguchi/rageval/internal/rag"
)

// DefaultDescriptions describes the product collections to the rewrite model.
var DefaultDescriptions = map[string]string{
	"camera_data":    "Manufacturer (Sony, Canon, etc.) manuals, user guides, opinion articles on cameras",
	"displays_data":  "TV and monitor manuals from manufacturers, opinion articles on TVs and monitors",
	"headphone_data": "Manufacturer manuals on headphones (Sony, Bose, Sennheiser, JBL, etc.), reviews and articles on headphones",
	"laptop_data":    "HTML and PDF manuals from Apple, HP, Dell, ASUS, Lenovo, Acer",
	"phone_data":     "Apple, Google Pixel, Samsung, Motorola and OnePlus manuals and specs, opinion articles on phones",
}

// rewrite is the structured output of the rewrite model.
type rewrite struct {
	Query      string `json:"query"`
	Collection string `json:"collection"`
}

// Preprocessor turns a raw query into a rag.Query using one structured LLM call.
type Preprocessor struct {
	llm              llm.LLM
	partitions       []string
	defaultPartition string
	descriptions     map[string]string
	model            string
	disabled         bool
	logger           *slog.Logger

	schemaDoc map[string]any
	schema    *jsonschema.Schema
}

// Option configures a Preprocessor.
type Option func(*Preprocessor)

// WithModel overrides the LLM model used for rewriting.
func WithModel(model string) Option {
	return func(p *Preprocessor) {
		p.model = model
	}
}

// WithDescriptions sets the per-partition descriptions shown to the model.
func WithDescriptions(d map[string]string) Option {
	return func(p *Preprocessor) {
		p.descriptions = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Preprocessor) {
		p.logger = l
	}
}

// Disabled skips the rewrite call entirely; every query goes to the default partition unchanged.
func Disabled() Option {
	return func(p *Preprocessor) {
		p.disabled = true
	}
}

// New creates a Preprocessor restricted to the given partitions.
func New(client llm.LLM, partitions []string, defaultPartition string, opts ...Option) (*Preprocessor, error) {
	if defaultPartition == "" {
		return nil, rag.Errorf(rag.ErrConfiguration, "default partition is required")
	}
	if len(partitions) == 0 {
		return nil, rag.Errorf(rag.ErrConfiguration, "at least one partition is required")
	}

	p := &Preprocessor{
		llm:              client,
		partitions:       slices.Clone(partitions),
		defaultPartition: defaultPartition,
		descriptions:     DefaultDescriptions,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.llm == nil && !p.disabled {
		return nil, rag.Errorf(rag.ErrConfiguration, "query rewriting needs an LLM client")
	}

	p.schemaDoc = responseSchema(p.partitions)
	raw, err := json.Marshal(p.schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("marshal rewrite schema: %w", err)
	}
	p.schema, err = jsonschema.CompileString("rewrite.schema.json", string(raw))
	if err != nil {
		return nil, rag.Wrap(rag.ErrConfiguration, fmt.Errorf("compile rewrite schema: %w", err))
	}

	return p, nil
}

// Partitions returns the partitions the model may choose from.
func (p *Preprocessor) Partitions() []string {
	return slices.Clone(p.partitions)
}

// DefaultPartition returns the fallback partition.
func (p *Preprocessor) DefaultPartition() string {
	return p.defaultPartition
}

// Process rewrites raw, falling back to the raw text and the default partition
// when rewriting fails. The fallback is marked Degraded.
func (p *Preprocessor) Process(ctx context.Context, raw string) rag.Query {
	if p.disabled {
		return rag.Query{Raw: raw, Text: raw, Partition: p.defaultPartition}
	}

	q, err := p.Rewrite(ctx, raw)
	if err != nil {
		p.logger.Warn("query rewrite failed, using raw query",
			"error", err,
			"partition", p.defaultPartition,
		)
		return rag.Query{
			Raw:       raw,
			Text:      raw,
			Partition: p.defaultPartition,
			Degraded:  true,
			Reason:    err.Error(),
		}
	}
	return q
}

// Rewrite makes one structured generation call. Any failure, including output
// that does not match the schema, returns rag.ErrPreprocessing.
func (p *Preprocessor) Rewrite(ctx context.Context, raw string) (rag.Query, error) {
	if strings.TrimSpace(raw) == "" {
		return rag.Query{}, rag.Errorf(rag.ErrPreprocessing, "empty query")
	}
	if p.llm == nil {
		return rag.Query{}, rag.Errorf(rag.ErrPreprocessing, "no LLM client configured")
	}

	out, err := p.llm.Generate(ctx, raw, llm.GenerateOptions{
		Model:          p.model,
		SystemPrompt:   p.systemPrompt(),
		ResponseSchema: p.schemaDoc,
	})
	if err != nil {
		return rag.Query{}, rag.Wrap(rag.ErrPreprocessing, fmt.Errorf("rewrite call: %w", err))
	}

	r, err := p.parse(out)
	if err != nil {
		return rag.Query{}, rag.Wrap(rag.ErrPreprocessing, err)
	}

	return rag.Query{
		Raw:       raw,
		Text:      strings.TrimSpace(r.Query),
		Partition: r.Collection,
	}, nil
}

func (p *Preprocessor) parse(out string) (rewrite, error) {
	data := []byte(llm.StripCodeFence(out))

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return rewrite{}, fmt.Errorf("rewrite output is not JSON: %w", err)
	}
	if err := p.schema.Validate(decoded); err != nil {
		return rewrite{}, fmt.Errorf("rewrite output invalid: %w", err)
	}

	var r rewrite
	if err := json.Unmarshal(data, &r); err != nil {
		return rewrite{}, fmt.Errorf("decode rewrite output: %w", err)
	}
	if strings.TrimSpace(r.Query) == "" {
		return rewrite{}, fmt.Errorf("rewrite output has a blank query")
	}
	return r, nil
}

func (p *Preprocessor) systemPrompt() string {
	var sb strings.Builder

	sb.WriteString("You are preprocessing queries from users retrieving data from a RAG system.\n")
	sb.WriteString("Improve the query by adding keywords, restructuring it, and adding information that helps retrieval.\n\n")
	sb.WriteString(fmt.Sprintf("The vector storage has %d collections: [%s]\n\n", len(p.partitions), strings.Join(p.partitions, ", ")))

	for _, name := range p.partitions {
		if desc, ok := p.descriptions[name]; ok {
			sb.WriteString(fmt.Sprintf("%s: %s\n", name, desc))
		}
	}

	sb.WriteString("\nReturn a JSON object with the key \"query\", the improved query, ")
	sb.WriteString("and the key \"collection\", the collection that should answer it.\n")

	return sb.String()
}

func responseSchema(partitions []string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "query modified with LLM processing",
			},
			"collection": map[string]any{
				"type":        "string",
				"description": "which collection this query should choose data from",
				"enum":        partitions,
			},
		},
		"required":             []string{"query", "collection"},
		"additionalProperties": false,
	}
}
