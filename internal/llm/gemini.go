package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"
)

// DefaultGeminiModel is the default Gemini model.
const DefaultGeminiModel = "gemini-2.5-flash-lite"

// GeminiConfig configures GeminiClient.
type GeminiConfig struct {
	APIKey string
	Model  string

	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
}

// GeminiClient implements the LLM interface using the Google Gen AI SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini client. The handle is safe to share.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Name returns the backend name.
func (c *GeminiClient) Name() string { return "gemini" }

// Generate sends a prompt to Gemini and returns the response text.
func (c *GeminiClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(prompt), buildGeminiConfig(opts))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", errors.New("gemini returned an empty response")
	}
	return text, nil
}

func buildGeminiConfig(opts GenerateOptions) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if opts.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: opts.SystemPrompt},
			},
		}
	}
	if opts.Temperature != nil {
		config.Temperature = genai.Ptr(*opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(opts.MaxTokens, math.MaxInt32))
	}
	if opts.ResponseSchema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = toGeminiSchema(opts.ResponseSchema)
	}
	return config
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
// Keywords Gemini does not understand are dropped; callers validate the
// response against the full schema afterwards.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	schema.Enum = stringList(schemaMap["enum"])
	schema.Required = stringList(schemaMap["required"])

	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}

	return schema
}

// stringList accepts both []string and the []any produced by json.Unmarshal.
func stringList(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, e := range vals {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

var _ LLM = (*GeminiClient)(nil)
