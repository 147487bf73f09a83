package llm

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

var testSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"query":      map[string]any{"type": "string"},
		"collection": map[string]any{"type": "string", "enum": []string{"camera_data", "phone_data"}},
	},
	"required":             []string{"query", "collection"},
	"additionalProperties": false,
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripCodeFence("```\n{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, StripCodeFence(`  {"a":1} `))
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2", req.Model)
		assert.Equal(t, "sys", req.System)
		assert.False(t, req.Stream)
		assert.Equal(t, "object", req.Format["type"])
		require.NotNil(t, req.Options)
		assert.Equal(t, 64, req.Options.NumPredict)

		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: `{"query":"q","collection":"phone_data"}`, Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL + "/"))
	out, err := c.Generate(t.Context(), "hello", GenerateOptions{
		SystemPrompt:   "sys",
		MaxTokens:      64,
		ResponseSchema: testSchema,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "phone_data")
	assert.Equal(t, "ollama", c.Name())
}

func TestOllamaGenerateTemperature(t *testing.T) {
	var options []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		opts, _ := req["options"].(map[string]any)
		options = append(options, opts)
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: "ok", Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL))
	_, err := c.Generate(t.Context(), "hello", GenerateOptions{Temperature: Temperature(0)})
	require.NoError(t, err)
	_, err = c.Generate(t.Context(), "hello", GenerateOptions{})
	require.NoError(t, err)

	require.Len(t, options, 2)
	require.Contains(t, options[0], "temperature")
	assert.Equal(t, 0.0, options[0]["temperature"])
	assert.Nil(t, options[1])
}

func TestOllamaGenerateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL), WithModel("missing"))
	_, err := c.Generate(t.Context(), "hello", GenerateOptions{})
	assert.ErrorContains(t, err, "status 404")
}

func TestOllamaGenerateTruncatedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: `{"query":"q","coll`, Done: true, DoneReason: "length"})
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL))
	_, err := c.Generate(t.Context(), "hello", GenerateOptions{ResponseSchema: testSchema})
	assert.ErrorContains(t, err, "truncated")

	out, err := c.Generate(t.Context(), "hello", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, `{"query":"q","coll`, out)
}

func TestGeminiGenerate(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "gemini-2.5-flash-lite:generateContent"), r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		body = string(b)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [
				{
					"content": {"parts": [{"text": "grounded answer [Doc 1]"}], "role": "model"},
					"finishReason": "STOP"
				}
			]
		}`))
	}))
	defer srv.Close()

	c, err := NewGeminiClient(t.Context(), GeminiConfig{APIKey: "test-key", BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	out, err := c.Generate(t.Context(), "question", GenerateOptions{
		SystemPrompt:   "only use context",
		Temperature:    Temperature(0.2),
		ResponseSchema: testSchema,
	})
	require.NoError(t, err)
	assert.Equal(t, "grounded answer [Doc 1]", out)
	assert.Contains(t, body, "application/json")
	assert.Contains(t, body, "only use context")
	assert.Contains(t, body, "camera_data")
}

func TestGeminiGenerateZeroTemperature(t *testing.T) {
	var config map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		config, _ = req["generationConfig"].(map[string]any)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "4"}], "role": "model"}, "finishReason": "STOP"}]}`))
	}))
	defer srv.Close()

	c, err := NewGeminiClient(t.Context(), GeminiConfig{APIKey: "test-key", BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	_, err = c.Generate(t.Context(), "rate this", GenerateOptions{Temperature: Temperature(0)})
	require.NoError(t, err)
	require.Contains(t, config, "temperature")
	assert.Equal(t, 0.0, config["temperature"])
}

func TestGeminiRequiresKey(t *testing.T) {
	_, err := NewGeminiClient(t.Context(), GeminiConfig{})
	assert.Error(t, err)
}

func TestToGeminiSchema(t *testing.T) {
	s := toGeminiSchema(testSchema)
	require.NotNil(t, s)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"query", "collection"}, s.Required)
	require.Contains(t, s.Properties, "collection")
	assert.Equal(t, genai.TypeString, s.Properties["collection"].Type)
	assert.Equal(t, []string{"camera_data", "phone_data"}, s.Properties["collection"].Enum)

	var decoded map[string]any
	raw, _ := json.Marshal(testSchema)
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, s, toGeminiSchema(decoded))
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "local-model", req["model"])
		format, ok := req["response_format"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "json_schema", format["type"])
		msgs, ok := req["messages"].([]any)
		require.True(t, ok)
		assert.Len(t, msgs, 2)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "local-model",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"query\":\"q\",\"collection\":\"camera_data\"}"}}]
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", Model: "local-model"})
	out, err := c.Generate(t.Context(), "q", GenerateOptions{SystemPrompt: "sys", ResponseSchema: testSchema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"q","collection":"camera_data"}`, out)
}

func TestOpenAIGenerateZeroTemperature(t *testing.T) {
	var req map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"4"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/"})
	_, err := c.Generate(t.Context(), "q", GenerateOptions{Temperature: Temperature(0)})
	require.NoError(t, err)
	require.Contains(t, req, "temperature")
	assert.Equal(t, 0.0, req["temperature"])
}

func TestOpenAINoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/"})
	_, err := c.Generate(t.Context(), "q", GenerateOptions{})
	assert.ErrorContains(t, err, "no choices")
}
