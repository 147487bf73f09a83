package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/rageval/internal/generator"
	"github.com/knoguchi/rageval/internal/rag"
	"github.com/knoguchi/rageval/internal/service"
	"github.com/knoguchi/rageval/internal/telemetry"
)

type fakePipeline struct {
	retrieval *service.Retrieval
	answer    *generator.Answer
	genErr    error
	err       error
	readyErr  error
	points    []rag.Candidate

	lastQuery    string
	lastGenerate bool
	lastIDs      []string
}

func (f *fakePipeline) Query(_ context.Context, raw string, generate bool) (*service.Response, error) {
	f.lastQuery = raw
	f.lastGenerate = generate
	if f.err != nil {
		return nil, f.err
	}
	resp := &service.Response{Retrieval: f.retrieval, RetrievalTime: 12 * time.Millisecond, TotalTime: 40 * time.Millisecond}
	if generate {
		resp.Answer = f.answer
		resp.Err = f.genErr
	}
	return resp, nil
}

func (f *fakePipeline) Retrieve(_ context.Context, raw string) (*service.Retrieval, error) {
	f.lastQuery = raw
	if f.err != nil {
		return nil, f.err
	}
	return f.retrieval, nil
}

func (f *fakePipeline) Lookup(_ context.Context, _ string, ids []string) ([]rag.Candidate, error) {
	f.lastIDs = ids
	if f.err != nil {
		return nil, f.err
	}
	return f.points, nil
}

func (f *fakePipeline) Ready(context.Context) error { return f.readyErr }

func sampleRetrieval() *service.Retrieval {
	return &service.Retrieval{
		Query: rag.Query{Raw: "quiet headphones", Text: "noise cancelling headphones", Partition: "headphone_data"},
		Ranked: []rag.RankedResult{{
			Candidate: rag.Candidate{ID: "c1", Score: 0.8, Payload: rag.Payload{SourceFile: "wh1000xm5.pdf"}},
			Relevance: 0.97,
		}},
		Latency: 250 * time.Millisecond,
	}
}

func newTestServer(t *testing.T, p Pipeline, apiKey string) http.Handler {
	t.Helper()
	s, err := NewHTTPServer(HTTPServerConfig{
		Port:     0,
		APIKey:   apiKey,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Pipeline: p,
		Metrics:  telemetry.NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestQuery(t *testing.T) {
	p := &fakePipeline{retrieval: sampleRetrieval(), answer: &generator.Answer{Text: "The WH-1000XM5 [Doc 1]."}}
	h := newTestServer(t, p, "")

	rec := do(t, h, http.MethodPost, "/v1/query", `{"query": "quiet headphones"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, p.lastGenerate)

	var out queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "headphone_data", out.Query.Partition)
	assert.Equal(t, "The WH-1000XM5 [Doc 1].", out.Answer)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "c1", out.Results[0].ID)
	assert.Equal(t, float32(0.97), out.Results[0].Relevance)
	assert.Equal(t, 12.0, out.Timing.RetrievalMS)
}

func TestQueryWithoutGeneration(t *testing.T) {
	p := &fakePipeline{retrieval: sampleRetrieval()}
	h := newTestServer(t, p, "")

	rec := do(t, h, http.MethodPost, "/v1/query", `{"query": "q", "generate": false}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, p.lastGenerate)
	assert.NotContains(t, rec.Body.String(), `"answer"`)
}

func TestQueryGenerationError(t *testing.T) {
	p := &fakePipeline{retrieval: sampleRetrieval(), genErr: rag.Errorf(rag.ErrGeneration, "quota")}
	h := newTestServer(t, p, "")

	rec := do(t, h, http.MethodPost, "/v1/query", `{"query": "q"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"generation_error":"generation error: quota"`)
}

func TestRetrieve(t *testing.T) {
	p := &fakePipeline{retrieval: sampleRetrieval()}
	h := newTestServer(t, p, "")

	rec := do(t, h, http.MethodPost, "/v1/retrieve", `{"query": "quiet headphones"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out retrieveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 250.0, out.LatencyMS)
	assert.Equal(t, "quiet headphones", p.lastQuery)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{rag.Errorf(rag.ErrNotFound, "partition missing"), http.StatusNotFound},
		{rag.Errorf(rag.ErrRetrieval, "qdrant down"), http.StatusBadGateway},
		{rag.Errorf(rag.ErrRerank, "scorer down"), http.StatusBadGateway},
		{rag.Errorf(rag.ErrPreprocessing, "query is required"), http.StatusBadRequest},
		{rag.Errorf(rag.ErrConfiguration, "bad"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h := newTestServer(t, &fakePipeline{err: tt.err}, "")
		rec := do(t, h, http.MethodPost, "/v1/retrieve", `{"query": "q"}`, nil)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
		assert.Contains(t, rec.Body.String(), `"stage":"`+rag.StageOf(tt.err)+`"`)
	}
}

func TestBadJSON(t *testing.T) {
	h := newTestServer(t, &fakePipeline{}, "")
	rec := do(t, h, http.MethodPost, "/v1/query", `{"query":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPoints(t *testing.T) {
	p := &fakePipeline{points: []rag.Candidate{{ID: "c1", Payload: rag.Payload{SourceFile: "a.pdf"}}}}
	h := newTestServer(t, p, "")

	rec := do(t, h, http.MethodGet, "/v1/partitions/camera_data/points?ids=c1,%20c2,", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"c1", "c2"}, p.lastIDs)

	var out pointsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "camera_data", out.Partition)
	assert.Len(t, out.Points, 1)

	rec = do(t, h, http.MethodGet, "/v1/partitions/camera_data/points", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	p := &fakePipeline{}
	h := newTestServer(t, p, "secret")

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "", nil).Code)

	p.readyErr = rag.Errorf(rag.ErrNotFound, "partition missing")
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "", nil).Code)
}

func TestAPIKeyRequired(t *testing.T) {
	h := newTestServer(t, &fakePipeline{retrieval: sampleRetrieval()}, "secret")

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/v1/retrieve", `{"query": "q"}`, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/retrieve", `{"query": "q"}`, map[string]string{"X-API-Key": "secret"}).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, &fakePipeline{}, "")
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewHTTPServerNeedsPipeline(t *testing.T) {
	_, err := NewHTTPServer(HTTPServerConfig{})
	assert.ErrorIs(t, err, rag.ErrConfiguration)
}
