package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/rageval/internal/auth"
	"github.com/knoguchi/rageval/internal/rag"
	"github.com/knoguchi/rageval/internal/service"
	"github.com/knoguchi/rageval/internal/telemetry"
)

// Pipeline is the part of the RAG service exposed over HTTP.
type Pipeline interface {
	Query(ctx context.Context, raw string, generate bool) (*service.Response, error)
	Retrieve(ctx context.Context, raw string) (*service.Retrieval, error)
	Lookup(ctx context.Context, partition string, ids []string) ([]rag.Candidate, error)
	Ready(ctx context.Context) error
}

var _ Pipeline = (*service.RAGService)(nil)

// HTTPServer serves the query API
type HTTPServer struct {
	server   *http.Server
	router   *chi.Mux
	pipeline Pipeline
	logger   *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	APIKey         string
	AllowedOrigins []string // CORS allowed origins
	Logger         *slog.Logger
	Pipeline       Pipeline
	Metrics        *telemetry.Metrics
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	if cfg.Pipeline == nil {
		return nil, rag.Errorf(rag.ErrConfiguration, "HTTP server needs a pipeline")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &HTTPServer{
		router:   chi.NewRouter(),
		pipeline: cfg.Pipeline,
		logger:   logger,
	}

	// Add middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLoggingMiddleware(logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware(cfg.AllowedOrigins))
	s.router.Use(auth.NewAPIKey(cfg.APIKey).Middleware)

	s.router.Get("/healthz", healthCheckHandler())
	s.router.Get("/readyz", s.readinessCheckHandler())
	s.router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Post("/retrieve", s.handleRetrieve)
		r.Get("/partitions/{name}/points", s.handlePoints)
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the router
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

type queryRequest struct {
	Query    string `json:"query"`
	Generate *bool  `json:"generate,omitempty"`
}

type timing struct {
	RetrievalMS  float64 `json:"retrieval_ms"`
	GenerationMS float64 `json:"generation_ms,omitempty"`
	TotalMS      float64 `json:"total_ms"`
}

type queryResponse struct {
	Query           rag.Query             `json:"query"`
	Results         []rag.RankedResult    `json:"results"`
	Answer          string                `json:"answer,omitempty"`
	GenerationError string                `json:"generation_error,omitempty"`
	Degraded        []service.Degradation `json:"degraded,omitempty"`
	Timing          timing                `json:"timing"`
}

type retrieveResponse struct {
	Query     rag.Query             `json:"query"`
	Results   []rag.RankedResult    `json:"results"`
	Degraded  []service.Degradation `json:"degraded,omitempty"`
	LatencyMS float64               `json:"latency_ms"`
}

type pointsResponse struct {
	Partition string          `json:"partition"`
	Points    []rag.Candidate `json:"points"`
}

func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	generate := req.Generate == nil || *req.Generate

	resp, err := s.pipeline.Query(r.Context(), req.Query, generate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := queryResponse{
		Query:    resp.Query,
		Results:  nonNilRanked(resp.Ranked),
		Degraded: resp.Degraded,
		Timing: timing{
			RetrievalMS:  millis(resp.RetrievalTime),
			GenerationMS: millis(resp.GenerationTime),
			TotalMS:      millis(resp.TotalTime),
		},
	}
	if resp.Answer != nil {
		out.Answer = resp.Answer.Text
	}
	if resp.Err != nil {
		out.GenerationError = resp.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	res, err := s.pipeline.Retrieve(r.Context(), req.Query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, retrieveResponse{
		Query:     res.Query,
		Results:   nonNilRanked(res.Ranked),
		Degraded:  res.Degraded,
		LatencyMS: millis(res.Latency),
	})
}

func (s *HTTPServer) handlePoints(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "name")
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ids query parameter is required"})
		return
	}

	points, err := s.pipeline.Lookup(r.Context(), partition, ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pointsResponse{Partition: partition, Points: points})
}

// statusFor maps pipeline errors to HTTP status codes
func statusFor(err error) int {
	switch rag.StageOf(err) {
	case rag.StageNotFound:
		return http.StatusNotFound
	case rag.StagePreprocessing:
		return http.StatusBadRequest
	case rag.StageRetrieval, rag.StageRerank, rag.StageGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	writeJSON(w, code, map[string]string{
		"error": err.Error(),
		"stage": rag.StageOf(err),
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNilRanked(rs []rag.RankedResult) []rag.RankedResult {
	if rs == nil {
		return []rag.RankedResult{}
	}
	return rs
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler reports ready once the default partition is reachable
func (s *HTTPServer) readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.pipeline.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
