// Package auth provides API key authentication middleware for the HTTP API.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// APIKeyHeader is the header carrying the API key
const APIKeyHeader = "X-API-Key"

// APIKey validates the X-API-Key header (or a Bearer token) against a single key.
type APIKey struct {
	key       string
	skipPaths map[string]bool
}

// NewAPIKey creates API key middleware. An empty key disables authentication.
func NewAPIKey(key string) *APIKey {
	return &APIKey{
		key: key,
		skipPaths: map[string]bool{
			"/healthz": true,
			"/readyz":  true,
		},
	}
}

// WithSkipPaths adds paths that do not require a key
func (a *APIKey) WithSkipPaths(paths ...string) *APIKey {
	for _, p := range paths {
		a.skipPaths[p] = true
	}
	return a
}

// Middleware returns the HTTP middleware
func (a *APIKey) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.key == "" || a.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := extractAPIKey(r)
		if apiKey == "" {
			unauthorized(w, "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(a.key)) != 1 {
			unauthorized(w, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractAPIKey reads the key from X-API-Key or an Authorization bearer token
func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
