package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth_NoToken_NoOp(t *testing.T) {
	s := &Server{config: Config{AuthToken: ""}}
	handler := s.requireAuth(capabilityAdmin, okHandler())

	req := httptest.NewRequest(http.MethodPost, "/cache/flush", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuth_AdminToken(t *testing.T) {
	s := &Server{config: Config{AuthToken: "admin-token-123"}}

	for _, level := range []capability{capabilityRead, capabilityAdmin} {
		handler := s.requireAuth(level, okHandler())
		req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
		req.Header.Set("Authorization", "Bearer admin-token-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRequireAuth_ReadTokenOnReadEndpoint(t *testing.T) {
	s := &Server{config: Config{AuthToken: "admin-token-123", ReadToken: "read-token-456"}}
	handler := s.requireAuth(capabilityRead, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	req.Header.Set("Authorization", "Bearer read-token-456")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuth_ReadTokenOnAdminEndpoint_Forbidden(t *testing.T) {
	s := &Server{config: Config{AuthToken: "admin-token-123", ReadToken: "read-token-456"}}
	handler := s.requireAuth(capabilityAdmin, okHandler())

	req := httptest.NewRequest(http.MethodPost, "/cache/flush", nil)
	req.Header.Set("Authorization", "Bearer read-token-456")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "forbidden", body["error"])
}

func TestRequireAuth_InvalidToken(t *testing.T) {
	s := &Server{config: Config{AuthToken: "admin-token-123", ReadToken: "read-token-456"}}
	handler := s.requireAuth(capabilityRead, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "unauthorized", body["error"])
}

func TestRequireAuth_MissingHeader(t *testing.T) {
	s := &Server{config: Config{AuthToken: "admin-token-123"}}
	handler := s.requireAuth(capabilityRead, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_MalformedHeader(t *testing.T) {
	s := &Server{config: Config{AuthToken: "admin-token-123"}}
	handler := s.requireAuth(capabilityRead, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
