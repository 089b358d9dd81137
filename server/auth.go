package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// capability is the access level a control endpoint demands.
type capability int

const (
	capabilityRead capability = iota
	capabilityAdmin
)

// requireAuth wraps a control handler with Bearer token authentication.
// The admin token satisfies every capability; the read token satisfies
// capabilityRead only. When AuthToken is empty the wrapper is a no-op
// (allows unauthenticated access).
func (s *Server) requireAuth(level capability, next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	adminToken := []byte(s.config.AuthToken)
	readToken := []byte(s.config.ReadToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		isAdmin := subtle.ConstantTimeCompare(provided, adminToken) == 1
		isRead := len(readToken) > 0 && subtle.ConstantTimeCompare(provided, readToken) == 1

		switch {
		case isAdmin:
			next.ServeHTTP(w, r)
		case isRead && level == capabilityRead:
			next.ServeHTTP(w, r)
		case isRead:
			forbiddenResponse(w, "admin token required")
		default:
			unauthorizedResponse(w)
		}
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}

func forbiddenResponse(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{"error": "forbidden", "reason": reason}) //nolint:errcheck
}
