// Package middleware provides HTTP middleware for the daemon.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/agentmb/agentmb-daemon/internal/config"
)

// APIToken returns middleware that validates requests against the daemon's
// shared API token, accepted either as X-API-Token or as an
// "Authorization: Bearer <token>" header. /health is
// always exempt so load balancers and liveness probes never need the token.
//
// Security: tokens are compared by hashing both sides and running them
// through constant-time comparison, so neither the token's length nor its
// content is observable from response timing.
func APIToken(cfg *config.Config) func(http.Handler) http.Handler {
	expectedHash := sha256.Sum256([]byte(cfg.APIToken))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.APIToken == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get("X-API-Token")
			if token == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					token = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			providedHash := sha256.Sum256([]byte(token))
			if subtle.ConstantTimeCompare(providedHash[:], expectedHash[:]) != 1 {
				writeErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
