package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// writeErrorResponse writes a spec-shaped {"error": message} body. Only
// middleware that short-circuits before reaching the httpapi handlers
// (auth, panic recovery, the request-timeout guard) uses this; handler-level
// errors go through httpapi's richer per-error-type envelopes.
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Error().Err(err).Str("message", message).Msg("failed to encode middleware error response")
	}
}
