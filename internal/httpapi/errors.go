package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentmb/agentmb-daemon/internal/resolve"
	"github.com/agentmb/agentmb-daemon/internal/types"
)

// writeJSON writes a JSON body with the given status code.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON decodes a request body into v, tolerating an absent or empty
// body (handlers treat a missing body as "use defaults").
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err.Error() != "EOF" {
		return err
	}
	return nil
}

// writeError maps an internal error to its HTTP error envelope and
// status code.
func writeError(w http.ResponseWriter, err error) {
	var preflightErr *types.PreflightError
	if errors.As(err, &preflightErr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "preflight_failed",
			"field":      preflightErr.Field,
			"constraint": preflightErr.Constraint,
			"message":    preflightErr.Message,
		})
		return
	}

	var policyErr *types.PolicyError
	if errors.As(err, &policyErr) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":        policyErr.Error(),
			"policy_event": "deny",
		})
		return
	}

	var staleErr *types.StaleRefError
	if errors.As(err, &staleErr) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":               "stale_ref",
			"ref_id":              staleErr.RefID,
			"snapshot_page_rev":   staleErr.SnapshotPageRev,
			"current_page_rev":    staleErr.CurrentPageRev,
			"suggestion":          "call snapshot_map again to capture a fresh ref for the current page_rev",
		})
		return
	}

	var frameErr *resolve.FrameNotFoundError
	if errors.As(err, &frameErr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":             "frame_not_found",
			"frame_selector":    frameErr.FrameSelector,
			"available_frames":  frameErr.AvailableFrames,
		})
		return
	}

	var actionErr *types.ActionError
	if errors.As(err, &actionErr) {
		body := map[string]any{
			"error":   "action_failure",
			"message": actionErr.Message,
		}
		for k, v := range actionErr.Diagnostics {
			body[k] = v
		}
		writeJSON(w, http.StatusUnprocessableEntity, body)
		return
	}

	switch {
	case errors.Is(err, types.ErrBadRef):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "bad_ref",
			"message": err.Error(),
		})
	case errors.Is(err, types.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
	case errors.Is(err, types.ErrSessionSealed):
		writeJSON(w, http.StatusLocked, map[string]any{"error": "session_sealed"})
	case errors.Is(err, types.ErrSessionNotFound),
		errors.Is(err, types.ErrPageNotFound),
		errors.Is(err, types.ErrSnapshotNotFound),
		errors.Is(err, types.ErrElementNotFound),
		errors.Is(err, types.ErrNoActivePage),
		errors.Is(err, types.ErrProfileNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
	case errors.Is(err, types.ErrLastPage):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "last_page",
			"message": err.Error(),
		})
	case errors.Is(err, types.ErrTooManySessions):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "too_many_sessions",
			"message": err.Error(),
		})
	case errors.Is(err, types.ErrUnsupportedLaunchMode):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "unsupported_for_mode",
			"message": err.Error(),
		})
	case errors.Is(err, types.ErrDriverError):
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "driver_error",
			"message": err.Error(),
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "driver_error",
			"message": err.Error(),
		})
	}
}
