package httpapi

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/agentmb/agentmb-daemon/internal/registry"
	"github.com/agentmb/agentmb-daemon/internal/resolve"
	"github.com/agentmb/agentmb-daemon/internal/types"
)

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body did not decode as JSON: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestWriteError_PreflightFailed(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, types.NewPreflightError("selector", "required", "selector is required"))
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body["error"] != "preflight_failed" {
		t.Errorf("error = %v, want preflight_failed", body["error"])
	}
}

func TestWriteError_PolicyDenied(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, &types.PolicyError{Reason: "cooldown", Domain: "example.com"})
	if rec.Code != 403 {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body["policy_event"] != "deny" {
		t.Errorf("policy_event = %v, want deny", body["policy_event"])
	}
}

func TestWriteError_StaleRef(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, &types.StaleRefError{RefID: "snap_1:e0", SnapshotPageRev: 0, CurrentPageRev: 1})
	if rec.Code != 409 {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body["error"] != "stale_ref" {
		t.Errorf("error = %v, want stale_ref", body["error"])
	}
}

// TestWriteError_BadRef mirrors registry.ParseRef's malformed-ref_id case,
// which must come back as a distinct outcome from stale_ref rather than
// falling through to the generic 500 driver_error.
func TestWriteError_BadRef(t *testing.T) {
	_, _, err := registry.ParseRef("not-a-ref")
	if !errors.Is(err, types.ErrBadRef) {
		t.Fatalf("ParseRef did not return ErrBadRef: %v", err)
	}

	rec := httptest.NewRecorder()
	writeError(rec, err)
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body["error"] != "bad_ref" {
		t.Errorf("error = %v, want bad_ref", body["error"])
	}
}

func TestWriteError_FrameNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, &resolve.FrameNotFoundError{FrameSelector: "name=missing", AvailableFrames: []string{"top"}})
	if rec.Code != 422 {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body["error"] != "frame_not_found" {
		t.Errorf("error = %v, want frame_not_found", body["error"])
	}
}

func TestWriteError_ActionFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, types.NewActionError("click", "#missing", "element not found", map[string]any{"recovery_hint": "retry"}, nil))
	if rec.Code != 422 {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body["error"] != "action_failure" {
		t.Errorf("error = %v, want action_failure", body["error"])
	}
	if body["recovery_hint"] != "retry" {
		t.Errorf("diagnostics were not flattened into the response body: %v", body)
	}
}

func TestWriteError_SentinelMappings(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"unauthorized", types.ErrUnauthorized, 401, "Unauthorized"},
		{"session sealed", types.ErrSessionSealed, 423, "session_sealed"},
		{"session not found", types.ErrSessionNotFound, 404, "not_found"},
		{"page not found", types.ErrPageNotFound, 404, "not_found"},
		{"no active page", types.ErrNoActivePage, 404, "not_found"},
		{"last page", types.ErrLastPage, 409, "last_page"},
		{"too many sessions", types.ErrTooManySessions, 409, "too_many_sessions"},
		{"unsupported launch mode", types.ErrUnsupportedLaunchMode, 409, "unsupported_for_mode"},
		{"driver error", types.ErrDriverError, 500, "driver_error"},
		{"unmapped error", errors.New("boom"), 500, "driver_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decodeErrorBody(t, rec)
			if body["error"] != tt.wantError {
				t.Errorf("error = %v, want %v", body["error"], tt.wantError)
			}
		})
	}
}
