package httpapi

import (
	"net/http"

	"github.com/agentmb/agentmb-daemon/internal/policy"
	"github.com/agentmb/agentmb-daemon/internal/types"
)

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}
	info := s.extrasFor(id).policy.Get()
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePolicySet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Profile        string `json:"profile"`
		AllowSensitive *bool  `json:"allow_sensitive_actions"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, types.NewPreflightError("body", "json", "malformed request body"))
		return
	}
	if body.Profile == "" {
		writeError(w, types.NewPreflightError("profile", "required", "profile is required"))
		return
	}
	switch body.Profile {
	case policy.ProfileSafe, policy.ProfilePermissive, policy.ProfileDisabled:
	default:
		writeError(w, types.NewPreflightError("profile", "enum", "profile must be one of safe, permissive, disabled"))
		return
	}

	s.extrasFor(id).policy.Set(body.Profile, body.AllowSensitive)
	writeJSON(w, http.StatusOK, s.extrasFor(id).policy.Get())
}
