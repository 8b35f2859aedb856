package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/agentmb/agentmb-daemon/internal/session"
	"github.com/agentmb/agentmb-daemon/internal/types"
)

type createSessionRequest struct {
	AgentID        string `json:"agent_id"`
	Mode           string `json:"mode"` // managed|attach|ephemeral
	Headless       *bool  `json:"headless"`
	CDPURL         string `json:"cdp_url"`
	ExecutablePath string `json:"executable_path"`
}

type sessionResponse struct {
	SessionID  string `json:"session_id"`
	LaunchMode string `json:"launch_mode"`
	State      string `json:"state"`
	CreatedAt  string `json:"created_at"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "daemon is draining, not accepting new sessions"})
		return
	}

	var req createSessionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	headless := s.cfg.Headless
	if req.Headless != nil {
		headless = *req.Headless
	}

	mode := session.LaunchManaged
	switch req.Mode {
	case "attach":
		mode = session.LaunchAttach
	case "ephemeral":
		mode = session.LaunchEphemeral
	}

	sess, err := s.manager.Create(session.CreateOptions{
		AgentID:        req.AgentID,
		Mode:           mode,
		Headless:       headless,
		CDPURL:         req.CDPURL,
		ExecutablePath: req.ExecutablePath,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func toSessionResponse(sess *session.Session) sessionResponse {
	return sessionResponse{
		SessionID:  sess.ID,
		LaunchMode: string(sess.LaunchMode),
		State:      string(sess.State()),
		CreatedAt:  sess.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	ids := s.manager.List()
	out := make([]sessionResponse, 0, len(ids))
	for _, id := range ids {
		if sess, err := s.manager.Get(id); err == nil {
			out = append(out, toSessionResponse(sess))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleSessionDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Destroy(id); err != nil {
		writeError(w, err)
		return
	}
	s.dropExtras(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionSeal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	sess.Seal()
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleSessionMode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": string(sess.LaunchMode)})
}

type modeSetRequest struct {
	Mode string `json:"mode"` // "headed" | "headless"
}

// handleSessionModeSet relaunches the session's browser in the requested
// display mode, reusing its profile directory so disk-backed storage
// survives the transition (see Session.Relaunch).
func (s *Server) handleSessionModeSet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.IsSealed() {
		writeError(w, types.ErrSessionSealed)
		return
	}

	var req modeSetRequest
	if decErr := decodeJSON(r, &req); decErr != nil || (req.Mode != "headed" && req.Mode != "headless") {
		writeError(w, types.NewPreflightError("mode", "enum", `mode must be "headed" or "headless"`))
		return
	}

	sess.LockOperation()
	defer sess.UnlockOperation()

	if err := sess.Relaunch(s.cfg, req.Mode == "headless"); err != nil {
		writeError(w, types.NewDriverError("mode", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"mode": req.Mode})
}

type handoffStartResponse struct {
	SessionID    string         `json:"session_id"`
	StorageState map[string]any `json:"storage_state"`
}

// handleHandoffStart exports the session's storage state and relaunches its
// browser headed, so a human can take over the same profile directory and
// cookies for a step the agent can't complete on its own (e.g. solving a
// challenge). The managed→headed transition is a full driver teardown and
// relaunch, not a CDP-level headless toggle — go-rod has no such toggle — so
// cookies are re-applied on the new headed page from the exported state.
func (s *Server) handleHandoffStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.IsSealed() {
		writeError(w, types.ErrSessionSealed)
		return
	}

	sess.LockOperation()
	defer sess.UnlockOperation()

	page, release, err := sess.ActivePage()
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := page.Target.StorageState()
	release()
	if err != nil {
		writeError(w, types.NewDriverError("handoff_start", err))
		return
	}

	sess.SetHandoffHeadless(sess.Driver.Headless)
	if err := sess.Relaunch(s.cfg, false); err != nil {
		writeError(w, types.NewDriverError("handoff_start", err))
		return
	}

	if cookiesRaw, ok := state["cookies"]; ok {
		if newPage, release2, pageErr := sess.ActivePage(); pageErr == nil {
			_ = applyStorageStateCookies(newPage, cookiesRaw)
			release2()
		}
	}

	writeJSON(w, http.StatusOK, handoffStartResponse{SessionID: sess.ID, StorageState: state})
}

type handoffCompleteRequest struct {
	StorageState map[string]any `json:"storage_state"`
}

// handleHandoffComplete captures whatever state the handed-off-to human left
// behind, relaunches the browser back to the headless mode recorded at
// handoff_start, and re-applies that state (or an explicit override in the
// request body) onto the fresh headless page.
func (s *Server) handleHandoffComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req handoffCompleteRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sess.LockOperation()
	defer sess.UnlockOperation()

	page, release, err := sess.ActivePage()
	if err != nil {
		writeError(w, err)
		return
	}
	capturedState, captureErr := page.Target.StorageState()
	release()

	if err := sess.Relaunch(s.cfg, sess.HandoffHeadless()); err != nil {
		writeError(w, types.NewDriverError("handoff_complete", err))
		return
	}

	cookiesRaw, ok := req.StorageState["cookies"]
	if !ok && captureErr == nil {
		cookiesRaw, ok = capturedState["cookies"]
	}
	if ok {
		newPage, release2, pageErr := sess.ActivePage()
		if pageErr != nil {
			writeError(w, pageErr)
			return
		}
		defer release2()
		if err := applyStorageStateCookies(newPage, cookiesRaw); err != nil {
			writeError(w, types.NewDriverError("handoff_complete", err))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.ID, "status": "ok"})
}
