package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/agentmb/agentmb-daemon/internal/buffers"
	"github.com/agentmb/agentmb-daemon/internal/security"
	"github.com/agentmb/agentmb-daemon/internal/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.manager.Count(),
		"at":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSetViewport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Width <= 0 || body.Height <= 0 {
		writeError(w, types.NewPreflightError("width/height", "positiveInt", "width and height must be positive integers"))
		return
	}

	page, release, err := sess.ActivePage()
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	if err := page.Target.SetViewport(body.Width, body.Height); err != nil {
		writeError(w, types.NewDriverError("set_viewport", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleNetworkConditions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Offline       bool    `json:"offline"`
		LatencyMs     int     `json:"latency_ms"`
		DownloadKbps  float64 `json:"download_kbps"`
		UploadKbps    float64 `json:"upload_kbps"`
	}
	_ = decodeJSON(r, &body)

	page, release, err := sess.ActivePage()
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	if err := page.Target.SetNetworkConditions(r.Context(), body.Offline, body.LatencyMs, body.DownloadKbps, body.UploadKbps); err != nil {
		writeError(w, types.NewDriverError("network_conditions", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClipboardGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	page, release, err := sess.ActivePage()
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	text, err := page.Target.ReadClipboard(r.Context())
	if err != nil {
		writeError(w, types.NewDriverError("clipboard_get", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"text": text})
}

func (s *Server) handleClipboardSet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, types.NewPreflightError("text", "required", "text is required"))
		return
	}

	page, release, err := sess.ActivePage()
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	if err := page.Target.WriteClipboard(r.Context(), body.Text); err != nil {
		writeError(w, types.NewDriverError("clipboard_set", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func ringHandler(ringOf func(*sessionExtras) *buffers.Ring) func(*Server, http.ResponseWriter, *http.Request) {
	return func(s *Server, w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := s.manager.Get(id); err != nil {
			writeError(w, err)
			return
		}
		ring := ringOf(s.extrasFor(id))
		writeJSON(w, http.StatusOK, map[string]any{"entries": ring.Tail(ring.Len())})
	}
}

func ringClearHandler(ringOf func(*sessionExtras) *buffers.Ring) func(*Server, http.ResponseWriter, *http.Request) {
	return func(s *Server, w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := s.manager.Get(id); err != nil {
			writeError(w, err)
			return
		}
		ringOf(s.extrasFor(id)).Clear()
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func (s *Server) handleDialogsGet(w http.ResponseWriter, r *http.Request) {
	ringHandler(func(e *sessionExtras) *buffers.Ring { return e.dialogs })(s, w, r)
}

func (s *Server) handleDialogsClear(w http.ResponseWriter, r *http.Request) {
	ringClearHandler(func(e *sessionExtras) *buffers.Ring { return e.dialogs })(s, w, r)
}

func (s *Server) handleConsoleGet(w http.ResponseWriter, r *http.Request) {
	ringHandler(func(e *sessionExtras) *buffers.Ring { return e.console })(s, w, r)
}

func (s *Server) handleConsoleClear(w http.ResponseWriter, r *http.Request) {
	ringClearHandler(func(e *sessionExtras) *buffers.Ring { return e.console })(s, w, r)
}

func (s *Server) handlePageErrorsGet(w http.ResponseWriter, r *http.Request) {
	ringHandler(func(e *sessionExtras) *buffers.Ring { return e.errors })(s, w, r)
}

func (s *Server) handlePageErrorsClear(w http.ResponseWriter, r *http.Request) {
	ringClearHandler(func(e *sessionExtras) *buffers.Ring { return e.errors })(s, w, r)
}

func (s *Server) handleCDPGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"note": "use POST to issue a raw CDP command, or GET .../cdp/ws to attach over websocket",
	})
}

func (s *Server) handleCDPPost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Method == "" {
		writeError(w, types.NewPreflightError("method", "required", "method is required"))
		return
	}

	page, release, err := sess.ActivePage()
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	raw, err := page.Target.CallCDP(r.Context(), body.Method, body.Params)
	if err != nil {
		writeError(w, types.NewDriverError("cdp", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleTraceStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Categories []string `json:"categories"`
	}
	_ = decodeJSON(r, &body)
	if len(body.Categories) == 0 {
		body.Categories = []string{"devtools.timeline"}
	}

	page, release, err := sess.ActivePage()
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	if err := page.Target.StartTrace(body.Categories); err != nil {
		writeError(w, types.NewDriverError("trace_start", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "tracing"})
}

func (s *Server) handleTraceStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	page, release, err := sess.ActivePage()
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	raw, err := page.Target.StopTrace(r.Context())
	if err != nil {
		writeError(w, types.NewDriverError("trace_stop", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleRouteAdd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}

	var body buffers.RouteEntry
	if err := decodeJSON(r, &body); err != nil || body.Pattern == "" {
		writeError(w, types.NewPreflightError("pattern", "required", "pattern is required"))
		return
	}
	if err := security.ValidateHeaders(body.Headers); err != nil {
		writeError(w, types.NewPreflightError("headers", "invalid", err.Error()))
		return
	}

	s.extrasFor(id).routes.Route(body)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRouteRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Pattern string `json:"pattern"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Pattern == "" {
		writeError(w, types.NewPreflightError("pattern", "required", "pattern is required"))
		return
	}

	removed := s.extrasFor(id).routes.Unroute(body.Pattern)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleRoutesList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": s.extrasFor(id).routes.Routes()})
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":    sess.AgentID,
		"launch_mode": string(sess.LaunchMode),
		"headless":    s.cfg.Headless,
	})
}

func (s *Server) handleProfilesGet(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.profiles.List()
	if err != nil {
		writeError(w, types.NewDriverError("profiles_list", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *Server) handleProfileReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	profile, err := s.profiles.Get(name)
	if err != nil {
		writeError(w, types.NewDriverError("profile_reset", err))
		return
	}
	if profile == nil {
		writeError(w, types.ErrProfileNotFound)
		return
	}
	if err := os.RemoveAll(profile.Dir); err != nil {
		writeError(w, types.NewDriverError("profile_reset", err))
		return
	}
	if err := s.profiles.Delete(name); err != nil {
		writeError(w, types.NewDriverError("profile_reset", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": name, "status": "reset"})
}
