package httpapi

import (
	"net/http"

	"github.com/agentmb/agentmb-daemon/internal/pagerev"
	"github.com/agentmb/agentmb-daemon/internal/types"
)

func (s *Server) handlePagesList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pages":          sess.ListPages(),
		"active_page_id": sess.ActivePageID,
		"page_rev":       sess.CurrentPageRev(),
	})
}

func (s *Server) handlePageCreate(w http.ResponseWriter, r *http.Request) {
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

	var body struct {
		MakeActive *bool `json:"make_active"`
	}
	_ = decodeJSON(r, &body)
	makeActive := true
	if body.MakeActive != nil {
		makeActive = *body.MakeActive
	}

	target, err := sess.Driver.NewPage()
	if err != nil {
		writeError(w, types.NewDriverError("page_create", err))
		return
	}
	pageID := sess.AddPage(target, makeActive)
	sess.BumpPageRev()

	writeJSON(w, http.StatusCreated, map[string]any{
		"page_id":        pageID,
		"active_page_id": sess.ActivePageID,
		"page_rev":       sess.CurrentPageRev(),
	})
}

func (s *Server) handlePageSwitch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		PageID string `json:"page_id"`
	}
	if err := decodeJSON(r, &body); err != nil || body.PageID == "" {
		writeError(w, types.NewPreflightError("page_id", "required", "page_id is required"))
		return
	}

	if err := sess.SwitchPage(body.PageID); err != nil {
		writeError(w, err)
		return
	}
	pagerev.BumpOnSwitch(sess.BumpPageRev)

	writeJSON(w, http.StatusOK, map[string]any{
		"active_page_id": sess.ActivePageID,
		"page_rev":       sess.CurrentPageRev(),
	})
}

func (s *Server) handlePageClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		PageID string `json:"page_id"`
	}
	_ = decodeJSON(r, &body)
	if body.PageID == "" {
		body.PageID = sess.ActivePageID
	}

	if err := sess.ClosePage(body.PageID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_page_id": sess.ActivePageID,
		"page_rev":       sess.CurrentPageRev(),
	})
}

func (s *Server) handlePageRev(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page_rev": sess.CurrentPageRev()})
}
