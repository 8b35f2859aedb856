package httpapi

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/agentmb/agentmb-daemon/internal/driver"
	"github.com/agentmb/agentmb-daemon/internal/security"
	"github.com/agentmb/agentmb-daemon/internal/session"
	"github.com/agentmb/agentmb-daemon/internal/types"
)

// parseCookiesPayload converts the generic JSON shape used by the cookies
// and storage_state endpoints into driver cookies, keeping rod/proto types
// out of this package.
func parseCookiesPayload(raw any) ([]driver.Cookie, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("cookies: expected an array, got %T", raw)
	}
	out := make([]driver.Cookie, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cookies: expected an object, got %T", item)
		}
		c := driver.Cookie{
			Name:     stringField(m, "name"),
			Value:    stringField(m, "value"),
			Domain:   stringField(m, "domain"),
			Path:     stringField(m, "path"),
			SameSite: stringField(m, "sameSite"),
		}
		if v, ok := m["expires"].(float64); ok {
			c.Expires = v
		}
		if v, ok := m["httpOnly"].(bool); ok {
			c.HTTPOnly = v
		}
		if v, ok := m["secure"].(bool); ok {
			c.Secure = v
		}
		out = append(out, c)
	}
	return out, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func cookiesToPayload(cookies []driver.Cookie) []map[string]any {
	out := make([]map[string]any, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, map[string]any{
			"name":     c.Name,
			"value":    c.Value,
			"domain":   c.Domain,
			"path":     c.Path,
			"expires":  c.Expires,
			"httpOnly": c.HTTPOnly,
			"secure":   c.Secure,
			"sameSite": c.SameSite,
		})
	}
	return out
}

// applyStorageStateCookies restores cookies captured by handoff_start onto
// the given page, used by handoff_complete and storage_state set. An
// imported cookie's domain is clamped to the page's own host so a stored
// storage_state blob from one origin can't plant a cookie scoped to a
// public suffix (e.g. ".co.uk") and leak into unrelated sites sharing it.
func applyStorageStateCookies(page *session.Page, cookiesRaw any) error {
	cookies, err := parseCookiesPayload(cookiesRaw)
	if err != nil {
		return err
	}

	if pageURL, _, infoErr := page.Target.Info(); infoErr == nil {
		if parsed, parseErr := url.Parse(pageURL); parseErr == nil && parsed.Hostname() != "" {
			host := parsed.Hostname()
			for i := range cookies {
				if cookies[i].Domain != "" {
					cookies[i].Domain = security.SanitizeCookieDomain(cookies[i].Domain, host)
				}
			}
		}
	}

	return page.Target.SetCookies(cookies)
}

func (s *Server) handleCookiesGet(w http.ResponseWriter, r *http.Request) {
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

	cookies, err := page.Target.Cookies()
	if err != nil {
		writeError(w, types.NewDriverError("cookies_get", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cookies": cookiesToPayload(cookies)})
}

func (s *Server) handleCookiesSet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Cookies any `json:"cookies"`
	}
	if r.Body != nil {
		_ = decodeJSON(r, &body)
	}

	page, release, err := sess.ActivePage()
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	if err := applyStorageStateCookies(page, body.Cookies); err != nil {
		writeError(w, types.NewDriverError("cookies_set", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCookiesClear(w http.ResponseWriter, r *http.Request) {
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

	if err := page.Target.ClearCookies(); err != nil {
		writeError(w, types.NewDriverError("cookies_clear", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCookiesDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Names []string `json:"names"`
	}
	if r.Body != nil {
		_ = decodeJSON(r, &body)
	}

	page, release, err := sess.ActivePage()
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	existing, err := page.Target.Cookies()
	if err != nil {
		writeError(w, types.NewDriverError("cookies_delete", err))
		return
	}
	drop := make(map[string]bool, len(body.Names))
	for _, n := range body.Names {
		drop[n] = true
	}
	kept := make([]driver.Cookie, 0, len(existing))
	for _, c := range existing {
		if !drop[c.Name] {
			kept = append(kept, c)
		}
	}
	if err := page.Target.ClearCookies(); err != nil {
		writeError(w, types.NewDriverError("cookies_delete", err))
		return
	}
	if err := page.Target.SetCookies(kept); err != nil {
		writeError(w, types.NewDriverError("cookies_delete", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStorageStateGet(w http.ResponseWriter, r *http.Request) {
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

	state, err := page.Target.StorageState()
	if err != nil {
		writeError(w, types.NewDriverError("storage_state_get", err))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleStorageStateSet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body map[string]any
	if r.Body != nil {
		_ = decodeJSON(r, &body)
	}

	page, release, err := sess.ActivePage()
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	if cookiesRaw, ok := body["cookies"]; ok {
		if err := applyStorageStateCookies(page, cookiesRaw); err != nil {
			writeError(w, types.NewDriverError("storage_state_set", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
