// Package httpapi wires the session manager, policy engine, snapshot
// registry, and action pipeline into the daemon's HTTP surface.
package httpapi

import (
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentmb/agentmb-daemon/internal/buffers"
	"github.com/agentmb/agentmb-daemon/internal/config"
	"github.com/agentmb/agentmb-daemon/internal/metrics"
	"github.com/agentmb/agentmb-daemon/internal/overrides"
	"github.com/agentmb/agentmb-daemon/internal/pipeline"
	"github.com/agentmb/agentmb-daemon/internal/policy"
	"github.com/agentmb/agentmb-daemon/internal/profilestore"
	"github.com/agentmb/agentmb-daemon/internal/recipe"
	"github.com/agentmb/agentmb-daemon/internal/registry"
	"github.com/agentmb/agentmb-daemon/internal/resolve"
	"github.com/agentmb/agentmb-daemon/internal/session"
)

// sessionExtras bundles the per-session state that does not belong on
// *session.Session itself (policy engine, audit/console/dialog rings, route
// table) so session stays a pure lifecycle type.
type sessionExtras struct {
	policy  *policy.Policy
	audit   *buffers.Ring
	console *buffers.Ring
	dialogs *buffers.Ring
	errors  *buffers.Ring
	routes  *buffers.RouteTable
}

// Server holds every component the HTTP handlers dispatch into.
type Server struct {
	cfg       *config.Config
	manager   *session.Manager
	registry  *registry.Registry
	resolver  *resolve.Resolver
	overrides *overrides.Manager
	pipeline  *pipeline.Pipeline
	profiles  *profilestore.Store
	recipes   *recipe.Store

	mu     sync.Mutex
	extras map[string]*sessionExtras

	draining bool
}

// NewServer builds a Server with all components wired together. It opens
// the sqlite-backed profile and recipe checkpoint stores under cfg.DataDir.
func NewServer(cfg *config.Config) (*Server, error) {
	reg := registry.New(cfg.SnapshotLRU)

	ov, err := overrides.New(cfg.OverridesPath, cfg.OverridesHotReload)
	if err != nil {
		return nil, err
	}
	resolver := resolve.New(reg, ov)

	profiles, err := profilestore.Open(filepath.Join(cfg.DataDir, "profiles.db"))
	if err != nil {
		return nil, err
	}
	recipes, err := recipe.Open(filepath.Join(cfg.DataDir, "recipes.db"))
	if err != nil {
		_ = profiles.Close()
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		manager:   session.NewManager(cfg),
		registry:  reg,
		resolver:  resolver,
		overrides: ov,
		profiles:  profiles,
		recipes:   recipes,
		extras:    make(map[string]*sessionExtras),
	}
	s.pipeline = pipeline.New(resolver, s.appendAudit)
	return s, nil
}

// Close releases the server's sqlite-backed stores (supervisor shutdown).
func (s *Server) Close() error {
	if s.overrides != nil {
		_ = s.overrides.Close()
	}
	err1 := s.profiles.Close()
	err2 := s.recipes.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Server) extrasFor(sessionID string) *sessionExtras {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.extras[sessionID]
	if !ok {
		e = &sessionExtras{
			policy:  policy.New(s.cfg.DefaultPolicyProfile, s.policyAuditEmitter(sessionID)),
			audit:   buffers.NewRing(s.cfg.RingBufferSize),
			console: buffers.NewRing(s.cfg.RingBufferSize),
			dialogs: buffers.NewRing(s.cfg.RingBufferSize),
			errors:  buffers.NewRing(s.cfg.RingBufferSize),
			routes:  buffers.NewRouteTable(),
		}
		s.extras[sessionID] = e
	}
	return e
}

func (s *Server) dropExtras(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.extras, sessionID)
	s.registry.GC(sessionID)
}

func (s *Server) policyAuditEmitter(sessionID string) policy.AuditEmitter {
	return func(event, domain string, fields map[string]any) {
		e := s.extrasFor(sessionID)
		entry := map[string]any{
			"type":   "policy",
			"event":  event,
			"domain": domain,
			"at":     time.Now().UTC().Format(time.RFC3339Nano),
		}
		for k, v := range fields {
			entry[k] = v
		}
		e.audit.Push(entry)
	}
}

func (s *Server) appendAudit(sessionID string, entry pipeline.AuditEntry) {
	e := s.extrasFor(sessionID)
	e.audit.Push(map[string]any{
		"type":        "action",
		"action_id":   entry.ActionID,
		"action":      entry.Action,
		"operator":    entry.Operator,
		"domain":      entry.Domain,
		"status":      entry.Status,
		"error":       entry.Error,
		"duration_ms": entry.DurationMs,
		"at":          entry.At.UTC().Format(time.RFC3339Nano),
	})
}

// Router builds the full HTTP route table.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /api/v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleSessionDestroy)
	mux.HandleFunc("POST /api/v1/sessions/{id}/seal", s.handleSessionSeal)
	mux.HandleFunc("POST /api/v1/sessions/{id}/handoff/start", s.handleHandoffStart)
	mux.HandleFunc("POST /api/v1/sessions/{id}/handoff/complete", s.handleHandoffComplete)
	mux.HandleFunc("GET /api/v1/sessions/{id}/mode", s.handleSessionMode)
	mux.HandleFunc("POST /api/v1/sessions/{id}/mode", s.handleSessionModeSet)

	mux.HandleFunc("GET /api/v1/sessions/{id}/pages", s.handlePagesList)
	mux.HandleFunc("POST /api/v1/sessions/{id}/pages", s.handlePageCreate)
	mux.HandleFunc("POST /api/v1/sessions/{id}/pages/switch", s.handlePageSwitch)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/pages", s.handlePageClose)

	mux.HandleFunc("GET /api/v1/sessions/{id}/policy", s.handlePolicyGet)
	mux.HandleFunc("POST /api/v1/sessions/{id}/policy", s.handlePolicySet)

	mux.HandleFunc("GET /api/v1/sessions/{id}/page_rev", s.handlePageRev)

	for _, verb := range actionVerbs {
		mux.HandleFunc("POST /api/v1/sessions/{id}/"+verb, s.makeActionHandler(verb))
	}

	mux.HandleFunc("PUT /api/v1/sessions/{id}/set_viewport", s.handleSetViewport)
	mux.HandleFunc("POST /api/v1/sessions/{id}/network_conditions", s.handleNetworkConditions)

	mux.HandleFunc("GET /api/v1/sessions/{id}/clipboard", s.handleClipboardGet)
	mux.HandleFunc("POST /api/v1/sessions/{id}/clipboard", s.handleClipboardSet)

	mux.HandleFunc("GET /api/v1/sessions/{id}/dialogs", s.handleDialogsGet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/dialogs", s.handleDialogsClear)
	mux.HandleFunc("GET /api/v1/sessions/{id}/console", s.handleConsoleGet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/console", s.handleConsoleClear)
	mux.HandleFunc("GET /api/v1/sessions/{id}/page_errors", s.handlePageErrorsGet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/page_errors", s.handlePageErrorsClear)

	mux.HandleFunc("GET /api/v1/sessions/{id}/cdp", s.handleCDPGet)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cdp", s.handleCDPPost)
	mux.HandleFunc("GET /api/v1/sessions/{id}/cdp/ws", s.handleCDPWebsocket)

	mux.HandleFunc("POST /api/v1/sessions/{id}/trace/start", s.handleTraceStart)
	mux.HandleFunc("POST /api/v1/sessions/{id}/trace/stop", s.handleTraceStop)

	mux.HandleFunc("POST /api/v1/sessions/{id}/route", s.handleRouteAdd)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/route", s.handleRouteRemove)
	mux.HandleFunc("GET /api/v1/sessions/{id}/routes", s.handleRoutesList)

	mux.HandleFunc("GET /api/v1/sessions/{id}/cookies", s.handleCookiesGet)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cookies", s.handleCookiesSet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/cookies", s.handleCookiesClear)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cookies/delete", s.handleCookiesDelete)

	mux.HandleFunc("GET /api/v1/sessions/{id}/storage_state", s.handleStorageStateGet)
	mux.HandleFunc("POST /api/v1/sessions/{id}/storage_state", s.handleStorageStateSet)

	mux.HandleFunc("GET /api/v1/sessions/{id}/settings", s.handleSettingsGet)

	mux.HandleFunc("GET /api/v1/profiles", s.handleProfilesGet)
	mux.HandleFunc("POST /api/v1/profiles/{name}/reset", s.handleProfileReset)

	return mux
}

// Drain marks the server as no longer accepting new sessions (supervisor
// graceful shutdown).
func (s *Server) Drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
}

// Manager exposes the session manager for the supervisor's shutdown path.
func (s *Server) Manager() *session.Manager { return s.manager }

// RefreshGauges updates the session-count and snapshot-element Prometheus
// gauges from current state (called periodically by the supervisor).
func (s *Server) RefreshGauges() {
	metrics.UpdateSessionMetrics(s.manager.Count())
	metrics.UpdateSnapshotMetrics(s.registry.TotalElements())
}
