// Package session manages the lifecycle of browser sessions: creation under
// managed/attach/ephemeral launch modes, multi-page state, sealing, and
// reference-counted two-phase destroy so in-flight actions never race a
// closing driver.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentmb/agentmb-daemon/internal/config"
	"github.com/agentmb/agentmb-daemon/internal/driver"
	"github.com/agentmb/agentmb-daemon/internal/security"
	"github.com/agentmb/agentmb-daemon/internal/types"
)

// maxPageReferences bounds concurrent in-flight references to a session's
// active page, guarding against runaway growth from bugs or abuse.
const maxPageReferences = 100

// LaunchMode is how a session's driver came into being.
type LaunchMode string

const (
	LaunchManaged   LaunchMode = "managed"
	LaunchAttach    LaunchMode = "attach"
	LaunchEphemeral LaunchMode = "ephemeral"
)

// State is a session's lifecycle state.
type State string

const (
	StateLive   State = "live"
	StateZombie State = "zombie"
	StateSealed State = "sealed"
)

// Page tracks one open page/tab within a session.
type Page struct {
	ID     string
	Target *driver.Target
}

// Session is a persistent, agent-addressable browser context. At most one
// action may run against a session at a time; cross-session work is fully
// parallel.
//
// Lock ordering: always acquire opMu before mu when both are needed. opMu
// serializes actions on the session; mu protects the Pages/ActivePageID
// fields. Never hold mu during slow driver I/O.
type Session struct {
	ID         string
	AgentID    string
	LaunchMode LaunchMode
	Driver     *driver.Driver
	ProfileDir string

	CreatedAt time.Time
	lastUsed  atomic.Int64

	mu           sync.Mutex
	Pages        map[string]*Page
	ActivePageID string

	// handoffHeadless remembers the headless flag in effect before a
	// handoff_start relaunch, so handoff_complete's relaunch restores it.
	handoffHeadless bool

	PageRev atomic.Int64

	sealed  atomic.Bool
	zombie  atomic.Bool
	closing atomic.Bool

	refCount atomic.Int32

	// opMu serializes actions dispatched against this session.
	opMu sync.Mutex

	// ActionSeq is the strictly-monotonic per-session action_id counter used
	// for audit entries.
	ActionSeq atomic.Int64
}

// Manager owns the set of live sessions and their cleanup.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	config   *config.Config
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a session manager and starts its background TTL sweep.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		config:   cfg,
		stopCh:   make(chan struct{}),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.cleanupRoutine()
	}()

	log.Info().
		Dur("ttl", cfg.SessionTTL).
		Dur("cleanup_interval", cfg.SessionCleanupInterval).
		Int("max_sessions", cfg.MaxSessions).
		Msg("session manager initialized")

	return m
}

// CreateOptions configures how a new session's driver is obtained.
type CreateOptions struct {
	AgentID        string
	Mode           LaunchMode
	Headless       bool
	CDPURL         string // required for LaunchAttach
	ExecutablePath string
}

// Create launches (or attaches) a driver and registers a new session under a
// fresh opaque ID.
func (m *Manager) Create(opts CreateOptions) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		return nil, types.ErrTooManySessions
	}
	m.mu.Unlock()

	id := security.NewOpaqueID("sess")

	var (
		drv        *driver.Driver
		profileDir string
		err        error
	)

	switch opts.Mode {
	case LaunchAttach:
		drv, err = driver.Attach(opts.CDPURL)
	case LaunchEphemeral:
		profileDir = filepath.Join(m.config.DataDir, "agentmb-eph-"+id)
		if mkErr := os.MkdirAll(profileDir, 0o700); mkErr != nil {
			return nil, fmt.Errorf("create ephemeral profile dir: %w", mkErr)
		}
		drv, err = driver.LaunchManaged(m.config, profileDir, opts.Headless, false, "", opts.ExecutablePath)
	default:
		opts.Mode = LaunchManaged
		profileDir = filepath.Join(m.config.DataDir, "profiles", id)
		if mkErr := os.MkdirAll(profileDir, 0o700); mkErr != nil {
			return nil, fmt.Errorf("create session profile dir: %w", mkErr)
		}
		drv, err = driver.LaunchManaged(m.config, profileDir, opts.Headless, false, "", opts.ExecutablePath)
	}
	if err != nil {
		if profileDir != "" && opts.Mode == LaunchEphemeral {
			os.RemoveAll(profileDir)
		}
		return nil, err
	}

	page, err := drv.NewPage()
	if err != nil {
		drv.Close()
		if profileDir != "" && opts.Mode == LaunchEphemeral {
			os.RemoveAll(profileDir)
		}
		return nil, err
	}
	pageID := security.NewOpaqueID("page")

	sess := &Session{
		ID:         id,
		AgentID:    opts.AgentID,
		LaunchMode: opts.Mode,
		Driver:     drv,
		ProfileDir: profileDir,
		CreatedAt:  time.Now(),
		Pages:      map[string]*Page{pageID: {ID: pageID, Target: page}},
		ActivePageID: pageID,
	}
	sess.lastUsed.Store(sess.CreatedAt.UnixNano())
	sess.PageRev.Store(0)

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		drv.Close()
		return nil, types.ErrSessionNotFound // id collision is practically impossible; treat as internal error
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	log.Info().
		Str("session_id", id).
		Str("mode", string(opts.Mode)).
		Int("total_sessions", m.Count()).
		Msg("session created")

	return sess, nil
}

// Get returns a live, non-closing session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	sess, exists := m.sessions[id]
	if !exists {
		m.mu.RUnlock()
		return nil, types.ErrSessionNotFound
	}
	closing := sess.closing.Load()
	m.mu.RUnlock()

	if closing {
		return nil, types.ErrSessionNotFound
	}

	sess.Touch()
	return sess, nil
}

// Destroy closes a session's resources. Attach-mode sessions only
// disconnect; managed/ephemeral sessions close the driver process and, for
// ephemeral, remove the profile directory.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	sess, exists := m.sessions[id]
	if exists {
		sess.closing.Store(true)
	}
	m.mu.Unlock()

	if !exists {
		return types.ErrSessionNotFound
	}

	if !sess.waitForReferences(5 * time.Second) {
		log.Warn().
			Str("session_id", id).
			Int32("ref_count", sess.refCount.Load()).
			Msg("session destroy timed out waiting for references, marked for background cleanup")
		return types.ErrSessionInUse
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	closeSessionResources(sess)

	log.Info().
		Str("session_id", id).
		Dur("lifetime", time.Since(sess.CreatedAt)).
		Msg("session destroyed")

	return nil
}

func closeSessionResources(sess *Session) {
	sess.mu.Lock()
	pages := sess.Pages
	sess.Pages = nil
	sess.mu.Unlock()

	for _, p := range pages {
		if p.Target != nil {
			_ = sess.Driver.ClosePage(p.Target)
		}
	}

	if sess.Driver != nil {
		if err := sess.Driver.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("error closing driver during destroy")
		}
	}

	if sess.LaunchMode == LaunchEphemeral && sess.ProfileDir != "" {
		if err := os.RemoveAll(sess.ProfileDir); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Str("dir", sess.ProfileDir).
				Msg("failed to remove ephemeral profile directory")
		}
	}
}

// Seal irreversibly marks a session sealed: all further mutating actions
// return 423 session_sealed, but reads and destroy still work.
func (s *Session) Seal() {
	s.sealed.Store(true)
}

// IsSealed reports whether the session has been sealed.
func (s *Session) IsSealed() bool {
	return s.sealed.Load()
}

// MarkZombie flags the session's driver connection as lost (e.g. attach
// target disconnected unexpectedly). Zombie sessions reject new actions with
// 404-equivalent semantics but remain listable for diagnosis.
func (s *Session) MarkZombie() {
	s.zombie.Store(true)
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	if s.sealed.Load() {
		return StateSealed
	}
	if s.zombie.Load() {
		return StateZombie
	}
	return StateLive
}

// List returns all active session IDs.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.config.SessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

// cleanupExpired closes sessions past their TTL. Two-phase: mark-and-remove
// under lock, then close resources in parallel outside the lock.
func (m *Manager) cleanupExpired() {
	now := time.Now()

	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if now.Sub(sess.LastUsedTime()) > m.config.SessionTTL {
			sess.closing.Store(true)
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, sess := range expired {
		sess := sess
		eg.Go(func() error {
			if !sess.waitForReferences(2 * time.Second) {
				log.Warn().Str("session_id", sess.ID).Msg("cleanup: references still held, closing anyway")
			}
			closeSessionResources(sess)
			log.Info().
				Str("session_id", sess.ID).
				Dur("lifetime", now.Sub(sess.CreatedAt)).
				Msg("session expired and cleaned up")
			return nil
		})
	}
	_ = eg.Wait()

	log.Debug().
		Int("expired_count", len(expired)).
		Int("remaining", remaining).
		Msg("session cleanup completed")
}

// Close shuts down the manager, closing every live session in parallel.
func (m *Manager) Close() error {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if len(sessions) == 0 {
		log.Info().Msg("session manager closed")
		return nil
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, sess := range sessions {
		sess := sess
		eg.Go(func() error {
			closeSessionResources(sess)
			log.Debug().Str("session_id", sess.ID).Msg("session closed during shutdown")
			return nil
		})
	}
	_ = eg.Wait()

	log.Info().Msg("session manager closed")
	return nil
}

// Touch refreshes the session's last-used timestamp.
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// LastUsedTime returns the last-used timestamp.
func (s *Session) LastUsedTime() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// ActivePage returns the session's currently active page, with reference
// counting so it cannot be closed mid-use. Caller must call release().
func (s *Session) ActivePage() (p *Page, release func(), err error) {
	s.mu.Lock()
	if s.closing.Load() || s.Pages == nil {
		s.mu.Unlock()
		return nil, nil, types.ErrSessionNotFound
	}
	page, ok := s.Pages[s.ActivePageID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, types.ErrNoActivePage
	}
	if s.refCount.Load() >= maxPageReferences {
		s.mu.Unlock()
		return nil, nil, types.ErrTooManySessions
	}
	s.refCount.Add(1)
	s.mu.Unlock()

	var once sync.Once
	return page, func() { once.Do(func() { s.releasePage() }) }, nil
}

func (s *Session) releasePage() {
	if n := s.refCount.Add(-1); n < 0 {
		s.refCount.Store(0)
		log.Error().Str("session_id", s.ID).Msg("page reference count went negative")
	}
}

// AddPage registers a newly opened page and
// optionally switches the active page to it.
func (s *Session) AddPage(t *driver.Target, makeActive bool) string {
	id := security.NewOpaqueID("page")
	s.mu.Lock()
	s.Pages[id] = &Page{ID: id, Target: t}
	if makeActive {
		s.ActivePageID = id
	}
	s.mu.Unlock()
	return id
}

// ClosePage closes a non-active-or-active page by ID. Refuses to close the
// session's last remaining page (cannot close the last page).
func (s *Session) ClosePage(id string) error {
	s.mu.Lock()
	if len(s.Pages) <= 1 {
		s.mu.Unlock()
		return types.ErrLastPage
	}
	page, ok := s.Pages[id]
	if !ok {
		s.mu.Unlock()
		return types.ErrPageNotFound
	}
	delete(s.Pages, id)
	if s.ActivePageID == id {
		for otherID := range s.Pages {
			s.ActivePageID = otherID
			break
		}
	}
	s.mu.Unlock()

	return s.Driver.ClosePage(page.Target)
}

// SwitchPage changes which page is active for subsequent actions.
func (s *Session) SwitchPage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Pages[id]; !ok {
		return types.ErrPageNotFound
	}
	s.ActivePageID = id
	return nil
}

// ListPages returns the IDs of all open pages.
func (s *Session) ListPages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.Pages))
	for id := range s.Pages {
		ids = append(ids, id)
	}
	return ids
}

// BumpPageRev advances the session's page-revision counter. Called only on
// top-level navigation commit, a subframe nav with load complete, a page
// switch, or a new page with committed load — never on DOM
// mutation, hash change, or network activity alone.
func (s *Session) BumpPageRev() int64 {
	return s.PageRev.Add(1)
}

// CurrentPageRev reads the session's page-revision counter.
func (s *Session) CurrentPageRev() int64 {
	return s.PageRev.Load()
}

// NextActionID returns the next strictly-monotonic action_id for this
// session's audit trail.
func (s *Session) NextActionID() int64 {
	return s.ActionSeq.Add(1)
}

// SetHandoffHeadless records the headless mode in effect before a
// handoff_start relaunch.
func (s *Session) SetHandoffHeadless(headless bool) {
	s.mu.Lock()
	s.handoffHeadless = headless
	s.mu.Unlock()
}

// HandoffHeadless returns the headless mode recorded by SetHandoffHeadless.
func (s *Session) HandoffHeadless() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handoffHeadless
}

// Relaunch tears down the session's current driver and launches a fresh one
// in the given headless mode, reusing the same profile directory so
// disk-backed browser storage (IndexedDB, localStorage) survives the
// transition. Cookies do not survive a relaunch on their own — callers
// re-apply them from an exported storage_state afterward (see
// httpapi.applyStorageStateCookies). Used by handoff_start/handoff_complete
// to swing a session between headless and headed for human intervention,
// and by the mode-switch endpoint. Attach-mode sessions have no local
// browser process to relaunch.
func (s *Session) Relaunch(cfg *config.Config, headless bool) error {
	if s.LaunchMode == LaunchAttach {
		return types.ErrUnsupportedLaunchMode
	}

	s.mu.Lock()
	oldPages := s.Pages
	s.Pages = nil
	s.mu.Unlock()

	for _, p := range oldPages {
		if p.Target != nil {
			_ = s.Driver.ClosePage(p.Target)
		}
	}
	if err := s.Driver.Close(); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("error closing driver during relaunch")
	}

	drv, err := driver.LaunchManaged(cfg, s.ProfileDir, headless, false, "", "")
	if err != nil {
		return fmt.Errorf("relaunch driver: %w", err)
	}

	page, err := drv.NewPage()
	if err != nil {
		drv.Close()
		return fmt.Errorf("relaunch open page: %w", err)
	}
	pageID := security.NewOpaqueID("page")

	s.mu.Lock()
	s.Driver = drv
	s.Pages = map[string]*Page{pageID: {ID: pageID, Target: page}}
	s.ActivePageID = pageID
	s.mu.Unlock()

	log.Info().
		Str("session_id", s.ID).
		Bool("headless", headless).
		Msg("session relaunched")

	return nil
}

// LockOperation serializes actions against this session (at most
// one in-flight action per session).
func (s *Session) LockOperation() {
	s.opMu.Lock()
}

// UnlockOperation releases the per-session action serialization lock.
func (s *Session) UnlockOperation() {
	s.opMu.Unlock()
}

func (s *Session) waitForReferences(timeout time.Duration) bool {
	if s.refCount.Load() <= 0 {
		return true
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return false
		case <-ticker.C:
			if s.refCount.Load() <= 0 {
				return true
			}
		}
	}
}
