// Package registry implements the Snapshot/Ref Registry: it
// records element snapshots keyed by snapshot_id and resolves ref_id strings
// of the form "<snapshot_id>:<local_id>" back to a stored locator hint,
// guarded by page_rev so a ref from a stale DOM can never silently resolve.
package registry

import (
	"container/list"
	"fmt"
	"strings"
	"sync"

	"github.com/agentmb/agentmb-daemon/internal/security"
	"github.com/agentmb/agentmb-daemon/internal/types"
)

// Element is one captured interactive element within a snapshot.
type Element struct {
	LocalID     string // "e0", "e1", ...
	Tag         string
	Label       string
	LabelSource string // aria-label|title|aria-labelledby|svg-title|text|placeholder|fallback|none
	SelectorHint string
	ElementIDHint string
	X, Y, W, H  float64
}

// Snapshot is an append-only, immutable capture of a session's DOM at one
// page_rev. Snapshots are never mutated after creation.
type Snapshot struct {
	ID       string
	PageRev  int64
	Elements []Element
}

// RefID returns the "<snapshot_id>:<local_id>" ref for the given element.
func (s *Snapshot) RefID(localID string) string {
	return s.ID + ":" + localID
}

// Registry stores snapshots per session with an LRU eviction bound: at
// least the last K snapshots are retained before the oldest is evicted.
type Registry struct {
	mu        sync.Mutex
	capacity  int
	bySession map[string]*sessionEntries
}

type sessionEntries struct {
	order *list.List // front = most recently used
	byID  map[string]*list.Element
}

// New creates a registry with the given per-session LRU capacity
// (SNAPSHOT_LRU, default 16).
func New(capacity int) *Registry {
	if capacity < 1 {
		capacity = 16
	}
	return &Registry{
		capacity:  capacity,
		bySession: make(map[string]*sessionEntries),
	}
}

// Capture stores a new snapshot for a session, evicting the least-recently
// used snapshot (by capture or Resolve) if the session is at capacity.
func (r *Registry) Capture(sessionID string, pageRev int64, elements []Element) *Snapshot {
	snap := &Snapshot{
		ID:       security.NewOpaqueID("snap"),
		PageRev:  pageRev,
		Elements: elements,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.bySession[sessionID]
	if !ok {
		entries = &sessionEntries{order: list.New(), byID: make(map[string]*list.Element)}
		r.bySession[sessionID] = entries
	}

	le := entries.order.PushFront(snap)
	entries.byID[snap.ID] = le

	for entries.order.Len() > r.capacity {
		oldest := entries.order.Back()
		if oldest == nil {
			break
		}
		old := oldest.Value.(*Snapshot)
		delete(entries.byID, old.ID)
		entries.order.Remove(oldest)
	}

	return snap
}

// Resolve parses a ref_id into its snapshot and element, checking the ref's
// recorded page_rev against the session's current page_rev — a
// label-synthesis change alone does not invalidate refs, only page_rev does.
func (r *Registry) Resolve(sessionID, refID string, currentPageRev int64) (*Element, *Snapshot, error) {
	snapshotID, localID, err := ParseRef(refID)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	entries, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, types.ErrSnapshotNotFound
	}
	le, ok := entries.byID[snapshotID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, types.ErrSnapshotNotFound
	}
	entries.order.MoveToFront(le)
	snap := le.Value.(*Snapshot)
	r.mu.Unlock()

	if snap.PageRev != currentPageRev {
		return nil, snap, &types.StaleRefError{
			RefID:           refID,
			SnapshotPageRev: snap.PageRev,
			CurrentPageRev:  currentPageRev,
		}
	}

	for i := range snap.Elements {
		if snap.Elements[i].LocalID == localID {
			return &snap.Elements[i], snap, nil
		}
	}
	return nil, snap, types.ErrElementNotFound
}

// ParseRef splits a ref_id of the form "<snapshot_id>:<local_id>". A
// malformed ref_id (missing ":" separator, or nothing after it) is a client
// input error distinct from a stale ref: it never had a valid shape to
// begin with, so it's reported separately from types.ErrStaleRef.
func ParseRef(refID string) (snapshotID, localID string, err error) {
	idx := strings.LastIndex(refID, ":")
	if idx < 0 || idx == len(refID)-1 {
		return "", "", fmt.Errorf("%w: malformed ref_id %q", types.ErrBadRef, refID)
	}
	return refID[:idx], refID[idx+1:], nil
}

// GC drops all snapshots for a session, called when a session is destroyed.
func (r *Registry) GC(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySession, sessionID)
}

// Count returns the number of retained snapshots for a session (test hook).
func (r *Registry) Count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, ok := r.bySession[sessionID]
	if !ok {
		return 0
	}
	return entries.order.Len()
}

// TotalElements sums the element count of every retained snapshot across
// every session, for the agentmb_snapshot_elements gauge.
func (r *Registry) TotalElements() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, entries := range r.bySession {
		for e := entries.order.Front(); e != nil; e = e.Next() {
			snap := e.Value.(*Snapshot)
			total += len(snap.Elements)
		}
	}
	return total
}
