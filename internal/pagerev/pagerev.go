// Package pagerev bridges driver navigation events into a session's
// page-revision counter. page_rev increases only on a top-level navigation
// commit, a subframe navigation whose load completes, or a page switch —
// never on DOM mutation, hash change, or bare network activity. A
// page_create call bumps page_rev directly (see httpapi.handlePageCreate);
// it doesn't round-trip through the driver's event stream.
package pagerev

import (
	"github.com/rs/zerolog/log"

	"github.com/agentmb/agentmb-daemon/internal/driver"
)

// Tracker consumes a driver's event stream for one session and bumps its
// page_rev counter on qualifying events. One Tracker runs per session for
// the session's lifetime (single sender per adapter event stream).
type Tracker struct {
	sessionID string
	bump      func() int64
	done      chan struct{}
}

// NewTracker starts consuming drv.Events in a background goroutine. Call
// Stop when the session is destroyed.
func NewTracker(sessionID string, drv *driver.Driver, bump func() int64) *Tracker {
	t := &Tracker{
		sessionID: sessionID,
		bump:      bump,
		done:      make(chan struct{}),
	}
	go t.run(drv)
	return t
}

func (t *Tracker) run(drv *driver.Driver) {
	for {
		select {
		case ev, ok := <-drv.Events:
			if !ok {
				return
			}
			t.handle(ev)
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) handle(ev driver.Event) {
	switch ev.Kind {
	case "framenavigated":
		if !ev.Committed {
			return
		}
		rev := t.bump()
		log.Debug().
			Str("session_id", t.sessionID).
			Str("url", ev.URL).
			Int64("page_rev", rev).
			Msg("page_rev bumped on navigation commit")
	}
}

// Stop halts the tracker's background goroutine.
func (t *Tracker) Stop() {
	close(t.done)
}

// BumpOnSwitch advances page_rev when the active page changes within a
// session — a page switch is itself a page_rev-bumping event — called
// directly by the session/pipeline code rather than through the event
// stream, since page switches are driven by the API, not the driver.
func BumpOnSwitch(bump func() int64) int64 {
	return bump()
}
