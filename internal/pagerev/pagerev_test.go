package pagerev

import (
	"testing"
	"time"

	"github.com/agentmb/agentmb-daemon/internal/driver"
)

func newTestTracker() *Tracker {
	return &Tracker{sessionID: "sess-1", bump: func() int64 { return 1 }, done: make(chan struct{})}
}

func TestHandle_TopLevelNavigationCommitBumps(t *testing.T) {
	var bumped bool
	tr := &Tracker{sessionID: "sess-1", bump: func() int64 { bumped = true; return 1 }}
	tr.handle(driver.Event{Kind: "framenavigated", URL: "https://example.com", Committed: true, At: time.Now()})
	if !bumped {
		t.Error("expected page_rev to bump on a committed top-level navigation")
	}
}

func TestHandle_UncommittedNavigationDoesNotBump(t *testing.T) {
	var bumped bool
	tr := &Tracker{sessionID: "sess-1", bump: func() int64 { bumped = true; return 1 }}
	tr.handle(driver.Event{Kind: "framenavigated", URL: "https://example.com", Committed: false, At: time.Now()})
	if bumped {
		t.Error("expected page_rev not to bump before a navigation commits")
	}
}

func TestHandle_UnknownKindDoesNotBump(t *testing.T) {
	var bumped bool
	tr := &Tracker{sessionID: "sess-1", bump: func() int64 { bumped = true; return 1 }}
	tr.handle(driver.Event{Kind: "console", Text: "hi", At: time.Now()})
	if bumped {
		t.Error("expected non-navigation events not to bump page_rev")
	}
}

func TestBumpOnSwitch(t *testing.T) {
	var calls int
	rev := BumpOnSwitch(func() int64 { calls++; return int64(calls) })
	if rev != 1 || calls != 1 {
		t.Errorf("BumpOnSwitch() = %d, calls = %d, want 1, 1", rev, calls)
	}
}

func TestNewTestTrackerHelper(t *testing.T) {
	tr := newTestTracker()
	if tr.sessionID != "sess-1" {
		t.Errorf("sessionID = %q, want sess-1", tr.sessionID)
	}
}
