package buffers

import (
	"reflect"
	"testing"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	r.Push(4)

	got := r.Tail(0)
	want := []any{2, 3, 4}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRingTailLimitsCount(t *testing.T) {
	r := NewRing(5)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Tail(2)
	want := []any{4, 5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRingClear(t *testing.T) {
	r := NewRing(3)
	r.Push(1)
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("expected empty ring after clear, got len %d", r.Len())
	}
}

func TestRouteTableLastRegisteredWins(t *testing.T) {
	rt := NewRouteTable()
	rt.Route(RouteEntry{Pattern: "https://api.example.com/*", Status: 200, Body: "first"})
	rt.Route(RouteEntry{Pattern: "https://api.example.com/*", Status: 200, Body: "second"})

	entry, ok := rt.Match("https://api.example.com/users")
	if !ok {
		t.Fatal("expected a match")
	}
	if entry.Body != "second" {
		t.Fatalf("expected last-registered entry to win, got %q", entry.Body)
	}
}

func TestRouteTableUnroute(t *testing.T) {
	rt := NewRouteTable()
	rt.Route(RouteEntry{Pattern: "https://x.test/*"})
	if !rt.Unroute("https://x.test/*") {
		t.Fatal("expected unroute to succeed")
	}
	if _, ok := rt.Match("https://x.test/foo"); ok {
		t.Fatal("expected no match after unroute")
	}
}

func TestRouteTableNewestFirstMatch(t *testing.T) {
	rt := NewRouteTable()
	rt.Route(RouteEntry{Pattern: "*", Body: "catch-all"})
	rt.Route(RouteEntry{Pattern: "https://specific.test/*", Body: "specific"})

	entry, ok := rt.Match("https://specific.test/path")
	if !ok {
		t.Fatal("expected a match")
	}
	if entry.Body != "specific" {
		t.Fatalf("expected newest-registered entry to be tried first, got %q", entry.Body)
	}
}
