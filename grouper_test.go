package fsobserve

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type groupSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *groupSink) emit(ev Event, _ WatchID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *groupSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestGrouperPairsMove(t *testing.T) {
	sink := &groupSink{}
	g := newMoveGrouper(time.Second, 0, sink.emit)

	g.moveFrom(7, "/w/a.txt", false, 1)
	g.moveTo(7, "/w/b.txt", false, 1)

	evs := sink.all()
	if len(evs) != 1 {
		t.Fatalf("got %d events: %v", len(evs), evs)
	}
	want := Event{Kind: Moved, Path: "/w/a.txt", Dest: "/w/b.txt"}
	if evs[0] != want {
		t.Fatalf("got %v, want %v", evs[0], want)
	}
}

func TestGrouperUnknownCookieIsCreate(t *testing.T) {
	sink := &groupSink{}
	g := newMoveGrouper(time.Second, 0, sink.emit)

	// A move-to whose from-half was outside the observed tree.
	g.moveTo(9, "/w/new.txt", false, 1)

	evs := sink.all()
	if len(evs) != 1 || evs[0].Kind != Created || evs[0].Path != "/w/new.txt" {
		t.Fatalf("got %v, want a single Created", evs)
	}
}

func TestGrouperExpiryIsDelete(t *testing.T) {
	sink := &groupSink{}
	g := newMoveGrouper(20*time.Millisecond, 0, sink.emit)

	g.moveFrom(3, "/w/gone.txt", false, 1)
	time.Sleep(150 * time.Millisecond)

	evs := sink.all()
	if len(evs) != 1 || evs[0].Kind != Deleted || evs[0].Path != "/w/gone.txt" {
		t.Fatalf("got %v, want a single Deleted", evs)
	}

	// The cookie is spent: a matching move-to now reads as a create.
	g.moveTo(3, "/w/late.txt", false, 1)
	evs = sink.all()
	if len(evs) != 2 || evs[1].Kind != Created {
		t.Fatalf("got %v, want trailing Created", evs)
	}
}

func TestGrouperFlush(t *testing.T) {
	sink := &groupSink{}
	g := newMoveGrouper(time.Minute, 0, sink.emit)

	g.moveFrom(1, "/w/a", false, 1)
	g.moveFrom(2, "/w/b", true, 1)
	g.flush()

	evs := sink.all()
	if len(evs) != 2 {
		t.Fatalf("got %d events: %v", len(evs), evs)
	}
	for _, e := range evs {
		if e.Kind != Deleted {
			t.Errorf("got %v, want Deleted", e)
		}
	}

	// After flush the grouper degrades gracefully.
	g.moveFrom(3, "/w/c", false, 1)
	if evs := sink.all(); len(evs) != 3 || evs[2].Kind != Deleted {
		t.Fatalf("got %v, want Deleted for post-flush moveFrom", evs)
	}
}

func TestGrouperCapacityEvictsOldest(t *testing.T) {
	sink := &groupSink{}
	g := newMoveGrouper(time.Minute, 4, sink.emit)

	for i := 0; i < 5; i++ {
		g.moveFrom(uint64(i), fmt.Sprintf("/w/%d", i), false, 1)
	}

	// The oldest pending half was pushed out as a Deleted.
	evs := sink.all()
	if len(evs) != 1 || evs[0].Kind != Deleted || evs[0].Path != "/w/0" {
		t.Fatalf("got %v, want Deleted /w/0", evs)
	}

	// The survivors still pair.
	g.moveTo(4, "/w/4-new", false, 1)
	evs = sink.all()
	if len(evs) != 2 || evs[1].Kind != Moved || evs[1].Path != "/w/4" || evs[1].Dest != "/w/4-new" {
		t.Fatalf("got %v, want Moved /w/4 → /w/4-new", evs)
	}
}
