package fsobserve

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// defaultMoveWindow is how long a move-from half waits for its move-to
	// half before degrading to a Deleted event.
	defaultMoveWindow = 500 * time.Millisecond

	// defaultMoveCapacity bounds the pending-cookie map. One-sided moves
	// (renames out of the observed tree) would otherwise grow it without
	// limit; past capacity the oldest pending half degrades to Deleted.
	defaultMoveCapacity = 8192
)

// moveGrouper joins the two halves of a rename — delivered by inotify as
// separate move-from and move-to records correlated by a kernel cookie —
// into a single Moved event.
//
// It is driven from the backend's pump goroutine but must also be safe
// against its own expiry timers, so all state is behind one mutex.
type moveGrouper struct {
	mu      sync.Mutex
	window  time.Duration
	pending *lru.Cache[uint64, *pendingMove]
	emit    func(Event, WatchID)
	stopped bool
}

type pendingMove struct {
	path   string
	isDir  bool
	watch  WatchID
	timer  *time.Timer
	paired bool // Pairing claimed the entry; eviction must stay quiet.
}

func newMoveGrouper(window time.Duration, capacity int, emit func(Event, WatchID)) *moveGrouper {
	if window <= 0 {
		window = defaultMoveWindow
	}
	if capacity <= 0 {
		capacity = defaultMoveCapacity
	}
	g := &moveGrouper{window: window, emit: emit}

	// The eviction callback covers every way an unpaired half leaves the
	// map: capacity pressure, timer expiry, and the final flush.
	g.pending, _ = lru.NewWithEvict(capacity, func(cookie uint64, pm *pendingMove) {
		if pm.paired {
			return
		}
		pm.timer.Stop()
		g.emit(Event{Kind: Deleted, Path: pm.path, IsDir: pm.isDir}, pm.watch)
	})
	return g
}

// moveFrom records the source half of a rename and arms its expiry timer.
func (g *moveGrouper) moveFrom(cookie uint64, path string, isDir bool, watch WatchID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		g.emit(Event{Kind: Deleted, Path: path, IsDir: isDir}, watch)
		return
	}

	// A reused cookie means the previous rename never completed; let the
	// old entry degrade to Deleted through the eviction callback.
	if old, ok := g.pending.Get(cookie); ok {
		old.timer.Stop()
		g.pending.Remove(cookie)
	}

	pm := &pendingMove{path: path, isDir: isDir, watch: watch}
	pm.timer = time.AfterFunc(g.window, func() { g.expire(cookie, pm) })
	g.pending.Add(cookie, pm)
}

// moveTo completes a rename. An unknown cookie means the source half was
// outside the observed tree, so the path simply appeared: Created.
func (g *moveGrouper) moveTo(cookie uint64, path string, isDir bool, watch WatchID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pm, ok := g.pending.Get(cookie)
	if !ok || g.stopped {
		g.emit(Event{Kind: Created, Path: path, IsDir: isDir}, watch)
		return
	}

	pm.paired = true
	pm.timer.Stop()
	g.pending.Remove(cookie)

	if pm.path == path {
		// Shouldn't happen (a rename onto itself), but the Moved invariant
		// requires src ≠ dest.
		return
	}
	g.emit(Event{Kind: Moved, Path: pm.path, Dest: path, IsDir: isDir}, pm.watch)
}

// pendingPath returns the source path waiting under cookie, if any; the
// inotify backend uses it to rewrite descendant watch paths when a watched
// directory is renamed in place.
func (g *moveGrouper) pendingPath(cookie uint64) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pm, ok := g.pending.Peek(cookie)
	if !ok {
		return "", false
	}
	return pm.path, true
}

func (g *moveGrouper) expire(cookie uint64, pm *pendingMove) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.pending.Peek(cookie); !ok || cur != pm {
		return
	}
	g.pending.Remove(cookie)
}

// flush degrades every pending half to Deleted; called on backend stop.
func (g *moveGrouper) flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.stopped = true
	g.pending.Purge()
}
