package fsobserve

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// We wait a little bit after most commands; gives the system some time to
// sync things and makes things more consistent across platforms.
func eventSeparator() { time.Sleep(50 * time.Millisecond) }
func waitForEvents()  { time.Sleep(500 * time.Millisecond) }

// collector is a handler that stores everything it's dispatched.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Dispatch(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// stop gives pending events time to drain, stops the observer, and returns
// what was collected.
func (c *collector) stop(t *testing.T, o *Observer) []Event {
	t.Helper()
	waitForEvents()
	if err := o.Stop(); err != nil {
		t.Fatalf("stop: %s", err)
	}
	return c.all()
}

// mkdir
func mkdir(t *testing.T, path ...string) {
	t.Helper()
	if err := os.Mkdir(filepath.Join(path...), 0o755); err != nil {
		t.Fatalf("mkdir(%q): %s", filepath.Join(path...), err)
	}
	eventSeparator()
}

// touch
func touch(t *testing.T, path ...string) {
	t.Helper()
	fp, err := os.Create(filepath.Join(path...))
	if err != nil {
		t.Fatalf("touch(%q): %s", filepath.Join(path...), err)
	}
	if err := fp.Close(); err != nil {
		t.Fatalf("touch(%q): %s", filepath.Join(path...), err)
	}
	eventSeparator()
}

// echo >>
func cat(t *testing.T, data string, path ...string) {
	t.Helper()
	p := filepath.Join(path...)
	fp, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("cat(%q): %s", p, err)
	}
	if _, err := fp.WriteString(data); err != nil {
		t.Fatalf("cat(%q): %s", p, err)
	}
	if err := fp.Close(); err != nil {
		t.Fatalf("cat(%q): %s", p, err)
	}
	eventSeparator()
}

// mv
func mv(t *testing.T, src, dst string) {
	t.Helper()
	if err := os.Rename(src, dst); err != nil {
		t.Fatalf("mv(%q, %q): %s", src, dst, err)
	}
	eventSeparator()
}

// rm -r
func rmAll(t *testing.T, path ...string) {
	t.Helper()
	if err := os.RemoveAll(filepath.Join(path...)); err != nil {
		t.Fatalf("rm(%q): %s", filepath.Join(path...), err)
	}
	eventSeparator()
}

// hasEvent reports whether evs contains an event matching kind and path
// (and, for moves, dest).
func hasEvent(evs []Event, kind Kind, path, dest string) bool {
	for _, e := range evs {
		if e.Kind == kind && e.Path == path && (dest == "" || e.Dest == dest) {
			return true
		}
	}
	return false
}

// fakeBackend records calls and lets tests emit events by hand.
type fakeBackend struct {
	mu       sync.Mutex
	sink     *sink
	started  bool
	adds     []Watch
	removes  []Watch
	startErr error
	addErr   error
	stopOnce sync.Once
	pumpDone chan struct{}
}

func newFake() *fakeBackend {
	return &fakeBackend{pumpDone: make(chan struct{})}
}

// constructor returns a backend factory that captures the sink.
func (b *fakeBackend) constructor() func(*sink, *options) backend {
	return func(s *sink, _ *options) backend {
		b.sink = s
		return b
	}
}

func (b *fakeBackend) start() error {
	if b.startErr != nil {
		return b.startErr
	}
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) stop() error {
	b.stopOnce.Do(func() { close(b.pumpDone) })
	return nil
}

func (b *fakeBackend) done() <-chan struct{} { return b.pumpDone }

func (b *fakeBackend) supports(k Kind) bool { return k != Opened }

func (b *fakeBackend) addWatch(w Watch) error {
	if b.addErr != nil {
		return b.addErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adds = append(b.adds, w)
	return nil
}

func (b *fakeBackend) removeWatch(w Watch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removes = append(b.removes, w)
	return nil
}

func (b *fakeBackend) addCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.adds)
}

func (b *fakeBackend) removeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.removes)
}

// emit pushes an event as if the pump had produced it.
func (b *fakeBackend) emit(ev Event, w WatchID) { b.sink.event(ev, w) }
