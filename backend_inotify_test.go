//go:build linux

package fsobserve

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newInotifyObserver(t *testing.T, recursive bool) (*Observer, *collector, string) {
	t.Helper()
	o, err := NewInotify(WithQueueTimeout(10 * time.Millisecond))
	if err != nil {
		t.Fatalf("NewInotify: %s", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("start: %s", err)
	}

	tmp := t.TempDir()
	c := &collector{}
	if _, err := o.Schedule(c, tmp, recursive); err != nil {
		t.Fatalf("schedule: %s", err)
	}
	return o, c, tmp
}

func TestInotifyCreate(t *testing.T) {
	o, c, tmp := newInotifyObserver(t, true)

	touch(t, tmp, "a.txt")

	evs := c.stop(t, o)
	want := filepath.Join(tmp, "a.txt")
	if !hasEvent(evs, Created, want, "") {
		t.Fatalf("no Created for %q in %v", want, evs)
	}
	for _, e := range evs {
		if e.Kind == Created && e.Path == want && e.IsDir {
			t.Errorf("file reported as directory: %v", e)
		}
	}
}

func TestInotifyOpenCloseWrite(t *testing.T) {
	o, c, tmp := newInotifyObserver(t, true)

	touch(t, tmp, "a.txt")

	evs := c.stop(t, o)
	p := filepath.Join(tmp, "a.txt")
	// os.Create opens for writing and Close closes it; inotify reports the
	// whole life cycle.
	if !hasEvent(evs, Opened, p, "") {
		t.Errorf("no Opened in %v", evs)
	}
	if !hasEvent(evs, CloseWrite, p, "") {
		t.Errorf("no CloseWrite in %v", evs)
	}
}

func TestInotifyMoveGroups(t *testing.T) {
	o, c, tmp := newInotifyObserver(t, true)

	touch(t, tmp, "a.txt")
	waitForEvents()
	mv(t, filepath.Join(tmp, "a.txt"), filepath.Join(tmp, "b.txt"))

	evs := c.stop(t, o)
	src, dst := filepath.Join(tmp, "a.txt"), filepath.Join(tmp, "b.txt")
	if !hasEvent(evs, Moved, src, dst) {
		t.Fatalf("no Moved %q → %q in %v", src, dst, evs)
	}
	// The halves were joined: neither surfaced on its own.
	if hasEvent(evs, Deleted, src, "") {
		t.Errorf("stray Deleted for move source in %v", evs)
	}
	if hasEvent(evs, Created, dst, "") {
		t.Errorf("stray Created for move destination in %v", evs)
	}
}

func TestInotifyMoveOutIsDelete(t *testing.T) {
	o, c, tmp := newInotifyObserver(t, true)
	outside := t.TempDir()

	touch(t, tmp, "a.txt")
	waitForEvents()
	mv(t, filepath.Join(tmp, "a.txt"), filepath.Join(outside, "a.txt"))

	// Let the move window lapse so the unpaired half degrades.
	time.Sleep(defaultMoveWindow + 200*time.Millisecond)

	evs := c.stop(t, o)
	if !hasEvent(evs, Deleted, filepath.Join(tmp, "a.txt"), "") {
		t.Fatalf("no Deleted for moved-out file in %v", evs)
	}
}

func TestInotifyMoveInIsCreate(t *testing.T) {
	o, c, tmp := newInotifyObserver(t, true)
	outside := t.TempDir()

	touch(t, outside, "a.txt")
	waitForEvents()
	mv(t, filepath.Join(outside, "a.txt"), filepath.Join(tmp, "a.txt"))

	evs := c.stop(t, o)
	if !hasEvent(evs, Created, filepath.Join(tmp, "a.txt"), "") {
		t.Fatalf("no Created for moved-in file in %v", evs)
	}
}

func TestInotifyRecursiveNewDirectory(t *testing.T) {
	o, c, tmp := newInotifyObserver(t, true)

	mkdir(t, tmp, "sub")
	waitForEvents() // Give the backend time to register the new directory.
	touch(t, tmp, "sub", "deep.txt")

	evs := c.stop(t, o)
	if !hasEvent(evs, Created, filepath.Join(tmp, "sub"), "") {
		t.Fatalf("no Created for new directory in %v", evs)
	}
	if !hasEvent(evs, Created, filepath.Join(tmp, "sub", "deep.txt"), "") {
		t.Fatalf("no Created for file in new directory in %v", evs)
	}
}

func TestInotifyNonRecursiveScope(t *testing.T) {
	o, c, tmp := newInotifyObserver(t, false)

	mkdir(t, tmp, "sub")
	waitForEvents()

	// Created below an immediate child: outside a non-recursive scope; the
	// kernel never reports it because only tmp itself is registered.
	if err := os.WriteFile(filepath.Join(tmp, "sub", "deep.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	evs := c.stop(t, o)
	if !hasEvent(evs, Created, filepath.Join(tmp, "sub"), "") {
		t.Fatalf("no Created for immediate child in %v", evs)
	}
	if hasEvent(evs, Created, filepath.Join(tmp, "sub", "deep.txt"), "") {
		t.Fatalf("event leaked from below a non-recursive watch: %v", evs)
	}
}

func TestInotifyDeleteWatchRoot(t *testing.T) {
	o, c, tmp := newInotifyObserver(t, true)

	root := filepath.Join(tmp, "root")
	mkdir(t, root)
	// Watch the subdirectory itself so its deletion hits the watch root.
	c2 := &collector{}
	if _, err := o.Schedule(c2, root, true); err != nil {
		t.Fatalf("schedule: %s", err)
	}
	waitForEvents()
	rmAll(t, root)

	evs := c.stop(t, o)
	if !hasEvent(evs, Deleted, root, "") {
		t.Fatalf("no Deleted for removed root in %v", evs)
	}
}

func TestInotifyUnscheduleStopsEvents(t *testing.T) {
	o, c, tmp := newInotifyObserver(t, true)

	w := Watch{}
	for _, p := range o.WatchList() {
		if p == tmp {
			// Re-schedule to fetch the watch value; equivalent watches
			// coalesce so the ID matches the original registration.
			var err error
			w, err = o.Schedule(&collector{}, tmp, true)
			if err != nil {
				t.Fatalf("schedule: %s", err)
			}
		}
	}
	if err := o.Unschedule(w); err != nil {
		t.Fatalf("unschedule: %s", err)
	}

	touch(t, tmp, "a.txt")

	evs := c.stop(t, o)
	if len(evs) != 0 {
		t.Fatalf("events after Unschedule: %v", evs)
	}
}
