package fsobserve

import (
	"path/filepath"
	"testing"
	"time"
)

func newPollingObserver(t *testing.T) (*Observer, *collector, string) {
	t.Helper()
	o, err := NewPolling(
		WithPollInterval(50*time.Millisecond),
		WithQueueTimeout(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewPolling: %s", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("start: %s", err)
	}

	tmp := t.TempDir()
	c := &collector{}
	if _, err := o.Schedule(c, tmp, true); err != nil {
		t.Fatalf("schedule: %s", err)
	}
	return o, c, tmp
}

func TestPollingCreate(t *testing.T) {
	o, c, tmp := newPollingObserver(t)

	touch(t, tmp, "a.txt")

	evs := c.stop(t, o)
	if !hasEvent(evs, Created, filepath.Join(tmp, "a.txt"), "") {
		t.Fatalf("no Created for a.txt in %v", evs)
	}
	for _, e := range evs {
		if !e.Synthetic {
			t.Errorf("polling produced a non-synthetic event: %v", e)
		}
	}
}

func TestPollingModifyDelete(t *testing.T) {
	o, c, tmp := newPollingObserver(t)

	touch(t, tmp, "a.txt")
	touch(t, tmp, "b.txt")
	waitForEvents()

	cat(t, "data", tmp, "a.txt")
	rmAll(t, tmp, "b.txt")

	evs := c.stop(t, o)
	if !hasEvent(evs, Modified, filepath.Join(tmp, "a.txt"), "") {
		t.Fatalf("no Modified for a.txt in %v", evs)
	}
	if !hasEvent(evs, Deleted, filepath.Join(tmp, "b.txt"), "") {
		t.Fatalf("no Deleted for b.txt in %v", evs)
	}
}

func TestPollingRename(t *testing.T) {
	o, c, tmp := newPollingObserver(t)

	touch(t, tmp, "a.txt")
	waitForEvents()

	mv(t, filepath.Join(tmp, "a.txt"), filepath.Join(tmp, "b.txt"))

	evs := c.stop(t, o)
	// Same inode, new path: the snapshot diff reports a move.
	if !hasEvent(evs, Moved, filepath.Join(tmp, "a.txt"), filepath.Join(tmp, "b.txt")) {
		t.Fatalf("no Moved a.txt → b.txt in %v", evs)
	}
}
