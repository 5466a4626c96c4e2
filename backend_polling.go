package fsobserve

import (
	"os"
	"sync"
	"time"

	"github.com/fsobserve/fsobserve/internal"
)

// The polling backend re-walks each watched tree on a fixed interval and
// diffs the snapshots. It is the fallback for platforms and filesystems
// without usable kernel notification (NFS, SMB, FUSE); every event it
// produces is synthetic.
type pollingBackend struct {
	sink *sink
	opts *options

	mu      sync.Mutex
	watches map[WatchID]*pollWatch

	quit     chan struct{}
	stopOnce sync.Once
	pumpDone chan struct{}
}

type pollWatch struct {
	w    Watch
	snap *Snapshot
}

// NewPolling is defined in observer.go; this is its backend.
func newPollingBackend(s *sink, o *options) backend {
	return &pollingBackend{
		sink:     s,
		opts:     o,
		watches:  make(map[WatchID]*pollWatch),
		quit:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

func (b *pollingBackend) start() error {
	go b.pump()
	return nil
}

func (b *pollingBackend) stop() error {
	b.stopOnce.Do(func() { close(b.quit) })
	return nil
}

func (b *pollingBackend) done() <-chan struct{} { return b.pumpDone }

func (b *pollingBackend) supports(k Kind) bool {
	switch k {
	case Opened, CloseWrite, CloseNoWrite:
		return false
	}
	return true
}

func (b *pollingBackend) addWatch(w Watch) error {
	snap, err := Take(w.Path, w.Recursive, b.opts.follow)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watches[w.ID] = &pollWatch{w: w, snap: snap}
	return nil
}

func (b *pollingBackend) removeWatch(w Watch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watches[w.ID]; !ok {
		return ErrNonExistentWatch
	}
	delete(b.watches, w.ID)
	return nil
}

func (b *pollingBackend) pump() {
	defer close(b.pumpDone)

	tick := time.NewTicker(b.opts.pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-b.quit:
			return
		case <-tick.C:
			b.scan()
		}
	}
}

func (b *pollingBackend) scan() {
	b.mu.Lock()
	targets := make([]*pollWatch, 0, len(b.watches))
	for _, pw := range b.watches {
		targets = append(targets, pw)
	}
	b.mu.Unlock()

	for _, pw := range targets {
		cur, err := Take(pw.w.Path, pw.w.Recursive, b.opts.follow)
		if err != nil {
			if !os.IsNotExist(err) {
				b.sink.errf(osErrorf("poll", err))
			}
			// The whole root is gone: everything in the previous snapshot
			// was deleted. Keep the (now empty) watch around in case the
			// root reappears.
			cur = &Snapshot{
				byID:   map[internal.FileID]snapEntry{},
				byPath: map[string]internal.FileID{},
			}
		}

		for _, ev := range pw.snap.Diff(cur) {
			b.sink.event(ev, pw.w.ID)
		}
		pw.snap = cur
	}
}
