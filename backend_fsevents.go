//go:build darwin && cgo

package fsobserve

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsevents"
	"github.com/fsobserve/fsobserve/internal"
)

// NewFSEvents returns an observer explicitly backed by the FSEvents API;
// [New] picks it by default on macOS when cgo is available. FSEvents
// watches whole subtrees natively, so recursive watches don't cost a
// descriptor per directory the way kqueue does.
func NewFSEvents(opts ...Option) (*Observer, error) {
	return newObserver(newFSEventsBackend, opts...)
}

const streamFlags = fsevents.FileEvents | fsevents.NoDefer | fsevents.WatchRoot

type fseventsBackend struct {
	sink *sink
	opts *options

	mu      sync.Mutex
	streams map[WatchID]*fsStream

	// Rename halves carry consecutive event IDs instead of a cookie; the
	// grouper pairs them the same way it pairs inotify moves.
	grouper *moveGrouper

	quit     chan struct{}
	stopOnce sync.Once
	pumpDone chan struct{}
	wg       sync.WaitGroup
}

// One stream per watch root, with its own reader feeding the shared sink.
type fsStream struct {
	es   *fsevents.EventStream
	w    Watch
	done chan struct{}
}

func newFSEventsBackend(s *sink, o *options) backend {
	return &fseventsBackend{
		sink:     s,
		opts:     o,
		streams:  make(map[WatchID]*fsStream),
		quit:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

func (b *fseventsBackend) start() error {
	b.grouper = newMoveGrouper(b.opts.moveWindow, b.opts.moveCapacity, b.sink.event)
	go b.pump()
	return nil
}

// pump only coordinates shutdown: the run loop lives on a thread the
// platform manages, and each stream has its own reader.
func (b *fseventsBackend) pump() {
	defer close(b.pumpDone)
	<-b.quit

	b.mu.Lock()
	streams := make([]*fsStream, 0, len(b.streams))
	for _, st := range b.streams {
		streams = append(streams, st)
	}
	b.streams = make(map[WatchID]*fsStream)
	b.mu.Unlock()

	for _, st := range streams {
		st.es.Stop()
		close(st.done)
	}
	b.wg.Wait()
	b.grouper.flush()
}

func (b *fseventsBackend) stop() error {
	b.stopOnce.Do(func() { close(b.quit) })
	return nil
}

func (b *fseventsBackend) done() <-chan struct{} { return b.pumpDone }

func (b *fseventsBackend) supports(k Kind) bool {
	switch k {
	case Opened, CloseWrite, CloseNoWrite:
		return false
	}
	return true
}

func (b *fseventsBackend) addWatch(w Watch) error {
	es := &fsevents.EventStream{
		Paths:   []string{w.Path},
		Latency: b.opts.latency,
		Flags:   streamFlags,
	}
	if err := es.Start(); err != nil {
		return osErrorf("FSEventStreamStart", err)
	}

	st := &fsStream{es: es, w: w, done: make(chan struct{})}
	b.mu.Lock()
	b.streams[w.ID] = st
	b.mu.Unlock()

	b.wg.Add(1)
	go b.read(st)
	return nil
}

func (b *fseventsBackend) removeWatch(w Watch) error {
	b.mu.Lock()
	st, ok := b.streams[w.ID]
	delete(b.streams, w.ID)
	b.mu.Unlock()
	if !ok {
		return ErrNonExistentWatch
	}
	st.es.Stop()
	close(st.done)
	return nil
}

func (b *fseventsBackend) read(st *fsStream) {
	defer b.wg.Done()
	for {
		select {
		case <-st.done:
			return
		case <-b.quit:
			return
		case batch, ok := <-st.es.Events:
			if !ok {
				return
			}
			for _, raw := range batch {
				b.handle(st.w, raw)
			}
		}
	}
}

// handle expands one raw FSEvents flag set. The kernel coalesces several
// changes into one mask; distinct change kinds are emitted in a fixed
// order: delete, move, create, modify.
func (b *fseventsBackend) handle(w Watch, raw fsevents.Event) {
	path := raw.Path
	if !filepath.IsAbs(path) {
		path = string(filepath.Separator) + path
	}
	path = filepath.Clean(path)

	if internal.Debug {
		internal.Debugf("fsevents: id=%d flags=%#x → %s", raw.ID, raw.Flags, path)
	}

	if raw.Flags&(fsevents.MustScanSubDirs|fsevents.KernelDropped|fsevents.UserDropped) != 0 {
		b.sink.overflow()
	}

	if raw.Flags&fsevents.RootChanged != 0 {
		// The watch root itself moved or was deleted; FSEvents won't say
		// which, so look.
		if _, err := os.Lstat(w.Path); err != nil {
			b.sink.event(Event{Kind: Deleted, Path: w.Path, IsDir: true}, w.ID)
		}
		return
	}

	// A non-recursive watch is synthesized from the recursive stream by
	// dropping everything below the immediate children.
	if !w.contains(path) {
		return
	}

	isDir := raw.Flags&fsevents.ItemIsDir != 0

	if raw.Flags&fsevents.ItemRemoved != 0 {
		b.sink.event(Event{Kind: Deleted, Path: path, IsDir: isDir}, w.ID)
	}
	if raw.Flags&fsevents.ItemRenamed != 0 {
		// The two halves of a rename arrive as separate events with
		// consecutive IDs. The half whose path is gone is the source; the
		// half whose path exists is the destination.
		if _, err := os.Lstat(path); err != nil {
			b.grouper.moveFrom(raw.ID+1, path, isDir, w.ID)
		} else {
			b.grouper.moveTo(raw.ID, path, isDir, w.ID)
		}
	}
	if raw.Flags&fsevents.ItemCreated != 0 {
		b.sink.event(Event{Kind: Created, Path: path, IsDir: isDir}, w.ID)
	}
	if raw.Flags&(fsevents.ItemModified|fsevents.ItemInodeMetaMod|
		fsevents.ItemFinderInfoMod|fsevents.ItemChangeOwner|fsevents.ItemXattrMod) != 0 {
		b.sink.event(Event{Kind: Modified, Path: path, IsDir: isDir}, w.ID)
	}
}
