//go:build freebsd || openbsd || netbsd || dragonfly || darwin

package fsobserve

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsobserve/fsobserve/internal"
	"golang.org/x/sys/unix"
)

// NewKqueue returns an observer explicitly backed by kqueue. [New] picks it
// by default on the BSDs, and on macOS when the FSEvents backend isn't
// compiled in.
//
// kqueue observes open file descriptors, not paths: every watched file and
// directory costs a descriptor, so large trees run into the open-file limit
// quickly. The kernel only says that *something* changed in a directory;
// creations are derived by re-listing it and comparing against what was
// seen before.
func NewKqueue(opts ...Option) (*Observer, error) {
	return newObserver(newKqueueBackend, opts...)
}

// Watch all events of interest (not NOTE_EXTEND, NOTE_LINK, NOTE_REVOKE).
const noteAllEvents = unix.NOTE_DELETE | unix.NOTE_WRITE | unix.NOTE_ATTRIB | unix.NOTE_RENAME

type kqueueBackend struct {
	sink *sink
	opts *options

	kq        int
	closepipe [2]int // Pipe used for waking the blocked kevent call.
	watches   *kqWatches
	stopOnce  sync.Once
	pumpDone  chan struct{}
}

type (
	kqWatches struct {
		mu   sync.Mutex
		wd   map[int]*kqWatch // descriptor → watch
		path map[string]int   // path → descriptor
		seen map[string]struct{}
	}
	kqWatch struct {
		fd      int
		path    string
		isDir   bool
		owner   WatchID
		recurse bool
	}
)

func newKqueueBackend(s *sink, o *options) backend {
	return &kqueueBackend{
		sink: s,
		opts: o,
		kq:   -1,
		watches: &kqWatches{
			wd:   make(map[int]*kqWatch),
			path: make(map[string]int),
			seen: make(map[string]struct{}),
		},
		pumpDone: make(chan struct{}),
	}
}

func (b *kqueueBackend) start() error {
	kq, err := unix.Kqueue()
	if kq == -1 {
		return osErrorf("kqueue", err)
	}
	b.kq = kq

	// Register a read event on the pipe so closing the write end wakes
	// kevent(); without it the pump could never be stopped.
	if err := unix.Pipe(b.closepipe[:]); err != nil {
		unix.Close(kq)
		return osErrorf("pipe", err)
	}
	unix.CloseOnExec(b.closepipe[0])
	unix.CloseOnExec(b.closepipe[1])

	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], b.closepipe[0], unix.EVFILT_READ,
		unix.EV_ADD|unix.EV_ENABLE|unix.EV_ONESHOT)
	if ok, err := unix.Kevent(b.kq, changes, nil, nil); ok == -1 {
		unix.Close(kq)
		unix.Close(b.closepipe[0])
		unix.Close(b.closepipe[1])
		return osErrorf("kevent", err)
	}

	go b.pump()
	return nil
}

func (b *kqueueBackend) stop() error {
	b.stopOnce.Do(func() { unix.Close(b.closepipe[1]) })
	return nil
}

func (b *kqueueBackend) done() <-chan struct{} { return b.pumpDone }

func (b *kqueueBackend) supports(k Kind) bool {
	switch k {
	case Opened, CloseWrite, CloseNoWrite:
		return false
	}
	return true
}

func (b *kqueueBackend) addWatch(w Watch) error {
	return b.watchPath(w.Path, w.ID, w.Recursive, false)
}

// watchPath opens a descriptor for path, registers it with the queue, and
// for directories descends to the children (and, when recursing, the whole
// subtree). With announce set, paths not seen before are reported as
// Created; that's how directory re-listing turns into events.
func (b *kqueueBackend) watchPath(path string, owner WatchID, recurse, announce bool) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}

	// Don't watch sockets, pipes, or symlinks; a symlinked directory is
	// observed as a symlink, not followed.
	mode := fi.Mode()
	if mode&(os.ModeSocket|os.ModeNamedPipe) != 0 {
		return nil
	}
	if mode&os.ModeSymlink != 0 {
		b.watches.markSeen(path, true)
		return nil
	}

	if announce && !b.watches.seenBefore(path) {
		b.sink.event(Event{Kind: Created, Path: path, IsDir: fi.IsDir()}, owner)
	}

	if _, ok := b.watches.byPath(path); !ok {
		fd, err := openRetry(path)
		if err != nil {
			// Unreadable entries still count as seen so a later re-listing
			// doesn't report them as new.
			if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
				b.watches.markSeen(path, true)
				return nil
			}
			return osErrorf("open", err)
		}
		if err := b.register(fd, noteAllEvents); err != nil {
			unix.Close(fd)
			return err
		}
		b.watches.add(&kqWatch{fd: fd, path: path, isDir: fi.IsDir(), owner: owner, recurse: recurse})
	}
	b.watches.markSeen(path, true)

	if !fi.IsDir() {
		return nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return osErrorf("readdir", err)
	}
	for _, ent := range entries {
		child := filepath.Join(path, ent.Name())
		if ent.IsDir() && !recurse {
			// One level only: watch the subdirectory for delete and rename
			// so its disappearance is reported, but don't descend into it.
			if announce && !b.watches.seenBefore(child) {
				b.sink.event(Event{Kind: Created, Path: child, IsDir: true}, owner)
			}
			if err := b.watchDirShallow(child, owner); err != nil {
				b.sink.errf(err)
			}
			b.watches.markSeen(child, true)
			continue
		}
		if err := b.watchPath(child, owner, recurse, announce); err != nil {
			b.sink.errf(err)
		}
	}
	return nil
}

// watchDirShallow registers a subdirectory of a non-recursive watch with
// delete and rename notification only; changes inside it are out of scope.
func (b *kqueueBackend) watchDirShallow(path string, owner WatchID) error {
	if _, ok := b.watches.byPath(path); ok {
		return nil
	}
	fd, err := openRetry(path)
	if err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return nil
		}
		return osErrorf("open", err)
	}
	if err := b.register(fd, unix.NOTE_DELETE|unix.NOTE_RENAME); err != nil {
		unix.Close(fd)
		return err
	}
	b.watches.add(&kqWatch{fd: fd, path: path, isDir: true, owner: owner})
	return nil
}

// Retry on EINTR; open() can return EINTR in practice on macOS.
func openRetry(path string) (int, error) {
	for {
		fd, err := unix.Open(path, openMode, 0)
		if err == nil {
			return fd, nil
		}
		if !errors.Is(err, unix.EINTR) {
			return -1, err
		}
	}
}

func (b *kqueueBackend) removeWatch(w Watch) error {
	removed := b.watches.removeSubtree(w.Path, true)
	if len(removed) == 0 {
		return ErrNonExistentWatch
	}
	// Children before parents: descriptors never outlive the watch.
	sort.Slice(removed, func(i, j int) bool {
		return len(removed[i].path) > len(removed[j].path)
	})
	for _, ww := range removed {
		b.unregister(ww.fd)
		unix.Close(ww.fd)
	}
	return nil
}

func (b *kqueueBackend) register(fd int, fflags uint32) error {
	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_VNODE,
		unix.EV_ADD|unix.EV_CLEAR|unix.EV_ENABLE)
	changes[0].Fflags = fflags
	if ok, err := unix.Kevent(b.kq, changes, nil, nil); ok == -1 {
		return osErrorf("kevent", err)
	}
	return nil
}

func (b *kqueueBackend) unregister(fd int) {
	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_VNODE, unix.EV_DELETE)
	unix.Kevent(b.kq, changes, nil, nil)
}

func (b *kqueueBackend) pump() {
	defer func() {
		for _, ww := range b.watches.removeSubtree("", true) {
			unix.Close(ww.fd)
		}
		unix.Close(b.kq)
		unix.Close(b.closepipe[0])
		close(b.pumpDone)
	}()

	events := make([]unix.Kevent_t, 10)
	for {
		n, err := unix.Kevent(b.kq, nil, events, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			b.sink.fatal(osErrorf("kevent", err))
			return
		}

		closing := false
		for _, kev := range events[:n] {
			fd := int(kev.Ident)
			if fd == b.closepipe[0] {
				// Shut down, but only after the already-fetched events are
				// processed.
				closing = true
				continue
			}

			ww := b.watches.byWd(fd)
			if ww == nil {
				continue
			}
			if internal.Debug {
				internal.Debugf("kqueue: fflags=%#x → %s", kev.Fflags, ww.path)
			}
			b.handleEvent(ww, uint32(kev.Fflags))
		}
		if closing {
			return
		}
	}
}

func (b *kqueueBackend) handleEvent(ww *kqWatch, fflags uint32) {
	switch {
	case fflags&unix.NOTE_RENAME != 0:
		// kqueue doesn't say where the file went; report the old name gone
		// and let the parent's NOTE_WRITE re-listing report the new name.
		b.drop(ww)
		b.sink.event(Event{Kind: Deleted, Path: ww.path, IsDir: ww.isDir}, ww.owner)

	case fflags&unix.NOTE_DELETE != 0:
		b.drop(ww)
		b.sink.event(Event{Kind: Deleted, Path: ww.path, IsDir: ww.isDir}, ww.owner)
		// A file may have been moved onto this one (mv new old deletes
		// "old" and recreates it in the same breath).
		if !ww.isDir {
			if _, err := os.Lstat(ww.path); err == nil {
				if err := b.watchPath(ww.path, ww.owner, ww.recurse, true); err != nil {
					b.sink.errf(err)
				}
			}
		}

	case ww.isDir && fflags&unix.NOTE_WRITE != 0:
		// Something changed in the directory: re-list and report paths not
		// seen before as Created. Deletions surface through the children's
		// own NOTE_DELETE.
		if err := b.watchPath(ww.path, ww.owner, ww.recurse, true); err != nil {
			b.sink.errf(err)
		}

	case fflags&(unix.NOTE_WRITE|unix.NOTE_ATTRIB) != 0:
		b.sink.event(Event{Kind: Modified, Path: ww.path, IsDir: ww.isDir}, ww.owner)
	}
}

// drop closes one watch; for a directory, the whole subtree below it (its
// paths are gone too, their own events follow from their descriptors).
func (b *kqueueBackend) drop(ww *kqWatch) {
	removed := b.watches.removeSubtree(ww.path, ww.isDir)
	sort.Slice(removed, func(i, j int) bool {
		return len(removed[i].path) > len(removed[j].path)
	})
	for _, r := range removed {
		b.unregister(r.fd)
		unix.Close(r.fd)
	}
}

func (w *kqWatches) add(ww *kqWatch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wd[ww.fd] = ww
	w.path[ww.path] = ww.fd
}

func (w *kqWatches) byWd(fd int) *kqWatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wd[fd]
}

func (w *kqWatches) byPath(path string) (*kqWatch, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ww, ok := w.wd[w.path[path]]
	return ww, ok && ww != nil
}

func (w *kqWatches) markSeen(path string, exists bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if exists {
		w.seen[path] = struct{}{}
	} else {
		delete(w.seen, path)
	}
}

func (w *kqWatches) seenBefore(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[path]
	return ok
}

// removeSubtree forgets the watch at root and, if subtree is set, everything
// below it, returning the forgotten watches. An empty root means everything.
func (w *kqWatches) removeSubtree(root string, subtree bool) []*kqWatch {
	w.mu.Lock()
	defer w.mu.Unlock()

	var removed []*kqWatch
	match := func(p string) bool {
		if root == "" {
			return true
		}
		if p == root {
			return true
		}
		return subtree && strings.HasPrefix(p, root+string(filepath.Separator))
	}
	for p, fd := range w.path {
		if !match(p) {
			continue
		}
		if ww, ok := w.wd[fd]; ok {
			removed = append(removed, ww)
			delete(w.wd, fd)
		}
		delete(w.path, p)
		delete(w.seen, p)
	}
	if root != "" {
		// Seen-entries without descriptors (symlinks, unreadable files).
		for p := range w.seen {
			if match(p) {
				delete(w.seen, p)
			}
		}
	}
	return removed
}
