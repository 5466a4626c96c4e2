//go:build linux

package fsobserve

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/fsobserve/fsobserve/internal"
	"golang.org/x/sys/unix"
)

// NewInotify returns an observer explicitly backed by inotify; [New] picks
// it by default on Linux. Mostly useful for tests.
func NewInotify(opts ...Option) (*Observer, error) {
	return newObserver(newInotifyBackend, opts...)
}

// inotifyFlags is the full subscription: every kind the event model knows,
// including the inotify-only open/close notifications. IN_DONT_FOLLOW keeps
// symlinked directories observed as symlinks.
const inotifyFlags = unix.IN_CREATE | unix.IN_DELETE | unix.IN_DELETE_SELF |
	unix.IN_ATTRIB | unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_MOVE_SELF |
	unix.IN_CLOSE_WRITE | unix.IN_CLOSE_NOWRITE | unix.IN_OPEN | unix.IN_MODIFY |
	unix.IN_DONT_FOLLOW

type inotifyBackend struct {
	sink *sink
	opts *options

	// Store fd here as os.File.Read() will no longer return on close after
	// calling Fd(). See: https://github.com/golang/go/issues/26439
	fd       int
	file     *os.File
	grouper  *moveGrouper
	watches  *inotifyWatches
	stopOnce sync.Once
	pumpDone chan struct{}
}

// One kernel watch per directory (or watched file). Recursive watches fan
// out to one entry per descendant directory, all tagged with the owning
// observer watch.
type (
	inotifyWatches struct {
		mu   sync.Mutex
		wd   map[uint32]*inotifyWatch // watch descriptor → watch
		path map[string]uint32        // path → watch descriptor
	}
	inotifyWatch struct {
		wd      uint32
		path    string
		owner   WatchID // Observer watch this kernel watch serves.
		recurse bool
		isDir   bool
	}
)

func newInotifyBackend(s *sink, o *options) backend {
	return &inotifyBackend{
		sink: s,
		opts: o,
		fd:   -1,
		watches: &inotifyWatches{
			wd:   make(map[uint32]*inotifyWatch),
			path: make(map[string]uint32),
		},
		pumpDone: make(chan struct{}),
	}
}

func (b *inotifyBackend) start() error {
	// Non-blocking mode so the blocking read terminates when the file is
	// closed.
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if fd == -1 {
		return osErrorf("inotify_init1", err)
	}
	b.fd = fd
	b.file = os.NewFile(uintptr(fd), "")
	b.grouper = newMoveGrouper(b.opts.moveWindow, b.opts.moveCapacity, b.sink.event)

	go b.pump()
	return nil
}

func (b *inotifyBackend) stop() error {
	var err error
	b.stopOnce.Do(func() {
		// Closing the fd wakes the blocked read and releases every kernel
		// watch in one go.
		err = b.file.Close()
	})
	return err
}

func (b *inotifyBackend) done() <-chan struct{} { return b.pumpDone }

func (b *inotifyBackend) supports(Kind) bool { return true }

func (b *inotifyBackend) addWatch(w Watch) error {
	if !w.Recursive {
		fi, err := os.Lstat(w.Path)
		if err != nil {
			return err
		}
		return b.register(w.Path, w.ID, false, fi.IsDir())
	}
	return filepath.WalkDir(w.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if path == w.Path {
				return errors.New("fsobserve: recursive watch on non-directory " + w.Path)
			}
			return nil
		}
		return b.register(path, w.ID, true, true)
	})
}

func (b *inotifyBackend) register(path string, owner WatchID, recurse, isDir bool) error {
	wd, err := unix.InotifyAddWatch(b.fd, path, inotifyFlags)
	if wd == -1 {
		if os.IsNotExist(err) {
			return err
		}
		return osErrorf("inotify_add_watch", err)
	}
	b.watches.add(&inotifyWatch{wd: uint32(wd), path: path, owner: owner, recurse: recurse, isDir: isDir})
	return nil
}

func (b *inotifyBackend) removeWatch(w Watch) error {
	removed := b.watches.removeSubtree(w.Path, w.Recursive)
	if len(removed) == 0 {
		return ErrNonExistentWatch
	}
	for _, ww := range removed {
		// EINVAL here means the kernel already dropped the watch (the path
		// was deleted); our table was just behind.
		if _, err := unix.InotifyRmWatch(b.fd, ww.wd); err != nil && err != unix.EINVAL {
			return osErrorf("inotify_rm_watch", err)
		}
	}
	return nil
}

// pump is the adapter's long-lived goroutine: it blocks on the inotify fd,
// normalizes each raw record, and feeds the move grouper and the queue.
func (b *inotifyBackend) pump() {
	defer func() {
		b.grouper.flush()
		close(b.pumpDone)
	}()

	var buf [unix.SizeofInotifyEvent * 4096]byte
	for {
		n, err := b.file.Read(buf[:])
		switch {
		case errors.Unwrap(err) == os.ErrClosed:
			return
		case err != nil:
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			b.sink.fatal(osErrorf("read", err))
			return
		}

		if n < unix.SizeofInotifyEvent {
			if n == 0 {
				b.sink.fatal(osErrorf("read", io.EOF))
				return
			}
			b.sink.errf(errors.New("fsobserve: short inotify read"))
			continue
		}

		var offset uint32
		for offset <= uint32(n-unix.SizeofInotifyEvent) {
			var (
				raw     = (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
				mask    = uint32(raw.Mask)
				nameLen = uint32(raw.Len)
			)
			offset += unix.SizeofInotifyEvent + nameLen

			if mask&unix.IN_Q_OVERFLOW != 0 {
				b.sink.overflow()
				continue
			}

			watch := b.watches.byWd(uint32(raw.Wd))
			if watch == nil {
				// Record for a watch we already forgot (IN_IGNORED
				// stragglers after a remove).
				continue
			}

			name := watch.path
			if nameLen > 0 {
				// The filename is padded with NUL bytes.
				bytes := (*[unix.PathMax]byte)(unsafe.Pointer(&buf[offset-nameLen]))[:nameLen:nameLen]
				name += string(filepath.Separator) + strings.TrimRight(string(bytes), "\000")
			}

			if internal.Debug {
				internal.DebugInotify(name, mask, raw.Cookie)
			}

			b.handleRecord(watch, name, mask, raw.Cookie)
		}
	}
}

func (b *inotifyBackend) handleRecord(watch *inotifyWatch, name string, mask, cookie uint32) {
	isDir := mask&unix.IN_ISDIR != 0

	switch {
	case mask&unix.IN_IGNORED != 0:
		// The kernel dropped the watch (deleted or unmounted); clean our
		// side of the table.
		b.watches.removeWd(watch.wd)

	case mask&unix.IN_DELETE_SELF != 0:
		b.watches.removeWd(watch.wd)
		// If the parent directory is watched too it reports the delete; no
		// need to do it twice.
		if b.watches.byPath(filepath.Dir(watch.path)) == nil {
			b.sink.event(Event{Kind: Deleted, Path: watch.path, IsDir: watch.isDir}, watch.owner)
		}

	case mask&unix.IN_MOVE_SELF != 0:
		// The watched directory itself moved. A rename inside the observed
		// tree was already handled when the MOVED_TO on the parent arrived
		// (the table paths were rewritten, so the current path exists). If
		// the path is gone the directory left the observed tree: drop every
		// descendant watch and report each as a synthetic deletion.
		if _, err := os.Lstat(watch.path); err == nil {
			return
		}
		for _, ww := range b.watches.removeSubtree(watch.path, true) {
			unix.InotifyRmWatch(b.fd, ww.wd)
			b.sink.event(Event{Kind: Deleted, Path: ww.path, IsDir: ww.isDir, Synthetic: true}, ww.owner)
		}

	case mask&unix.IN_MOVED_FROM != 0:
		b.grouper.moveFrom(uint64(cookie), name, isDir, watch.owner)

	case mask&unix.IN_MOVED_TO != 0:
		if isDir && watch.recurse {
			// A directory arrived by rename. If the source half is pending
			// the rename stayed inside the tree: rewrite descendant watch
			// paths. Otherwise it came from outside: watch the new subtree.
			if src, ok := b.grouper.pendingPath(uint64(cookie)); ok {
				b.watches.rewritePrefix(src, name)
			} else if err := b.watchNewSubtree(name, watch.owner, false); err != nil {
				b.sink.errf(err)
			}
		}
		b.grouper.moveTo(uint64(cookie), name, isDir, watch.owner)

	case mask&unix.IN_CREATE != 0:
		if isDir && watch.recurse {
			// Register before reporting, so nothing in the new directory
			// slips through; nested directories created before the watch
			// was in place are reported during the walk.
			if err := b.watchNewSubtree(name, watch.owner, true); err != nil {
				b.sink.errf(err)
			}
		}
		b.sink.event(Event{Kind: Created, Path: name, IsDir: isDir}, watch.owner)

	case mask&unix.IN_DELETE != 0:
		b.sink.event(Event{Kind: Deleted, Path: name, IsDir: isDir}, watch.owner)

	case mask&unix.IN_MODIFY != 0, mask&unix.IN_ATTRIB != 0:
		b.sink.event(Event{Kind: Modified, Path: name, IsDir: isDir}, watch.owner)

	case mask&unix.IN_CLOSE_WRITE != 0:
		b.sink.event(Event{Kind: CloseWrite, Path: name, IsDir: isDir}, watch.owner)

	case mask&unix.IN_CLOSE_NOWRITE != 0:
		b.sink.event(Event{Kind: CloseNoWrite, Path: name, IsDir: isDir}, watch.owner)

	case mask&unix.IN_OPEN != 0:
		b.sink.event(Event{Kind: Opened, Path: name, IsDir: isDir}, watch.owner)
	}
}

// watchNewSubtree registers root and every directory below it for a
// recursive watch that just gained them. With announce set, directories
// found below root are reported as Created: for "mkdir -p one/two/three"
// the kernel usually only tells us about "one" before the deeper levels
// already exist.
func (b *inotifyBackend) watchNewSubtree(root string, owner WatchID, announce bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Created and deleted again before we got here; the kernel
			// events tell the rest of the story.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if announce && path != root {
			b.sink.event(Event{Kind: Created, Path: path, IsDir: true}, owner)
		}
		return b.register(path, owner, true, true)
	})
}

func (w *inotifyWatches) add(ww *inotifyWatch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.path[ww.path]; ok && old != ww.wd {
		delete(w.wd, old)
	}
	w.wd[ww.wd] = ww
	w.path[ww.path] = ww.wd
}

func (w *inotifyWatches) byWd(wd uint32) *inotifyWatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wd[wd]
}

func (w *inotifyWatches) byPath(path string) *inotifyWatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wd[w.path[path]]
}

func (w *inotifyWatches) removeWd(wd uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ww, ok := w.wd[wd]; ok {
		delete(w.path, ww.path)
		delete(w.wd, wd)
	}
}

// removeSubtree drops the watch at root and, if subtree is set, every watch
// below it, returning what was removed.
func (w *inotifyWatches) removeSubtree(root string, subtree bool) []*inotifyWatch {
	w.mu.Lock()
	defer w.mu.Unlock()

	var removed []*inotifyWatch
	drop := func(wd uint32) {
		if ww, ok := w.wd[wd]; ok {
			removed = append(removed, ww)
			delete(w.path, ww.path)
			delete(w.wd, wd)
		}
	}

	if wd, ok := w.path[root]; ok {
		drop(wd)
	}
	if subtree {
		prefix := root + string(filepath.Separator)
		for p, wd := range w.path {
			if strings.HasPrefix(p, prefix) {
				drop(wd)
			}
		}
	}
	return removed
}

// rewritePrefix updates the paths of every watch under old to live under
// new; used when a watched directory is renamed within the observed tree.
func (w *inotifyWatches) rewritePrefix(old, new string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prefix := old + string(filepath.Separator)
	type rename struct {
		from, to string
		wd       uint32
	}
	var renames []rename
	for p, wd := range w.path {
		switch {
		case p == old:
			renames = append(renames, rename{p, new, wd})
		case strings.HasPrefix(p, prefix):
			renames = append(renames, rename{p, new + p[len(old):], wd})
		}
	}
	for _, r := range renames {
		delete(w.path, r.from)
		w.path[r.to] = r.wd
		w.wd[r.wd].path = r.to
	}
}
