//go:build windows

package fsobserve

import (
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/fsobserve/fsobserve/internal"
	"golang.org/x/sys/windows"
)

// NewWindows returns an observer explicitly backed by ReadDirectoryChangesW;
// [New] picks it by default on Windows.
func NewWindows(opts ...Option) (*Observer, error) {
	return newObserver(newWindowsBackend, opts...)
}

// notifyFilter covers name changes in both namespaces plus attribute, size,
// write-time, and security changes.
const notifyFilter = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
	windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_ATTRIBUTES |
	windows.FILE_NOTIFY_CHANGE_SIZE |
	windows.FILE_NOTIFY_CHANGE_LAST_WRITE |
	windows.FILE_NOTIFY_CHANGE_SECURITY

type windowsBackend struct {
	sink *sink
	opts *options

	port     windows.Handle // Completion port; owns the pump's blocking wait.
	input    chan *winInput // Add/remove requests served on the pump thread.
	quit     chan struct{}
	stopOnce sync.Once
	pumpDone chan struct{}

	// The watch table is only touched on the pump thread; overlapped reads
	// are tied to it.
	watches map[WatchID]*winWatch
}

type winInput struct {
	op    int // opAdd or opRemove
	w     Watch
	reply chan error
}

const (
	opAdd = iota
	opRemove
)

// winWatch is one outstanding overlapped directory read. ov must stay the
// first field: the completion key is the overlapped pointer, cast back.
type winWatch struct {
	ov        windows.Overlapped
	handle    windows.Handle
	dir       string // Directory handed to ReadDirectoryChangesW.
	name      string // Non-empty when a single file inside dir is watched.
	owner     WatchID
	recursive bool
	rename    string // Old name stashed between the two rename halves.
	buf       []byte
}

func newWindowsBackend(s *sink, o *options) backend {
	return &windowsBackend{
		sink:     s,
		opts:     o,
		input:    make(chan *winInput, 1),
		quit:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		watches:  make(map[WatchID]*winWatch),
	}
}

func (b *windowsBackend) start() error {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return osErrorf("CreateIoCompletionPort", err)
	}
	b.port = port
	go b.pump()
	return nil
}

func (b *windowsBackend) stop() error {
	b.stopOnce.Do(func() {
		close(b.quit)
		b.wake()
	})
	return nil
}

func (b *windowsBackend) done() <-chan struct{} { return b.pumpDone }

func (b *windowsBackend) supports(k Kind) bool {
	switch k {
	case Opened, CloseWrite, CloseNoWrite:
		return false
	}
	return true
}

// wake posts an empty completion so the pump notices control traffic.
func (b *windowsBackend) wake() error {
	err := windows.PostQueuedCompletionStatus(b.port, 0, 0, nil)
	if err != nil {
		return osErrorf("PostQueuedCompletionStatus", err)
	}
	return nil
}

func (b *windowsBackend) addWatch(w Watch) error    { return b.request(opAdd, w) }
func (b *windowsBackend) removeWatch(w Watch) error { return b.request(opRemove, w) }

func (b *windowsBackend) request(op int, w Watch) error {
	in := &winInput{op: op, w: w, reply: make(chan error)}
	select {
	case b.input <- in:
	case <-b.quit:
		return ErrClosed
	}
	if err := b.wake(); err != nil {
		return err
	}
	select {
	case err := <-in.reply:
		return err
	case <-b.pumpDone:
		return ErrClosed
	}
}

// Must run on the pump thread.
func (b *windowsBackend) addWatchLocked(w Watch) error {
	dir, name := w.Path, ""
	attrs, err := windows.GetFileAttributes(windows.StringToUTF16Ptr(w.Path))
	if err != nil {
		return osErrorf("GetFileAttributes", err)
	}
	if attrs&windows.FILE_ATTRIBUTE_DIRECTORY == 0 {
		// Watching a single file: read its directory and filter by name.
		dir, name = filepath.Split(w.Path)
		dir = filepath.Clean(dir)
	}

	h, err := windows.CreateFile(windows.StringToUTF16Ptr(dir),
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED, 0)
	if err != nil {
		return osErrorf("CreateFile", err)
	}
	if _, err := windows.CreateIoCompletionPort(h, b.port, 0, 0); err != nil {
		windows.CloseHandle(h)
		return osErrorf("CreateIoCompletionPort", err)
	}

	ww := &winWatch{
		handle:    h,
		dir:       dir,
		name:      name,
		owner:     w.ID,
		recursive: w.Recursive,
		buf:       make([]byte, b.opts.bufSize),
	}
	b.watches[w.ID] = ww

	if err := b.startRead(ww); err != nil {
		delete(b.watches, w.ID)
		windows.CloseHandle(h)
		return err
	}
	return nil
}

// Must run on the pump thread.
func (b *windowsBackend) removeWatchLocked(w Watch) error {
	ww, ok := b.watches[w.ID]
	if !ok {
		return ErrNonExistentWatch
	}
	b.closeWatch(ww)
	return nil
}

func (b *windowsBackend) closeWatch(ww *winWatch) {
	windows.CancelIo(ww.handle)
	windows.CloseHandle(ww.handle)
	delete(b.watches, ww.owner)
}

// startRead issues the next overlapped directory read.
func (b *windowsBackend) startRead(ww *winWatch) error {
	err := windows.ReadDirectoryChanges(ww.handle, &ww.buf[0], uint32(len(ww.buf)),
		ww.recursive, notifyFilter, nil, &ww.ov, 0)
	if err != nil {
		if err == windows.ERROR_ACCESS_DENIED {
			// Watched directory was probably removed.
			b.sink.event(Event{Kind: Deleted, Path: b.watchPath(ww), IsDir: ww.name == ""}, ww.owner)
			b.closeWatch(ww)
			return nil
		}
		return osErrorf("ReadDirectoryChanges", err)
	}
	return nil
}

func (b *windowsBackend) watchPath(ww *winWatch) string {
	if ww.name != "" {
		return filepath.Join(ww.dir, ww.name)
	}
	return ww.dir
}

// pump runs the completion loop: control traffic (empty completions) and
// finished directory reads.
func (b *windowsBackend) pump() {
	defer close(b.pumpDone)

	var (
		n   uint32
		key uintptr
		ov  *windows.Overlapped
	)
	for {
		qErr := windows.GetQueuedCompletionStatus(b.port, &n, &key, &ov, windows.INFINITE)

		if ov == nil {
			select {
			case <-b.quit:
				for _, ww := range b.watches {
					b.closeWatch(ww)
				}
				windows.CloseHandle(b.port)
				return
			case in := <-b.input:
				switch in.op {
				case opAdd:
					in.reply <- b.addWatchLocked(in.w)
				case opRemove:
					in.reply <- b.removeWatchLocked(in.w)
				}
			default:
			}
			continue
		}

		ww := (*winWatch)(unsafe.Pointer(ov))
		switch qErr {
		case nil:
		case windows.ERROR_MORE_DATA:
			// The I/O succeeded but the buffer is full; what fits is valid.
			n = uint32(len(ww.buf))
		case windows.ERROR_ACCESS_DENIED:
			b.sink.event(Event{Kind: Deleted, Path: b.watchPath(ww), IsDir: ww.name == ""}, ww.owner)
			b.closeWatch(ww)
			continue
		case windows.ERROR_OPERATION_ABORTED:
			// CancelIo from closeWatch.
			continue
		default:
			b.sink.errf(osErrorf("GetQueuedCompletionStatus", qErr))
			continue
		}

		if n == 0 {
			// Zero-length completion: the kernel's buffer overflowed and
			// the change list was discarded.
			b.sink.overflow()
		} else {
			b.decode(ww, n)
		}

		if err := b.startRead(ww); err != nil {
			b.sink.errf(err)
		}
	}
}

// decode walks the variable-length FILE_NOTIFY_INFORMATION list.
func (b *windowsBackend) decode(ww *winWatch, n uint32) {
	var offset uint32
	for {
		raw := (*windows.FileNotifyInformation)(unsafe.Pointer(&ww.buf[offset]))
		nameLen := int(raw.FileNameLength / 2)
		name := windows.UTF16ToString(unsafe.Slice(&raw.FileName, nameLen))
		fullname := filepath.Join(ww.dir, name)

		if internal.Debug {
			internal.Debugf("ReadDirectoryChangesW: action=%d → %s", raw.Action, fullname)
		}
		b.handleAction(ww, raw.Action, fullname)

		if raw.NextEntryOffset == 0 {
			break
		}
		offset += raw.NextEntryOffset
		if offset >= n {
			b.sink.errf(osErrorf("ReadDirectoryChanges", windows.ERROR_MORE_DATA))
			break
		}
	}

	// A renamed-old-name with no new-name half in the same buffer: the
	// destination is outside the watch, so the path is simply gone.
	b.flushRename(ww)
}

func (b *windowsBackend) handleAction(ww *winWatch, action uint32, fullname string) {
	// The old-name half pairs only with an immediately following new-name
	// record; anything in between breaks the pair apart into a deletion
	// and, later, a creation.
	if ww.rename != "" && action != windows.FILE_ACTION_RENAMED_NEW_NAME {
		b.flushRename(ww)
	}

	switch action {
	case windows.FILE_ACTION_RENAMED_OLD_NAME:
		ww.rename = fullname
	case windows.FILE_ACTION_ADDED:
		if b.inScope(ww, fullname) {
			b.sink.event(Event{Kind: Created, Path: fullname, IsDir: isDirPath(fullname)}, ww.owner)
		}
	case windows.FILE_ACTION_REMOVED:
		if b.inScope(ww, fullname) {
			b.sink.event(Event{Kind: Deleted, Path: fullname}, ww.owner)
		}
	case windows.FILE_ACTION_MODIFIED:
		if b.inScope(ww, fullname) {
			b.sink.event(Event{Kind: Modified, Path: fullname, IsDir: isDirPath(fullname)}, ww.owner)
		}
	case windows.FILE_ACTION_RENAMED_NEW_NAME:
		old := ww.rename
		ww.rename = ""
		switch {
		case old != "" && (b.inScope(ww, old) || b.inScope(ww, fullname)):
			b.sink.event(Event{Kind: Moved, Path: old, Dest: fullname, IsDir: isDirPath(fullname)}, ww.owner)
		case old == "" && b.inScope(ww, fullname):
			// The source half was lost: the path simply appeared.
			b.sink.event(Event{Kind: Created, Path: fullname, IsDir: isDirPath(fullname)}, ww.owner)
		}
	}
}

func (b *windowsBackend) flushRename(ww *winWatch) {
	if ww.rename == "" {
		return
	}
	old := ww.rename
	ww.rename = ""
	if b.inScope(ww, old) {
		b.sink.event(Event{Kind: Deleted, Path: old}, ww.owner)
	}
}

func (b *windowsBackend) inScope(ww *winWatch, fullname string) bool {
	if ww.name == "" {
		return true
	}
	return filepath.Base(fullname) == ww.name
}

func isDirPath(path string) bool {
	fi, err := os.Lstat(path)
	return err == nil && fi.IsDir()
}
