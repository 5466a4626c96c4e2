package fsobserve

import (
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/fsobserve/fsobserve/internal"
)

type observerState int

const (
	stateCreated observerState = iota
	stateStarted
	stateStopped
)

// Observer binds one platform backend to a dispatcher and manages the
// lifecycle of watches and handlers. It moves through three states:
// created → started → stopped; a stopped observer cannot be restarted.
//
// Schedule, Unschedule and UnscheduleAll are safe to call from any
// goroutine at any time. Handlers run on the single dispatcher goroutine
// with no observer locks held.
type Observer struct {
	// Errors reports non-fatal problems: handler panics, bookkeeping
	// failures inside the pump, goroutines abandoned at shutdown. The
	// channel is buffered and never blocks dispatching; when nobody reads
	// it, excess errors are dropped.
	Errors chan error

	backend backend
	queue   *eventQueue
	opts    options

	mu      sync.Mutex
	state   observerState
	watches map[WatchID]*watchEntry
	order   []WatchID // Watch creation order; dispatch order follows it.
	byKey   map[watchKey]WatchID
	nextID  WatchID

	dispatchDone chan struct{}
	closed       chan struct{}

	termOnce sync.Once
	termErr  error
	stopOnce sync.Once
	stopErr  error
}

type watchEntry struct {
	w        Watch
	handlers []Handler
}

// New returns an observer using the best native mechanism for the current
// platform: inotify on Linux, FSEvents (or kqueue without cgo) on macOS,
// kqueue on the BSDs, ReadDirectoryChangesW on Windows.
func New(opts ...Option) (*Observer, error) {
	return newObserver(newNativeBackend, opts...)
}

// NewPolling returns an observer that detects changes by periodically
// re-walking the watched trees and diffing snapshots. It works on any
// filesystem, including ones where kernel notification doesn't (NFS, SMB,
// FUSE), at the cost of latency and I/O.
func NewPolling(opts ...Option) (*Observer, error) {
	return newObserver(newPollingBackend, opts...)
}

func newObserver(mk func(*sink, *options) backend, opts ...Option) (*Observer, error) {
	o := &Observer{
		Errors:       make(chan error, 16),
		opts:         resolveOptions(opts...),
		watches:      make(map[WatchID]*watchEntry),
		byKey:        make(map[watchKey]WatchID),
		dispatchDone: make(chan struct{}),
		closed:       make(chan struct{}),
	}
	o.queue = newEventQueue(o.opts.queueCap)
	o.backend = mk(&sink{
		queue: o.queue,
		errf:  o.report,
		fatal: o.fail,
	}, &o.opts)
	return o, nil
}

// Start opens the backend's kernel resources and spawns the two long-lived
// goroutines: the backend pump and the dispatcher. Watches scheduled before
// Start are registered now; registration failures for them are reported on
// Errors.
func (o *Observer) Start() error {
	o.mu.Lock()
	switch o.state {
	case stateStarted:
		o.mu.Unlock()
		return nil
	case stateStopped:
		o.mu.Unlock()
		return ErrClosed
	}

	if err := o.backend.start(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.state = stateStarted
	pending := make([]Watch, 0, len(o.order))
	for _, id := range o.order {
		pending = append(pending, o.watches[id].w)
	}
	o.mu.Unlock()

	for _, w := range pending {
		if err := o.backend.addWatch(w); err != nil {
			o.report(fmt.Errorf("fsobserve: watch %q: %w", w.Path, err))
		}
	}

	go o.dispatch()
	return nil
}

// Stop signals both goroutines, waits for them up to the configured grace
// period, and releases the backend's kernel resources. Goroutines that fail
// to exit in time are abandoned and a warning is reported on Errors. After
// Stop returns no handler is invoked again. Stop is idempotent.
func (o *Observer) Stop() error {
	o.stopOnce.Do(func() { o.stopErr = o.doStop() })
	return o.stopErr
}

func (o *Observer) doStop() error {
	o.mu.Lock()
	prev := o.state
	o.state = stateStopped
	o.mu.Unlock()

	defer close(o.closed)
	if prev != stateStarted {
		o.queue.close()
		return nil
	}

	deadline := time.Now().Add(o.opts.grace)
	err := o.backend.stop()

	if !waitUntil(o.backend.done(), deadline) {
		o.report(fmt.Errorf("fsobserve: backend pump did not exit within %s; abandoned", o.opts.grace))
	}

	o.queue.close()
	if !waitUntil(o.dispatchDone, deadline) {
		o.report(fmt.Errorf("fsobserve: dispatcher did not exit within %s; abandoned", o.opts.grace))
	}
	return err
}

func waitUntil(ch <-chan struct{}, deadline time.Time) bool {
	wait := time.Until(deadline)
	if wait <= 0 {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// Done is closed once the observer has stopped, whether by Stop or by a
// terminal backend error.
func (o *Observer) Done() <-chan struct{} { return o.closed }

// Err returns the terminal error that stopped the observer, or nil when it
// was stopped normally (or is still running).
func (o *Observer) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.termErr
}

// fail records a terminal backend error and stops the observer. The pump
// goroutine calls this on its way out, so the actual Stop runs elsewhere.
func (o *Observer) fail(err error) {
	o.termOnce.Do(func() {
		o.mu.Lock()
		o.termErr = err
		o.mu.Unlock()
		o.report(err)
		go o.Stop()
	})
}

// report delivers an error to Errors without ever blocking event flow.
func (o *Observer) report(err error) {
	if err == nil {
		return
	}
	select {
	case o.Errors <- err:
	default:
		internal.Debugf("error dropped (Errors channel full): %s", err)
	}
}

// Schedule attaches handler to a watch on path. If an equivalent watch
// already exists (same path, same recursive flag) the handler is attached
// to it and no new kernel registration is made; otherwise a new watch is
// created. The path must exist.
func (o *Observer) Schedule(handler Handler, path string, recursive bool) (Watch, error) {
	path, err := normalizePath(path)
	if err != nil {
		return Watch{}, err
	}
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return Watch{}, fmt.Errorf("%w: %s", ErrWatchPathDoesNotExist, path)
		}
		return Watch{}, osErrorf("lstat", err)
	}

	o.mu.Lock()
	if o.state == stateStopped {
		o.mu.Unlock()
		return Watch{}, ErrClosed
	}
	key := watchKey{path, recursive}
	if id, ok := o.byKey[key]; ok {
		e := o.watches[id]
		e.handlers = append(e.handlers, handler)
		w := e.w
		o.mu.Unlock()
		return w, nil
	}

	o.nextID++
	w := Watch{ID: o.nextID, Path: path, Recursive: recursive}
	o.watches[w.ID] = &watchEntry{w: w, handlers: []Handler{handler}}
	o.order = append(o.order, w.ID)
	o.byKey[key] = w.ID
	started := o.state == stateStarted
	o.mu.Unlock()

	if started {
		if err := o.backend.addWatch(w); err != nil {
			o.forget(w)
			if os.IsNotExist(err) {
				return Watch{}, fmt.Errorf("%w: %s", ErrWatchPathDoesNotExist, path)
			}
			return Watch{}, err
		}
	}
	return w, nil
}

// Unschedule removes the watch, all its handlers, and the underlying kernel
// registration.
func (o *Observer) Unschedule(w Watch) error {
	o.mu.Lock()
	e, ok := o.watches[w.ID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNonExistentWatch, w.Path)
	}
	started := o.state == stateStarted
	o.forgetLocked(e.w)
	o.mu.Unlock()

	if started {
		return o.backend.removeWatch(e.w)
	}
	return nil
}

// UnscheduleAll removes every watch and handler.
func (o *Observer) UnscheduleAll() error {
	o.mu.Lock()
	all := make([]Watch, 0, len(o.order))
	for _, id := range o.order {
		all = append(all, o.watches[id].w)
	}
	started := o.state == stateStarted
	o.watches = make(map[WatchID]*watchEntry)
	o.byKey = make(map[watchKey]WatchID)
	o.order = nil
	o.mu.Unlock()

	var firstErr error
	if started {
		for _, w := range all {
			if err := o.backend.removeWatch(w); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Observer) forget(w Watch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forgetLocked(w)
}

func (o *Observer) forgetLocked(w Watch) {
	delete(o.watches, w.ID)
	delete(o.byKey, w.key())
	for i, id := range o.order {
		if id == w.ID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// AddHandler attaches an additional handler to an existing watch. Handlers
// on one watch are invoked in attachment order.
func (o *Observer) AddHandler(handler Handler, w Watch) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.watches[w.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNonExistentWatch, w.Path)
	}
	e.handlers = append(e.handlers, handler)
	return nil
}

// RemoveHandler detaches a handler from a watch. Removing the last handler
// unschedules the watch: a watch exists only while at least one handler
// references it.
func (o *Observer) RemoveHandler(handler Handler, w Watch) error {
	o.mu.Lock()
	e, ok := o.watches[w.ID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNonExistentWatch, w.Path)
	}
	for i, h := range e.handlers {
		if handlerEq(h, handler) {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			break
		}
	}
	if len(e.handlers) > 0 {
		o.mu.Unlock()
		return nil
	}
	started := o.state == stateStarted
	o.forgetLocked(e.w)
	o.mu.Unlock()

	if started {
		return o.backend.removeWatch(e.w)
	}
	return nil
}

// handlerEq compares handlers by identity. Function-backed handlers aren't
// comparable with ==, so those compare by code pointer.
func handlerEq(a, b Handler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() == reflect.Func && vb.Kind() == reflect.Func {
		return va.Pointer() == vb.Pointer()
	}
	if va.Type() != vb.Type() || !va.Type().Comparable() {
		return false
	}
	return a == b
}

// WatchList returns the paths of all scheduled watches in creation order.
func (o *Observer) WatchList() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	paths := make([]string, 0, len(o.order))
	for _, id := range o.order {
		paths = append(paths, o.watches[id].w.Path)
	}
	return paths
}

// Supports reports whether the active backend can deliver the event kind.
// Opened, CloseWrite and CloseNoWrite are inotify-only; everything else is
// delivered everywhere.
func (o *Observer) Supports(k Kind) bool { return o.backend.supports(k) }
