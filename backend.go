package fsobserve

import "time"

// backend is the per-platform adapter capability set. A backend owns one
// pump goroutine that blocks on the kernel, normalizes raw notifications
// into Events, and puts them on the observer's queue through its sink.
type backend interface {
	// start opens kernel resources and spawns the pump goroutine.
	start() error

	// stop signals the pump to exit and releases kernel resources; it
	// returns without waiting. done is closed once the pump has exited.
	stop() error
	done() <-chan struct{}

	// addWatch registers a kernel subscription for the watch; events
	// emitted for it carry the watch's ID.
	addWatch(w Watch) error
	removeWatch(w Watch) error

	// supports reports whether this backend can deliver the event kind.
	supports(k Kind) bool
}

// sink is how a backend hands its output to the observer: events and
// overflow markers go to the queue, failures to the observer's error
// reporting. None of these block.
type sink struct {
	queue *eventQueue
	errf  func(error) // Non-fatal; forwarded to Observer.Errors.
	fatal func(error) // Terminal; the observer transitions to stopped.
}

func (s *sink) event(ev Event, w WatchID) { s.queue.put(ev, w) }
func (s *sink) overflow()                 { s.queue.putOverflow() }

const (
	defaultQueueTimeout = time.Second
	defaultPollInterval = time.Second
	defaultLatency      = time.Millisecond
	defaultStopGrace    = 5 * time.Second
	defaultBufferSize   = 65536
)

type options struct {
	queueCap     int
	queueTimeout time.Duration
	moveWindow   time.Duration
	moveCapacity int
	latency      time.Duration
	pollInterval time.Duration
	follow       bool
	grace        time.Duration
	bufSize      int
}

func resolveOptions(opts ...Option) options {
	o := options{
		queueTimeout: defaultQueueTimeout,
		moveWindow:   defaultMoveWindow,
		moveCapacity: defaultMoveCapacity,
		latency:      defaultLatency,
		pollInterval: defaultPollInterval,
		grace:        defaultStopGrace,
		bufSize:      defaultBufferSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures an observer at construction time.
type Option func(*options)

// WithQueueCapacity bounds the event queue. Once full the oldest event is
// discarded and handlers receive an overflow marker. The default is
// unbounded.
func WithQueueCapacity(n int) Option { return func(o *options) { o.queueCap = n } }

// WithQueueTimeout sets how long the dispatcher waits for an event before
// re-checking for shutdown. The default is one second.
func WithQueueTimeout(d time.Duration) Option { return func(o *options) { o.queueTimeout = d } }

// WithMoveWindow sets how long the inotify backend holds the first half of
// a rename waiting for the second. The default is 500ms.
func WithMoveWindow(d time.Duration) Option { return func(o *options) { o.moveWindow = d } }

// WithMoveCapacity bounds the pending rename map. The default is 8192.
func WithMoveCapacity(n int) Option { return func(o *options) { o.moveCapacity = n } }

// WithStreamLatency sets the FSEvents coalescing latency. The default is
// one millisecond.
func WithStreamLatency(d time.Duration) Option { return func(o *options) { o.latency = d } }

// WithPollInterval sets the polling backend's rescan interval. The default
// is one second.
func WithPollInterval(d time.Duration) Option { return func(o *options) { o.pollInterval = d } }

// WithFollowSymlinks makes the polling backend's snapshots descend into
// symlinked directories; direct calls to [Take] use their own
// followSymlinks argument instead. Native backends never follow symlinks
// when recursing.
func WithFollowSymlinks() Option { return func(o *options) { o.follow = true } }

// WithStopGrace sets how long Stop waits for the pump and dispatcher
// goroutines before abandoning them. The default is five seconds.
func WithStopGrace(d time.Duration) Option { return func(o *options) { o.grace = d } }

// WithBufferSize sets the ReadDirectoryChangesW buffer size; no-op on other
// platforms. The default is 64K, the largest value that is guaranteed to
// work with SMB filesystems.
func WithBufferSize(n int) Option { return func(o *options) { o.bufSize = n } }
