package fsobserve

// WatchID uniquely identifies a watch within one observer.
type WatchID uint64

// Watch is a registered request to observe a path. The zero value is not a
// valid watch; use [Observer.Schedule] to obtain one.
type Watch struct {
	ID        WatchID
	Path      string // Absolute, cleaned; no trailing separator except root.
	Recursive bool   // Observe descendants too.
}

type watchKey struct {
	path      string
	recursive bool
}

func (w Watch) key() watchKey { return watchKey{w.Path, w.Recursive} }

// contains reports whether the watch's scope covers path. A non-recursive
// watch covers the watched path itself and its immediate children; a
// recursive watch covers every descendant.
func (w Watch) contains(path string) bool {
	if path == w.Path {
		return true
	}
	immediate, below := pathWithin(w.Path, path)
	if !below {
		return false
	}
	return w.Recursive || immediate
}
