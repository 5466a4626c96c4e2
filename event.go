// Package fsobserve provides a platform-independent facility for observing
// file system changes.
//
// An [Observer] binds the best native notification mechanism for the current
// platform (inotify on Linux, FSEvents or kqueue on macOS, kqueue on the
// BSDs, ReadDirectoryChangesW on Windows, and a polling fallback everywhere)
// to a dispatcher that fans events out to any number of handlers.
package fsobserve

import (
	"fmt"
	"strings"
)

// Kind describes what happened to a path.
type Kind int

const (
	// Created is sent when a new path appears. This may be followed by one
	// or more Modified events if data also gets written to a file.
	Created Kind = iota + 1

	// Deleted is sent when a path is removed.
	Deleted

	// Modified is sent when a file is written to or truncated, or when its
	// attributes change.
	Modified

	// Moved is sent when a path is renamed and both halves of the rename
	// are inside the observed tree; Event.Path is the old name and
	// Event.Dest the new one. Renaming into or out of the observed tree
	// shows up as just a Created or just a Deleted. The kqueue backend
	// never sends Moved: it reports every rename as a Deleted for the old
	// name and a Created for the new one.
	Moved

	// Opened is sent when a file is opened; inotify only.
	Opened

	// CloseWrite is sent when a file open for writing is closed; inotify
	// only.
	CloseWrite

	// CloseNoWrite is sent when a file open read-only is closed; inotify
	// only.
	CloseNoWrite

	// Overflow is the queue overflow marker: events were dropped, either by
	// the kernel or by a full event queue. Handlers that need completeness
	// should rescan with [Take] and [Snapshot.Diff].
	Overflow
)

// String returns the stable token for the kind.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	case Modified:
		return "modified"
	case Moved:
		return "moved"
	case Opened:
		return "opened"
	case CloseWrite:
		return "closed"
	case CloseNoWrite:
		return "closed_no_write"
	case Overflow:
		return "overflow"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event represents a single file system change.
type Event struct {
	// Kind is the operation that triggered the event.
	Kind Kind

	// Path is the absolute path the event applies to; for Moved it is the
	// old name.
	Path string

	// Dest is the new name; set only for Moved.
	Dest string

	// IsDir reports whether Path refers to a directory.
	IsDir bool

	// Synthetic is true when the event was derived rather than reported by
	// a live kernel notification: produced by snapshot diffing (polling,
	// [Snapshot.Diff] for overflow recovery), or the per-descendant Deleted
	// events inotify reports when a watched directory leaves the tree.
	Synthetic bool
}

// String returns a string representation of the event in the form
//
//	"/path": MOVED → "/newpath"
func (e Event) String() string {
	if e.Kind == Moved {
		return fmt.Sprintf("%q: MOVED → %q", e.Path, e.Dest)
	}
	return fmt.Sprintf("%q: %s", e.Path, strings.ToUpper(e.Kind.String()))
}
