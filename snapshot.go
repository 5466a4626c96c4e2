package fsobserve

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/fsobserve/fsobserve/internal"
)

// Snapshot is a point-in-time inventory of a directory tree keyed by inode
// identity. Two snapshots of the same root can be diffed into synthetic
// events; the polling backend and overflow recovery are built on this.
type Snapshot struct {
	byID   map[internal.FileID]snapEntry
	byPath map[string]internal.FileID
}

type snapEntry struct {
	path  string
	size  int64
	mtime int64 // Nanoseconds; good enough for change detection.
	isDir bool
}

// Take walks root and returns its inventory. With recursive false only root
// and its immediate children are inventoried. Symbolic links are not
// followed unless followSymlinks is set; link cycles are broken by inode
// identity.
func Take(root string, recursive, followSymlinks bool) (*Snapshot, error) {
	root, err := normalizePath(root)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		byID:   make(map[internal.FileID]snapEntry),
		byPath: make(map[string]internal.FileID),
	}

	fi, err := stat(root, followSymlinks)
	if err != nil {
		return nil, err
	}
	s.add(root, fi)
	if fi.IsDir() {
		if err := s.walk(root, recursive, followSymlinks); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func stat(path string, follow bool) (os.FileInfo, error) {
	if follow {
		return os.Stat(path)
	}
	return os.Lstat(path)
}

func (s *Snapshot) add(path string, fi os.FileInfo) {
	id := internal.FileIDFor(path, fi)
	s.byID[id] = snapEntry{
		path:  path,
		size:  fi.Size(),
		mtime: fi.ModTime().UnixNano(),
		isDir: fi.IsDir(),
	}
	s.byPath[path] = id
}

func (s *Snapshot) walk(dir string, recursive, follow bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// The directory can vanish between listing its parent and reading
		// it; that's a legitimate diff, not a walk failure.
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, ent := range entries {
		path := filepath.Join(dir, ent.Name())
		fi, err := stat(path, follow)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		id := internal.FileIDFor(path, fi)
		if _, seen := s.byID[id]; seen && follow {
			continue // Link cycle.
		}
		s.add(path, fi)

		if recursive && fi.IsDir() {
			if err := s.walk(path, recursive, follow); err != nil {
				return err
			}
		}
	}
	return nil
}

// Paths returns every inventoried path in lexicographic order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.byPath))
	for p := range s.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Contains reports whether path was present when the snapshot was taken.
func (s *Snapshot) Contains(path string) bool {
	_, ok := s.byPath[path]
	return ok
}

// Diff computes the synthetic events that turn s into newer: a path only in
// newer is Created, a path only in s is Deleted, the same inode at a new
// path is Moved, and the same inode at the same path with a different size
// or modification time is Modified.
//
// The result is deterministic: deletes, then moves, then creates, then
// modifies, each ordered by path (moves by source path).
func (s *Snapshot) Diff(newer *Snapshot) []Event {
	var deletes, moves, creates, mods []Event

	for id, old := range s.byID {
		cur, ok := newer.byID[id]
		if !ok {
			deletes = append(deletes, Event{
				Kind: Deleted, Path: old.path, IsDir: old.isDir, Synthetic: true,
			})
			continue
		}
		if cur.path != old.path {
			moves = append(moves, Event{
				Kind: Moved, Path: old.path, Dest: cur.path, IsDir: cur.isDir, Synthetic: true,
			})
			continue
		}
		if !cur.isDir && (cur.mtime != old.mtime || cur.size != old.size) {
			mods = append(mods, Event{
				Kind: Modified, Path: cur.path, IsDir: false, Synthetic: true,
			})
		}
	}
	for id, cur := range newer.byID {
		if _, ok := s.byID[id]; !ok {
			creates = append(creates, Event{
				Kind: Created, Path: cur.path, IsDir: cur.isDir, Synthetic: true,
			})
		}
	}

	byPath := func(evs []Event) {
		sort.Slice(evs, func(i, j int) bool { return evs[i].Path < evs[j].Path })
	}
	byPath(deletes)
	byPath(moves) // Swapping inodes tie-break: source-path order.
	byPath(creates)
	byPath(mods)

	out := make([]Event, 0, len(deletes)+len(moves)+len(creates)+len(mods))
	out = append(out, deletes...)
	out = append(out, moves...)
	out = append(out, creates...)
	out = append(out, mods...)
	return out
}
