//go:build windows

package internal

import (
	"hash/fnv"
	"os"
)

// FileID is a stable inode identity. Windows exposes no file index through
// os.FileInfo, so identity degrades to a hash of the path: renames diff as
// delete plus create instead of a move, which the event contract allows.
type FileID struct {
	Dev uint64
	Ino uint64
}

func FileIDFor(path string, _ os.FileInfo) FileID {
	h := fnv.New64a()
	h.Write([]byte(path))
	return FileID{Ino: h.Sum64()}
}
