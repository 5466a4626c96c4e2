//go:build !unix && !windows

package internal

import (
	"hash/fnv"
	"os"
)

// FileID is a stable inode identity. Platforms without one degrade to a
// hash of the path: renames diff as delete plus create instead of a move.
type FileID struct {
	Dev uint64
	Ino uint64
}

func FileIDFor(path string, _ os.FileInfo) FileID {
	h := fnv.New64a()
	h.Write([]byte(path))
	return FileID{Ino: h.Sum64()}
}
