//go:build unix

package internal

import (
	"os"
	"syscall"
)

// FileID is a stable inode identity: device and inode number on Unix.
type FileID struct {
	Dev uint64
	Ino uint64
}

// FileIDFor extracts the identity from a stat result. The path argument is
// unused on Unix; it keeps the signature uniform with Windows, where no
// inode identity is available from a FileInfo.
func FileIDFor(_ string, fi os.FileInfo) FileID {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return FileID{}
	}
	return FileID{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}
}
