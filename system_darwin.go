//go:build darwin

package fsobserve

import "golang.org/x/sys/unix"

// O_EVTONLY opens for event notification only: the descriptor doesn't
// prevent the volume from unmounting.
const openMode = unix.O_EVTONLY | unix.O_CLOEXEC
