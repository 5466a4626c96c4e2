//go:build freebsd || openbsd || netbsd || dragonfly

package fsobserve

import "golang.org/x/sys/unix"

const openMode = unix.O_RDONLY | unix.O_NONBLOCK | unix.O_CLOEXEC
