//go:build freebsd || openbsd || netbsd || dragonfly

package fsobserve

func newNativeBackend(s *sink, o *options) backend { return newKqueueBackend(s, o) }
