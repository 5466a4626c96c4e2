//go:build linux

package fsobserve

func newNativeBackend(s *sink, o *options) backend { return newInotifyBackend(s, o) }
