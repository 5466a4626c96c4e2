//go:build windows

package fsobserve

func newNativeBackend(s *sink, o *options) backend { return newWindowsBackend(s, o) }
