//go:build darwin && cgo

package fsobserve

func newNativeBackend(s *sink, o *options) backend { return newFSEventsBackend(s, o) }
