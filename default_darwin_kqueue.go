//go:build darwin && !cgo

package fsobserve

func newNativeBackend(s *sink, o *options) backend { return newKqueueBackend(s, o) }
