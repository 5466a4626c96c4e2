// Package internal holds debug helpers and platform shims shared by the
// fsobserve backends.
package internal

import (
	"fmt"
	"os"
	"time"
)

// Enabled by the FSOBSERVE_DEBUG environment variable; prints raw kernel
// events and lifecycle operations to stderr.
var Debug = os.Getenv("FSOBSERVE_DEBUG") != ""

func Debugf(format string, args ...any) {
	if !Debug {
		return
	}
	fmt.Fprintf(os.Stderr, "FSOBSERVE_DEBUG: %s  %s\n",
		time.Now().Format("15:04:05.000000000"), fmt.Sprintf(format, args...))
}
