package fsobserve

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// PatternHandler wraps another handler and forwards only events whose paths
// match the configured glob patterns. The overflow marker is always
// forwarded.
type PatternHandler struct {
	next Handler

	patterns      []glob.Glob
	ignore        []glob.Glob
	ignoreDirs    bool
	caseSensitive bool
}

// PatternOpt configures a PatternHandler.
type PatternOpt func(*patternConfig)

type patternConfig struct {
	patterns      []string
	ignore        []string
	ignoreDirs    bool
	caseSensitive bool
}

// WithPatterns sets the globs a path must match to be forwarded. With no
// patterns every path matches.
func WithPatterns(patterns ...string) PatternOpt {
	return func(c *patternConfig) { c.patterns = append(c.patterns, patterns...) }
}

// WithIgnorePatterns sets globs that exclude a path even when it matches.
func WithIgnorePatterns(patterns ...string) PatternOpt {
	return func(c *patternConfig) { c.ignore = append(c.ignore, patterns...) }
}

// WithIgnoreDirectories drops all events on directories.
func WithIgnoreDirectories() PatternOpt {
	return func(c *patternConfig) { c.ignoreDirs = true }
}

// WithCaseSensitive matches patterns case-sensitively; the default folds
// both pattern and path to lower case.
func WithCaseSensitive() PatternOpt {
	return func(c *patternConfig) { c.caseSensitive = true }
}

// NewPatternHandler compiles the patterns and wraps next. Compilation errors
// are returned eagerly so a bad pattern isn't discovered on the dispatcher
// goroutine.
func NewPatternHandler(next Handler, opts ...PatternOpt) (*PatternHandler, error) {
	var c patternConfig
	for _, o := range opts {
		o(&c)
	}

	h := &PatternHandler{
		next:          next,
		ignoreDirs:    c.ignoreDirs,
		caseSensitive: c.caseSensitive,
	}
	compile := func(patterns []string) ([]glob.Glob, error) {
		gs := make([]glob.Glob, 0, len(patterns))
		for _, p := range patterns {
			if !c.caseSensitive {
				p = strings.ToLower(p)
			}
			g, err := glob.Compile(p, filepath.Separator)
			if err != nil {
				return nil, err
			}
			gs = append(gs, g)
		}
		return gs, nil
	}

	var err error
	if h.patterns, err = compile(c.patterns); err != nil {
		return nil, err
	}
	if h.ignore, err = compile(c.ignore); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *PatternHandler) Dispatch(e Event) {
	if e.Kind == Overflow {
		h.next.Dispatch(e)
		return
	}
	if h.ignoreDirs && e.IsDir {
		return
	}
	// A move is forwarded when either end matches.
	if h.match(e.Path) || (e.Kind == Moved && h.match(e.Dest)) {
		h.next.Dispatch(e)
	}
}

func (h *PatternHandler) match(path string) bool {
	if path == "" {
		return false
	}
	if !h.caseSensitive {
		path = strings.ToLower(path)
	}
	for _, g := range h.ignore {
		if g.Match(path) {
			return false
		}
	}
	if len(h.patterns) == 0 {
		return true
	}
	for _, g := range h.patterns {
		if g.Match(path) {
			return true
		}
	}
	return false
}
