package fsobserve

import (
	"path/filepath"
	"strings"
)

// pathWithin reports whether path is an immediate child of root, and whether
// it is strictly below root at any depth. Both paths must be cleaned.
func pathWithin(root, path string) (immediate, below bool) {
	if root == "" || path == "" {
		return false, false
	}
	prefix := root
	if prefix != string(filepath.Separator) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(path, prefix) {
		return false, false
	}
	rest := path[len(prefix):]
	return !strings.ContainsRune(rest, filepath.Separator), true
}

// normalizePath makes path absolute and cleaned, so that event paths and
// watch scopes compare byte-for-byte.
func normalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
