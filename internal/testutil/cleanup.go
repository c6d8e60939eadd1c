// Package testutil provides helpers for examples and tests.
package testutil

import "os"

// RemoveAll removes the path and any children. Errors are ignored.
// Use for defer cleanup in examples and tests.
//
// Usage:
//
//	defer testutil.RemoveAll(tmpDir)
func RemoveAll(path string) { _ = os.RemoveAll(path) }

// MkdirTemp creates a scratch directory with the given name pattern and
// panics on failure. Examples use it where a test would use t.TempDir().
func MkdirTemp(pattern string) string {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		panic(err)
	}
	return dir
}
