//go:build !ceresdebug

package search

// assertf is a no-op in release builds; debug invariant checks compile
// away entirely rather than paying for the branch.
func assertf(cond bool, format string, args ...interface{}) {}
