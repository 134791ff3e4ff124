//go:build ceresdebug

package search

import "fmt"

// assertf panics with a wrapped ErrCorruptInvariant when built with the
// ceresdebug tag; the release build compiles it away entirely. Invariant
// assertions are a programmer-error path, not production error
// handling.
func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Errorf("%w: %s", ErrCorruptInvariant, fmt.Sprintf(format, args...)))
	}
}
