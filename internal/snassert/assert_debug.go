//go:build snowcat_debug

package snassert

import "fmt"

// Assert panics with args when cond is false. Only compiled into debug builds.
func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
	}
}

const Enabled = true
