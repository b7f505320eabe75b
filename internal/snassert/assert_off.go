//go:build !snowcat_debug

package snassert

// Assert is a no-op outside debug builds.
func Assert(cond bool, args ...any) {}

const Enabled = false
