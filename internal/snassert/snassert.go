// Package snassert provides cheap invariant checks that compile out of
// production builds, mirroring aistore's cmn/debug.Assert build-tag split.
//
// Build with `-tags snowcat_debug` to enable; see assert_debug.go/assert_off.go.
package snassert
