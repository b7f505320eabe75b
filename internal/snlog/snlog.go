// Package snlog is a minimal leveled logger shared by every snowcat package.
//
// It deliberately stays a thin wrapper over the standard library: the aistore
// slice this repo is grounded on does the same thing with its own cmn/nlog
// package rather than reaching for a third-party logging library.
package snlog

import (
	"log"
	"os"
	"strconv"
)

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// verbosity is read once from SNOWCAT_LOG_VERBOSITY; higher means chattier,
// mirroring cmn.Rom.FastV(level, module) without the per-module table.
var verbosity = readVerbosity()

func readVerbosity() int {
	v := os.Getenv("SNOWCAT_LOG_VERBOSITY")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// V reports whether logging at the given verbosity level is enabled.
func V(level int) bool { return verbosity >= level }

func Infoln(args ...any)            { std.Println(append([]any{"I"}, args...)...) }
func Warningln(args ...any)         { std.Println(append([]any{"W"}, args...)...) }
func Errorln(args ...any)           { std.Println(append([]any{"E"}, args...)...) }
func Infof(f string, args ...any)   { std.Printf("I "+f, args...) }
func Warnf(f string, args ...any)   { std.Printf("W "+f, args...) }
func Errorf(f string, args ...any)  { std.Printf("E "+f, args...) }

// SetVerbosity overrides the verbosity level programmatically (tests, cmd/ flags).
func SetVerbosity(level int) { verbosity = level }
