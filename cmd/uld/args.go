// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import "strings"

// singleDashLong lists the driver-compatibility flags spec.md §6
// spells with a single dash but more than one letter. pflag only
// parses those as `--long` or `-x` shorthand, so translateArgs
// rewrites them before cobra ever sees the argument list.
var singleDashLong = []string{"-static", "-nostdlib", "-fuse-ld"}

// translateArgs rewrites single-dash multi-letter flags into their
// double-dash form (and leaves everything else, including the
// single-letter `-o`, `-L`, `-l` flags, untouched).
func translateArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = translateArg(a)
	}
	return out
}

func translateArg(a string) string {
	for _, long := range singleDashLong {
		if a == long || strings.HasPrefix(a, long+"=") {
			return "-" + a
		}
	}
	return a
}
