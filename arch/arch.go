// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch provides basic descriptions of CPU architectures.
package arch

// An Arch describes a CPU architecture.
type Arch struct {
	// Layout is the byte order and word size of this architecture.
	Layout Layout

	// GoArch is the GOARCH value for this architecture.
	GoArch string

	// PageSize is the minimum mmap granularity for this architecture's
	// target OS. Loadable segments are aligned to it both in memory and
	// in the output file.
	PageSize uint64
}

// AMD64 is the only architecture uld links for: little-endian x86_64
// under Linux.
var AMD64 = &Arch{Layout{0, 8}, "amd64", 0x1000}

// String returns the GOARCH value of a.
func (a *Arch) String() string {
	if a == nil {
		return "<nil>"
	}
	return a.GoArch
}
