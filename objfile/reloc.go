// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package objfile

import "debug/elf"

// RelocType is the x86_64 ELF relocation type of a Reloc. uld only
// ever targets one architecture, so unlike a multi-format object
// reader this is just the standard library's relocation enum directly
// rather than an opaque, per-architecture-class encoding.
type RelocType = elf.R_X86_64

// relocSize gives the width in bytes of the kinds of relocations the
// Relocation Engine supports. It doubles as the allow-list: a kind
// absent from this table is rejected with UnsupportedRelocation when
// the Relocation Engine encounters it, even though the Input Loader
// parses it successfully (the spec only requires rejection at apply
// time, not at load time, since an unused relocation in a section that
// never makes it into the final layout should never block a link).
var relocSize = map[RelocType]int{
	elf.R_X86_64_64:          8,
	elf.R_X86_64_PC32:        4,
	elf.R_X86_64_PLT32:       4,
	elf.R_X86_64_GOTPCREL:    4,
	elf.R_X86_64_GOTPCRELX:   4,
	elf.R_X86_64_REX_GOTPCRELX: 4,
	elf.R_X86_64_GOTOFF64:    8,
	elf.R_X86_64_GOTPC32:     4,
	elf.R_X86_64_32:          4,
	elf.R_X86_64_32S:         4,
}

// IsGOT reports whether t reads a GOT slot address rather than a
// symbol's own address, and so requires a `.got` entry for its symbol.
func IsGOT(t RelocType) bool {
	switch t {
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		return true
	}
	return false
}

// Size returns the width in bytes of a patch site for relocation type
// t, or -1 if t is not one of the kinds the Relocation Engine supports.
func Size(t RelocType) int {
	if n, ok := relocSize[t]; ok {
		return n
	}
	return -1
}
