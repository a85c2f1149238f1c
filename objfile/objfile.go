// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package objfile provides the Input Loader's internal representation
// of a relocatable x86_64 ELF object: an Object holds the sections,
// symbols, and relocation records extracted from a single input file
// or archive member.
package objfile

import "fmt"

// SectionID indexes Object.Sections. Two reserved values mark symbols
// that are not defined in any section.
type SectionID int

const (
	// SecUndef marks a symbol with no definition (SHN_UNDEF).
	SecUndef SectionID = -1
	// SecAbs marks a symbol whose Value is an absolute value rather
	// than an offset into a section (SHN_ABS).
	SecAbs SectionID = -2
)

// SymID indexes Object.Syms.
type SymID uint32

// NoSym is a placeholder SymID meaning "no symbol".
const NoSym = ^SymID(0)

// Kind classifies the content of a Section.
type Kind uint8

const (
	// KindProgbits sections carry real bytes (.text, .rodata, .data).
	KindProgbits Kind = iota
	// KindNobits sections are zero-initialized and carry no file bytes (.bss).
	KindNobits
	// KindNote sections are ELF notes, excluded from layout.
	KindNote
	// KindOther covers anything else retained only for cross-referencing.
	KindOther
)

// Perm classifies the permissions the output segment containing this
// section's content must grant.
type Perm uint8

const (
	PermR      Perm = iota // read-only data
	PermRX                 // executable code
	PermRW                 // writable data
	PermRWZero             // writable, zero-initialized (BSS)
)

func (p Perm) String() string {
	switch p {
	case PermR:
		return "R"
	case PermRX:
		return "RX"
	case PermRW:
		return "RW"
	case PermRWZero:
		return "RW-zero"
	default:
		return "?"
	}
}

// A Section is one input section of an Object.
type Section struct {
	Object *Object
	Index  SectionID
	RawID  int // original ELF section index, for diagnostics

	Name  string
	Kind  Kind
	Perm  Perm
	Align uint64

	// Content holds the section's file bytes. It is nil for
	// KindNobits sections, whose bytes are implicitly zero.
	//
	// The Relocation Engine patches Content in place; ownership stays
	// with the Object until the ELF Writer copies the final output
	// section bytes out.
	Content []byte

	// Size is the section's size in bytes; Size >= len(Content).
	Size uint64

	// Excluded is true for sections parsed only for symbol
	// cross-referencing purposes that never appear in layout (debug
	// info, .eh_frame, .comment, .note.GNU-stack, and other notes).
	Excluded bool
}

func (s *Section) String() string {
	return fmt.Sprintf("%s(%s)[%d]", s.Name, s.Object.Origin, s.RawID)
}

// Binding is a symbol's resolution strength, per spec §4.3.
type Binding uint8

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
)

func (b Binding) String() string {
	switch b {
	case BindLocal:
		return "local"
	case BindGlobal:
		return "global"
	case BindWeak:
		return "weak"
	default:
		return "?"
	}
}

// SymKind is the ELF symbol type, narrowed to the kinds the linker
// needs to distinguish.
type SymKind uint8

const (
	SymNoType SymKind = iota
	SymObject
	SymFunc
	SymSection
	SymFile
)

// A Sym is one input symbol of an Object, in its original symbol-table
// index order.
type Sym struct {
	Name    string
	Binding Binding
	Kind    SymKind

	// Section is the section this symbol is defined in, or SecUndef
	// or SecAbs.
	Section SectionID
	// Value is this symbol's value: an offset into Section for a
	// defined symbol, or the symbol's own value if Section is SecAbs,
	// or 0 if Section is SecUndef.
	Value uint64
	Size  uint64
}

// A Reloc is one relocation record of an Object, scoped to the section
// it patches.
type Reloc struct {
	Section SectionID // section the relocation patches
	Offset  uint64    // byte offset within Section
	Type    RelocType
	Symbol  SymID // index into the owning Object's Syms
	Addend  int64
}

// An Object is the Input Loader's output for one relocatable file: a
// standalone object or one archive member.
type Object struct {
	// Origin is the file path this object was loaded from.
	Origin string
	// Member is the archive member name, or "" if Origin names a
	// standalone object file.
	Member string

	Sections []*Section
	Syms     []Sym
	Relocs   []Reloc
}

// String identifies this object for diagnostics.
func (o *Object) String() string {
	if o.Member == "" {
		return o.Origin
	}
	return fmt.Sprintf("%s(%s)", o.Origin, o.Member)
}

// Section returns the i'th section. It panics if i is out of range.
func (o *Object) Section(i SectionID) *Section {
	return o.Sections[i]
}
