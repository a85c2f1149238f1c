// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package layout implements the Layout Engine: grouping input sections
// into output sections, partitioning output sections into loadable
// segments by permission, and assigning the final virtual addresses
// and file offsets the Relocation Engine and ELF Writer build on.
package layout

import (
	"strings"

	"github.com/aclements/uld/arch"
	"github.com/aclements/uld/linkerr"
	"github.com/aclements/uld/objfile"
	"github.com/aclements/uld/symtab"
)

// BaseAddr is the fixed virtual address the first loadable segment
// starts at.
const BaseAddr = 0x400000

// GOTSectionName is the name of the synthetic section the GOT Builder
// reserves; no input section may define it.
const GOTSectionName = ".got"

// A Member places one input section at a byte offset within an
// OutputSection.
type Member struct {
	Section *objfile.Section
	Offset  uint64
}

// An OutputSection is the Layout Engine's unit of placement: a run of
// input sections (or, for .got, a GOT Builder allocation) sharing a
// canonical name and permission.
type OutputSection struct {
	Name  string
	Kind  objfile.Kind
	Perm  objfile.Perm
	Align uint64
	Size  uint64

	Members []Member

	// Override, if non-nil, is used verbatim as this section's file
	// content instead of assembling it from Members. The GOT Builder
	// sets this once it has computed final slot values.
	Override []byte

	VAddr      uint64
	FileOffset uint64
}

// HasFileContent reports whether this section occupies file bytes.
// NOBITS (.bss-like) sections contribute only to memory size.
func (s *OutputSection) HasFileContent() bool {
	return s.Kind != objfile.KindNobits
}

// Assemble returns this section's file content: Override if set,
// otherwise the concatenation of each Member's (possibly
// relocation-patched) bytes at its placed offset, zero-padded between
// members for alignment.
func (s *OutputSection) Assemble() []byte {
	if s.Override != nil {
		return s.Override
	}
	if !s.HasFileContent() {
		return nil
	}
	buf := make([]byte, s.Size)
	for _, m := range s.Members {
		copy(buf[m.Offset:], m.Section.Content)
	}
	return buf
}

// A Segment is one PT_LOAD: a maximal run of OutputSections sharing a
// permission class.
type Segment struct {
	Perm       objfile.Perm
	Sections   []*OutputSection
	VAddr      uint64
	FileOffset uint64
	FileSize   uint64
	MemSize    uint64
}

// A Layout is the Layout Engine's complete output: placed sections,
// their segments, and the program's entry point.
type Layout struct {
	Sections []*OutputSection
	Segments []*Segment
	Entry    uint64

	placements map[*objfile.Section]placement
}

type placement struct {
	out    *OutputSection
	offset uint64
}

// Section returns the output section named name, or nil.
func (l *Layout) Section(name string) *OutputSection {
	for _, s := range l.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Addr returns the final virtual address of byte offset within sec,
// and whether sec was placed in the layout at all (sections excluded
// by the Input Loader never are).
func (l *Layout) Addr(sec *objfile.Section, offset uint64) (uint64, bool) {
	p, ok := l.placements[sec]
	if !ok {
		return 0, false
	}
	return p.out.VAddr + p.offset + offset, true
}

// SymbolAddr resolves the final address of symbol id in obj. A nil obj
// (symtab.AbsZero, the resolution of an undefined name referenced only
// weakly) always resolves to address 0.
func (l *Layout) SymbolAddr(obj *objfile.Object, id objfile.SymID) (uint64, bool) {
	if obj == nil {
		return 0, true
	}
	sym := obj.Syms[id]
	switch sym.Section {
	case objfile.SecAbs:
		return sym.Value, true
	case objfile.SecUndef:
		return 0, false
	default:
		return l.Addr(obj.Section(sym.Section), sym.Value)
	}
}

// canonicalName maps an input section name to its output section
// bucket: "*.text.foo" joins ".text", and so on for .rodata, .data,
// and .bss. Anything else keeps its own name as a singleton bucket.
func canonicalName(name string) string {
	for _, base := range []string{".text", ".rodata", ".data", ".bss"} {
		if name == base || strings.HasPrefix(name, base+".") {
			return base
		}
	}
	return name
}

// segmentOrder fixes the RX/R/RW permission order segments are
// emitted in; PermRWZero (pure BSS) joins the RW segment with PermRW.
var segmentOrder = []objfile.Perm{objfile.PermRX, objfile.PermR, objfile.PermRW}

func segmentPerm(p objfile.Perm) objfile.Perm {
	if p == objfile.PermRWZero {
		return objfile.PermRW
	}
	return p
}

// roundUp rounds x up to a multiple of align, which must be a power
// of two (0 is treated as 1: unaligned).
func roundUp(x, align uint64) uint64 {
	if align <= 1 {
		return x
	}
	return (x + align - 1) &^ (align - 1)
}

// Build groups obj's non-excluded sections into output sections,
// reserves a gotSize-byte .got section for the GOT Builder, partitions
// everything into RX/R/RW segments with concrete addresses, and
// resolves the entry point from table's definition of "_start".
func Build(objects []*objfile.Object, gotSize uint64, table *symtab.Table) (*Layout, error) {
	var order []string
	buckets := make(map[string]*OutputSection)

	placements := make(map[*objfile.Section]placement)

	addMember := func(out *OutputSection, sec *objfile.Section) {
		align := sec.Align
		if align == 0 {
			align = 1
		}
		offset := roundUp(out.Size, align)
		out.Members = append(out.Members, Member{Section: sec, Offset: offset})
		out.Size = offset + sec.Size
		if align > out.Align {
			out.Align = align
		}
		if sec.Kind == objfile.KindProgbits {
			out.Kind = objfile.KindProgbits
		}
		placements[sec] = placement{out: out, offset: offset}
	}

	for _, obj := range objects {
		for _, sec := range obj.Sections {
			if sec.Excluded {
				continue
			}
			name := canonicalName(sec.Name)
			out, ok := buckets[name]
			if !ok {
				out = &OutputSection{Name: name, Kind: sec.Kind, Perm: sec.Perm}
				buckets[name] = out
				order = append(order, name)
			}
			addMember(out, sec)
		}
	}

	if gotSize > 0 {
		got := &OutputSection{
			Name:  GOTSectionName,
			Kind:  objfile.KindProgbits,
			Perm:  objfile.PermRW,
			Align: 8,
			Size:  gotSize,
		}
		buckets[GOTSectionName] = got
		// .got belongs with the data sections in the RW segment; place
		// it right before .bss if present, otherwise at the end.
		inserted := false
		for i, name := range order {
			if name == ".bss" {
				order = append(order[:i], append([]string{GOTSectionName}, order[i:]...)...)
				inserted = true
				break
			}
		}
		if !inserted {
			order = append(order, GOTSectionName)
		}
	}

	l := &Layout{placements: placements}
	for _, name := range order {
		l.Sections = append(l.Sections, buckets[name])
	}

	for _, perm := range segmentOrder {
		var secs []*OutputSection
		for _, s := range l.Sections {
			if segmentPerm(s.Perm) == perm {
				secs = append(secs, s)
			}
		}
		if len(secs) == 0 {
			continue
		}
		l.Segments = append(l.Segments, &Segment{Perm: perm, Sections: secs})
	}

	// Keep l.Sections in segment order, so each segment's sections form
	// one run and file offsets increase along the list.
	l.Sections = nil
	for _, seg := range l.Segments {
		l.Sections = append(l.Sections, seg.Sections...)
	}

	placeSegments(l)

	def, ok := table.Resolve("_start")
	if !ok {
		return nil, linkerr.New(linkerr.MissingEntry)
	}
	entry, ok := l.SymbolAddr(def.Object, def.Sym)
	if !ok {
		return nil, linkerr.New(linkerr.MissingEntry)
	}
	l.Entry = entry

	return l, nil
}

// headerSize is the combined size of the ELF64 header and the program
// header table the ELF Writer emits — space the first segment must
// reserve ahead of its first section so file offset 0 stays inside it.
func headerSize(numSegments int) uint64 {
	const ehdrSize = 64
	const phdrSize = 56
	return ehdrSize + uint64(numSegments)*phdrSize
}

func placeSegments(l *Layout) {
	pageSize := arch.AMD64.PageSize

	vaddrCursor := uint64(BaseAddr)
	fileCursor := uint64(0)

	for i, seg := range l.Segments {
		segVAddrStart := vaddrCursor
		segFileStart := fileCursor
		if i == 0 {
			fileCursor += headerSize(len(l.Segments))
			vaddrCursor += headerSize(len(l.Segments))
		}

		for _, s := range seg.Sections {
			align := s.Align
			if align == 0 {
				align = 1
			}
			vaddrCursor = roundUp(vaddrCursor, align)
			s.VAddr = vaddrCursor
			if s.HasFileContent() {
				fileCursor = roundUp(fileCursor, align)
				s.FileOffset = fileCursor
				fileCursor += s.Size
			}
			vaddrCursor += s.Size
		}

		seg.VAddr = segVAddrStart
		seg.FileOffset = segFileStart
		seg.MemSize = vaddrCursor - segVAddrStart
		seg.FileSize = fileCursor - segFileStart

		vaddrCursor = roundUp(vaddrCursor, pageSize)
		fileCursor = roundUp(fileCursor, pageSize)
	}
}
