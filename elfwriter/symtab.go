// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfwriter

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/aclements/uld/layout"
	"github.com/aclements/uld/objfile"
	"github.com/aclements/uld/symtab"
)

// stringTable accumulates a strtab/shstrtab-style NUL-terminated name
// table, starting with the mandatory empty string at offset 0.
type stringTable struct {
	buf    bytes.Buffer
	offset map[string]uint32
}

func newStringTable() *stringTable {
	t := &stringTable{offset: make(map[string]uint32)}
	t.buf.WriteByte(0)
	return t
}

func (t *stringTable) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.offset[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.offset[s] = off
	return off
}

func (t *stringTable) bytes() []byte {
	return t.buf.Bytes()
}

func stInfo(bind, typ uint8) uint8 {
	return bind<<4 | (typ & 0xf)
}

const (
	stbLocal  = 0
	stbGlobal = 1
	stbWeak   = 2

	sttNotype  = 0
	sttObject  = 1
	sttFunc    = 2
	sttSection = 3
)

// buildSymtab emits the .symtab content: the mandatory null entry, one
// local STT_SECTION symbol per output section (so a debugger or
// objdump can resolve section-relative addresses), then one entry per
// name table resolved to a definition, global or weak per its
// original binding. It returns the encoded bytes and the section
// index assigned to each output section's symbol, parallel to
// l.Sections.
func buildSymtab(l *layout.Layout, table *symtab.Table, strtab *stringTable) ([]byte, []uint16) {
	var buf bytes.Buffer
	write := func(s elf.Sym64) {
		binary.Write(&buf, binary.LittleEndian, &s)
	}
	write(elf.Sym64{}) // index 0: STN_UNDEF

	sectionSymIndex := make([]uint16, len(l.Sections))
	for i, s := range l.Sections {
		sectionSymIndex[i] = uint16(i + 1)
		write(elf.Sym64{
			Name:  0,
			Info:  stInfo(stbLocal, sttSection),
			Shndx: uint16(i + 1),
			Value: s.VAddr,
		})
	}

	for _, name := range table.DefinedNames() {
		def, ok := table.Resolve(name)
		if !ok {
			continue
		}
		bind := uint8(stbGlobal)
		typ := uint8(sttNotype)
		var value, size uint64
		var shndx uint16 // SHN_UNDEF (0) unless a section or SHN_ABS is found below
		if def.Object != nil {
			sym := def.Object.Syms[def.Sym]
			if sym.Binding == objfile.BindWeak {
				bind = stbWeak
			}
			typ = symType(sym.Kind)
			size = sym.Size
			switch sym.Section {
			case objfile.SecAbs:
				value = sym.Value
				shndx = uint16(0xfff1) // SHN_ABS
			default:
				if addr, ok := l.Addr(def.Object.Section(sym.Section), sym.Value); ok {
					value = addr
					if idx, ok := outputSectionIndex(l, def.Object.Section(sym.Section)); ok {
						shndx = sectionSymIndex[idx]
					}
				}
			}
		} else {
			bind = stbWeak // AbsZero: an undefined name referenced only weakly
			shndx = 0xfff1 // SHN_ABS
		}
		write(elf.Sym64{
			Name:  strtab.add(name),
			Info:  stInfo(bind, typ),
			Shndx: shndx,
			Value: value,
			Size:  size,
		})
	}

	return buf.Bytes(), sectionSymIndex
}

func symType(k objfile.SymKind) uint8 {
	switch k {
	case objfile.SymFunc:
		return sttFunc
	case objfile.SymObject:
		return sttObject
	default:
		return sttNotype
	}
}

// outputSectionIndex finds sec's placement among l.Sections by
// matching the canonical output section it was merged into.
func outputSectionIndex(l *layout.Layout, sec *objfile.Section) (int, bool) {
	addr, ok := l.Addr(sec, 0)
	if !ok {
		return 0, false
	}
	for i, out := range l.Sections {
		if addr >= out.VAddr && addr < out.VAddr+out.Size {
			return i, true
		}
		if out.Size == 0 && addr == out.VAddr {
			return i, true
		}
	}
	return 0, false
}
