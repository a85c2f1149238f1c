// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elfwriter implements the ELF Writer: serializing a finished
// Layout into an ET_EXEC ELF64 x86_64 executable the Linux kernel can
// load directly, with no interpreter and no dynamic section.
package elfwriter

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/aclements/uld/layout"
	"github.com/aclements/uld/linkerr"
	"github.com/aclements/uld/objfile"
	"github.com/aclements/uld/symtab"
)

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	symSize  = 24
)

// Write serializes l to w: the ELF64 header, one PT_LOAD program
// header per segment in RX/R/RW order, every output section's
// content at its placed file offset, and a section header table
// including synthesized .symtab, .strtab and .shstrtab sections.
// table supplies the symbols .symtab reports: one entry per surviving
// global or weak definition, plus a local STT_SECTION entry per
// output section.
func Write(w io.Writer, l *layout.Layout, table *symtab.Table) error {
	var buf bytes.Buffer

	strtab := newStringTable()
	symtabBytes, _ := buildSymtab(l, table, strtab)

	shstrtab := newStringTable()
	sectionNameOffs := make([]uint32, len(l.Sections))
	for i, s := range l.Sections {
		sectionNameOffs[i] = shstrtab.add(s.Name)
	}
	symtabNameOff := shstrtab.add(".symtab")
	strtabNameOff := shstrtab.add(".strtab")
	shstrtabNameOff := shstrtab.add(".shstrtab")

	// Section header table layout: NULL, one per output section, then
	// .symtab, .strtab, .shstrtab.
	numShdrs := 1 + len(l.Sections) + 3

	// Extra sections (symtab/strtab/shstrtab) are appended after the
	// last placed output section's file content, page-unaligned: they
	// carry no PT_LOAD mapping and the kernel never reads them.
	extraOff := fileEnd(l)
	symtabOff := extraOff
	strtabOff := symtabOff + uint64(len(symtabBytes))
	strtabBytes := strtab.bytes()
	shstrtabOff := strtabOff + uint64(len(strtabBytes))
	shstrtabBytes := shstrtab.bytes()
	shoff := roundUp(shstrtabOff+uint64(len(shstrtabBytes)), 8)

	writeEhdr(&buf, l, shoff, uint16(numShdrs))
	writePhdrs(&buf, l)

	for _, s := range l.Sections {
		if !s.HasFileContent() {
			continue
		}
		padTo(&buf, s.FileOffset)
		buf.Write(s.Assemble())
	}

	padTo(&buf, symtabOff)
	buf.Write(symtabBytes)
	padTo(&buf, strtabOff)
	buf.Write(strtabBytes)
	padTo(&buf, shstrtabOff)
	buf.Write(shstrtabBytes)
	padTo(&buf, shoff)

	writeShdrNull(&buf)
	for i, s := range l.Sections {
		writeShdr(&buf, s, sectionNameOffs[i])
	}
	numLocal := uint32(1 + len(l.Sections)) // STN_UNDEF plus one STT_SECTION symbol per output section
	writeSymtabShdr(&buf, symtabNameOff, symtabOff, uint64(len(symtabBytes)), strtabSectionIndex(len(l.Sections)), numLocal)
	writeStrtabShdr(&buf, strtabNameOff, strtabOff, uint64(len(strtabBytes)))
	writeShstrtabShdr(&buf, shstrtabNameOff, shstrtabOff, uint64(len(shstrtabBytes)))

	_, err := w.Write(buf.Bytes())
	if err != nil {
		return linkerr.New(linkerr.IOFailure, linkerr.WithCause(err))
	}
	return nil
}

func strtabSectionIndex(numOutputSections int) uint32 {
	// NULL + output sections + .symtab puts .strtab right after .symtab.
	return uint32(1 + numOutputSections + 1)
}

func fileEnd(l *layout.Layout) uint64 {
	var end uint64
	for _, s := range l.Sections {
		if !s.HasFileContent() {
			continue
		}
		if e := s.FileOffset + s.Size; e > end {
			end = e
		}
	}
	return end
}

func roundUp(x, align uint64) uint64 {
	if align <= 1 {
		return x
	}
	return (x + align - 1) &^ (align - 1)
}

func padTo(buf *bytes.Buffer, offset uint64) {
	if uint64(buf.Len()) > offset {
		panic("elfwriter: layout produced overlapping file ranges")
	}
	buf.Write(make([]byte, offset-uint64(buf.Len())))
}

func writeEhdr(buf *bytes.Buffer, l *layout.Layout, shoff uint64, shnum uint16) {
	var e elf.Header64
	copy(e.Ident[:], elf.ELFMAG)
	e.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	e.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	e.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	e.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	e.Type = uint16(elf.ET_EXEC)
	e.Machine = uint16(elf.EM_X86_64)
	e.Version = uint32(elf.EV_CURRENT)
	e.Entry = l.Entry
	e.Phoff = ehdrSize
	e.Shoff = shoff
	e.Ehsize = ehdrSize
	e.Phentsize = phdrSize
	e.Phnum = uint16(len(l.Segments))
	e.Shentsize = shdrSize
	e.Shnum = shnum
	e.Shstrndx = shnum - 1
	binary.Write(buf, binary.LittleEndian, &e)
}

func segFlags(p objfile.Perm) uint32 {
	switch p {
	case objfile.PermRX:
		return uint32(elf.PF_R | elf.PF_X)
	case objfile.PermRW, objfile.PermRWZero:
		return uint32(elf.PF_R | elf.PF_W)
	default:
		return uint32(elf.PF_R)
	}
}

func writePhdrs(buf *bytes.Buffer, l *layout.Layout) {
	for _, seg := range l.Segments {
		var p elf.Prog64
		p.Type = uint32(elf.PT_LOAD)
		p.Flags = segFlags(seg.Perm)
		p.Off = seg.FileOffset
		p.Vaddr = seg.VAddr
		p.Paddr = seg.VAddr
		p.Filesz = seg.FileSize
		p.Memsz = seg.MemSize
		p.Align = 0x1000
		binary.Write(buf, binary.LittleEndian, &p)
	}
}

func shdrFlags(s *layout.OutputSection) uint64 {
	var f uint64 = uint64(elf.SHF_ALLOC)
	if s.Perm == objfile.PermRX {
		f |= uint64(elf.SHF_EXECINSTR)
	}
	if s.Perm == objfile.PermRW || s.Perm == objfile.PermRWZero {
		f |= uint64(elf.SHF_WRITE)
	}
	return f
}

func shdrType(s *layout.OutputSection) uint32 {
	if s.Kind == objfile.KindNobits {
		return uint32(elf.SHT_NOBITS)
	}
	return uint32(elf.SHT_PROGBITS)
}

func writeShdrNull(buf *bytes.Buffer) {
	var s elf.Section64
	binary.Write(buf, binary.LittleEndian, &s)
}

func writeShdr(buf *bytes.Buffer, s *layout.OutputSection, nameOff uint32) {
	var sh elf.Section64
	sh.Name = nameOff
	sh.Type = shdrType(s)
	sh.Flags = shdrFlags(s)
	sh.Addr = s.VAddr
	sh.Off = s.FileOffset
	sh.Size = s.Size
	sh.Addralign = s.Align
	binary.Write(buf, binary.LittleEndian, &sh)
}

func writeSymtabShdr(buf *bytes.Buffer, nameOff uint32, off, size uint64, strtabIdx, numLocal uint32) {
	var sh elf.Section64
	sh.Name = nameOff
	sh.Type = uint32(elf.SHT_SYMTAB)
	sh.Off = off
	sh.Size = size
	sh.Link = strtabIdx
	sh.Info = numLocal
	sh.Addralign = 8
	sh.Entsize = symSize
	binary.Write(buf, binary.LittleEndian, &sh)
}

func writeStrtabShdr(buf *bytes.Buffer, nameOff uint32, off, size uint64) {
	var sh elf.Section64
	sh.Name = nameOff
	sh.Type = uint32(elf.SHT_STRTAB)
	sh.Off = off
	sh.Size = size
	sh.Addralign = 1
	binary.Write(buf, binary.LittleEndian, &sh)
}

func writeShstrtabShdr(buf *bytes.Buffer, nameOff uint32, off, size uint64) {
	var sh elf.Section64
	sh.Name = nameOff
	sh.Type = uint32(elf.SHT_STRTAB)
	sh.Off = off
	sh.Size = size
	sh.Addralign = 1
	binary.Write(buf, binary.LittleEndian, &sh)
}
