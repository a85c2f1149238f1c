// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/aclements/uld/archive"
	"github.com/aclements/uld/linkerr"
)

// strTab accumulates a SHT_STRTAB blob, starting with the mandatory
// leading NUL, in the same idiom objfile's own tests use.
type strTab struct{ buf []byte }

func newStrTab() *strTab { return &strTab{buf: []byte{0}} }

func (s *strTab) add(name string) uint32 {
	if name == "" {
		return 0
	}
	off := uint32(len(s.buf))
	s.buf = append(s.buf, name...)
	s.buf = append(s.buf, 0)
	return off
}

type shdr struct {
	name      uint32
	typ       elf.SectionType
	flags     elf.SectionFlag
	offset    uint64
	size      uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
}

func (h shdr) append(buf []byte) []byte {
	var b [64]byte
	binary.LittleEndian.PutUint32(b[0:4], h.name)
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.typ))
	binary.LittleEndian.PutUint64(b[8:16], uint64(h.flags))
	binary.LittleEndian.PutUint64(b[24:32], h.offset)
	binary.LittleEndian.PutUint64(b[32:40], h.size)
	binary.LittleEndian.PutUint32(b[40:44], h.link)
	binary.LittleEndian.PutUint32(b[44:48], h.info)
	binary.LittleEndian.PutUint64(b[48:56], h.addralign)
	binary.LittleEndian.PutUint64(b[56:64], h.entsize)
	return append(buf, b[:]...)
}

func appendSym(buf []byte, name uint32, info uint8, shndx uint16, value, size uint64) []byte {
	var b [24]byte
	binary.LittleEndian.PutUint32(b[0:4], name)
	b[4] = info
	binary.LittleEndian.PutUint16(b[6:8], shndx)
	binary.LittleEndian.PutUint64(b[8:16], value)
	binary.LittleEndian.PutUint64(b[16:24], size)
	return append(buf, b[:]...)
}

func appendRela(buf []byte, offset, info uint64, addend int64) []byte {
	var b [24]byte
	binary.LittleEndian.PutUint64(b[0:8], offset)
	binary.LittleEndian.PutUint64(b[8:16], info)
	binary.LittleEndian.PutUint64(b[16:24], uint64(addend))
	return append(buf, b[:]...)
}

// relocSpec describes one R_X86_64 relocation against a to-be-resolved
// symbol index, offset into .text, and addend.
type relocSpec struct {
	offset uint64
	typ    elf.R_X86_64
	sym    uint32
	addend int64
}

// buildElfObject assembles a minimal ET_REL ELF64 x86_64 object with a
// single .text section, a global function symbol named definedName at
// text offset 0, and zero or more additional undefined global symbols
// referenced by relocs. This is the same hand-assembled-bytes idiom
// objfile's own tests use, generalized so link's end-to-end tests
// don't need a real assembler or linker to produce fixtures.
func buildElfObject(t *testing.T, text []byte, definedName string, undefNames []string, relocs []relocSpec) []byte {
	t.Helper()

	strtab := newStrTab()
	nameDefined := strtab.add(definedName)
	undefNameOffs := make([]uint32, len(undefNames))
	for i, n := range undefNames {
		undefNameOffs[i] = strtab.add(n)
	}

	var symtab []byte
	symtab = appendSym(symtab, 0, 0, 0, 0, 0) // mandatory null symbol
	symtab = appendSym(symtab, nameDefined, uint8(elf.STB_GLOBAL)<<4|uint8(elf.STT_FUNC), 1, 0, uint64(len(text)))
	for i := range undefNames {
		symtab = appendSym(symtab, undefNameOffs[i], uint8(elf.STB_GLOBAL)<<4|uint8(elf.STT_NOTYPE), uint16(elf.SHN_UNDEF), 0, 0)
	}

	var rela []byte
	for _, r := range relocs {
		info := uint64(r.sym)<<32 | uint64(r.typ)
		rela = appendRela(rela, r.offset, info, r.addend)
	}

	shstrtab := newStrTab()
	nText := shstrtab.add(".text")
	nRela := shstrtab.add(".rela.text")
	nSymtab := shstrtab.add(".symtab")
	nStrtab := shstrtab.add(".strtab")
	nShstrtab := shstrtab.add(".shstrtab")

	const ehdrSize = 64
	buf := make([]byte, ehdrSize)

	textOff := uint64(len(buf))
	buf = append(buf, text...)
	relaOff := uint64(len(buf))
	buf = append(buf, rela...)
	symtabOff := uint64(len(buf))
	buf = append(buf, symtab...)
	strtabOff := uint64(len(buf))
	buf = append(buf, strtab.buf...)
	shstrtabOff := uint64(len(buf))
	buf = append(buf, shstrtab.buf...)

	shoff := uint64(len(buf))

	var shdrs []shdr
	shdrs = append(shdrs, shdr{}) // SHN_UNDEF
	shdrs = append(shdrs, shdr{name: nText, typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, offset: textOff, size: uint64(len(text)), addralign: 16})
	textIdx := uint32(1)
	if len(rela) > 0 {
		shdrs = append(shdrs, shdr{name: nRela, typ: elf.SHT_RELA, link: 3, info: textIdx, offset: relaOff, size: uint64(len(rela)), entsize: 24, addralign: 8})
	}
	symtabIdx := uint32(len(shdrs))
	shdrs = append(shdrs, shdr{name: nSymtab, typ: elf.SHT_SYMTAB, link: symtabIdx + 1, info: 1, offset: symtabOff, size: uint64(len(symtab)), entsize: 24, addralign: 8})
	shdrs = append(shdrs, shdr{name: nStrtab, typ: elf.SHT_STRTAB, offset: strtabOff, size: uint64(len(strtab.buf)), addralign: 1})
	shstrtabIdx := uint16(len(shdrs))
	shdrs = append(shdrs, shdr{name: nShstrtab, typ: elf.SHT_STRTAB, offset: shstrtabOff, size: uint64(len(shstrtab.buf)), addralign: 1})

	for _, h := range shdrs {
		buf = h.append(buf)
	}

	copy(buf[0:4], "\x7fELF")
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:18], uint16(elf.ET_REL))
	binary.LittleEndian.PutUint16(buf[18:20], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:24], 1) // e_version
	binary.LittleEndian.PutUint16(buf[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(buf[58:60], 64) // e_shentsize
	binary.LittleEndian.PutUint64(buf[40:48], shoff)
	binary.LittleEndian.PutUint16(buf[60:62], uint16(len(shdrs)))
	binary.LittleEndian.PutUint16(buf[62:64], shstrtabIdx)

	return buf
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
	return path
}

func TestLinkSingleObject(t *testing.T) {
	// nop; ret
	obj := buildElfObject(t, []byte{0x90, 0xc3}, "_start", nil, nil)
	objPath := writeTemp(t, "main.o", obj)
	outPath := filepath.Join(t.TempDir(), "a.out")

	result, err := Link(Config{Inputs: []Input{{Path: objPath}}, Output: outPath})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if result.ObjectCount != 1 {
		t.Errorf("ObjectCount = %d, want 1", result.ObjectCount)
	}

	f, err := elf.Open(outPath)
	if err != nil {
		t.Fatalf("elf.Open(output): %v", err)
	}
	defer f.Close()

	if f.Type != elf.ET_EXEC {
		t.Errorf("Type = %v, want ET_EXEC", f.Type)
	}
	if f.Machine != elf.EM_X86_64 {
		t.Errorf("Machine = %v, want EM_X86_64", f.Machine)
	}
	if f.Entry != result.Entry {
		t.Errorf("Entry = %#x, want %#x", f.Entry, result.Entry)
	}
	if len(f.Progs) == 0 {
		t.Errorf("no program headers in output")
	}
}

func TestLinkUnresolvedSymbolFails(t *testing.T) {
	obj := buildElfObject(t, []byte{0xe8, 0, 0, 0, 0, 0xc3}, "_start", []string{"helper"}, []relocSpec{
		{offset: 1, typ: elf.R_X86_64_PLT32, sym: 2, addend: -4},
	})
	objPath := writeTemp(t, "main.o", obj)
	outPath := filepath.Join(t.TempDir(), "a.out")

	_, err := Link(Config{Inputs: []Input{{Path: objPath}}, Output: outPath})
	if err == nil {
		t.Fatalf("expected an error, got nil")
	}
	le, ok := err.(*linkerr.Error)
	if !ok || le.Kind != linkerr.UnresolvedSymbol {
		t.Fatalf("err = %v, want UnresolvedSymbol", err)
	}
}

// buildArchive assembles a one-member ar archive with a GNU symbol
// index offering name at the member's header offset, so
// archive.Archive.Resolve can find it without scanning every member's
// own symbol table.
func buildArchive(t *testing.T, memberName, name string, memberData []byte) []byte {
	t.Helper()

	pad := func(b []byte) []byte {
		if len(b)&1 != 0 {
			return append(b, 0)
		}
		return b
	}

	var idx []byte
	idx = binary.BigEndian.AppendUint32(idx, 1)
	// The real member's header starts right after the index member's
	// own header + padded content, computed below; reserve the slot
	// and patch it in once that size is known.
	idx = binary.BigEndian.AppendUint32(idx, 0)
	idx = append(idx, name...)
	idx = append(idx, 0)

	idxHeader := arHeader(t, "/", len(idx))
	idxMember := pad(append(append([]byte{}, idxHeader...), idx...))

	memberOff := uint32(len(archive.Magic) + len(idxMember))
	binary.BigEndian.PutUint32(idx[4:8], memberOff)
	idxHeader = arHeader(t, "/", len(idx))
	idxMember = pad(append(append([]byte{}, idxHeader...), idx...))

	memberHeader := arHeader(t, memberName, len(memberData))
	member := pad(append(append([]byte{}, memberHeader...), memberData...))

	var buf []byte
	buf = append(buf, archive.Magic...)
	buf = append(buf, idxMember...)
	buf = append(buf, member...)
	return buf
}

// arHeader builds one 60-byte ar member header for name, size bytes of
// content. Every field except name and size is unused by the Archive
// Resolver, so they're left as spaces.
func arHeader(t *testing.T, name string, size int) []byte {
	t.Helper()
	var b [60]byte
	for i := range b {
		b[i] = ' '
	}
	copy(b[0:16], name)
	sizeStr := []byte(itoa(size))
	copy(b[48:48+len(sizeStr)], sizeStr)
	b[58] = '`'
	b[59] = '\n'
	return b[:]
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestLinkPullsArchiveMember(t *testing.T) {
	main := buildElfObject(t, []byte{0xe8, 0, 0, 0, 0, 0xc3}, "_start", []string{"helper"}, []relocSpec{
		{offset: 1, typ: elf.R_X86_64_PLT32, sym: 2, addend: -4},
	})
	helper := buildElfObject(t, []byte{0xc3}, "helper", nil, nil)

	ar := buildArchive(t, "helper.o", "helper", helper)

	mainPath := writeTemp(t, "main.o", main)
	arPath := writeTemp(t, "libhelper.a", ar)
	outPath := filepath.Join(t.TempDir(), "a.out")

	result, err := Link(Config{
		Inputs: []Input{{Path: mainPath}, {Path: arPath}},
		Output: outPath,
	})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if result.ObjectCount != 2 {
		t.Errorf("ObjectCount = %d, want 2 (main + pulled helper)", result.ObjectCount)
	}

	f, err := elf.Open(outPath)
	if err != nil {
		t.Fatalf("elf.Open(output): %v", err)
	}
	defer f.Close()
	if f.Type != elf.ET_EXEC {
		t.Errorf("Type = %v, want ET_EXEC", f.Type)
	}
}
