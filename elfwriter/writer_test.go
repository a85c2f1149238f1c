// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfwriter

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/aclements/uld/got"
	"github.com/aclements/uld/layout"
	"github.com/aclements/uld/objfile"
	"github.com/aclements/uld/symtab"
)

// buildLayout assembles a minimal one-object link: a .text section
// holding "_start" plus a global function symbol, and a .data section
// holding a global object symbol, with no GOT relocations at all.
func buildLayout(t *testing.T) (*layout.Layout, *symtab.Table) {
	t.Helper()
	obj := &objfile.Object{Origin: "a.o"}
	text := &objfile.Section{Object: obj, Index: 0, Name: ".text", Kind: objfile.KindProgbits, Perm: objfile.PermRX, Align: 16, Content: []byte{0x90, 0xc3}, Size: 2}
	data := &objfile.Section{Object: obj, Index: 1, Name: ".data", Kind: objfile.KindProgbits, Perm: objfile.PermRW, Align: 8, Content: []byte{1, 2, 3, 4}, Size: 4}
	obj.Sections = []*objfile.Section{text, data}
	obj.Syms = []objfile.Sym{
		{Name: "_start", Binding: objfile.BindGlobal, Kind: objfile.SymFunc, Section: 0, Value: 0},
		{Name: "main", Binding: objfile.BindWeak, Kind: objfile.SymFunc, Section: 0, Value: 0, Size: 2},
		{Name: "blob", Binding: objfile.BindGlobal, Kind: objfile.SymObject, Section: 1, Value: 0, Size: 4},
	}

	table := symtab.New()
	if err := table.AddObject(obj); err != nil {
		t.Fatalf("AddObject: %v", err)
	}

	gotTable := got.Plan([]*objfile.Object{obj})
	l, err := layout.Build([]*objfile.Object{obj}, gotTable.Size(), table)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return l, table
}

func TestWriteHeader(t *testing.T) {
	l, table := buildLayout(t)

	var buf bytes.Buffer
	if err := Write(&buf, l, table); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.Bytes()

	if len(out) < ehdrSize {
		t.Fatalf("output too short: %d bytes", len(out))
	}
	if !bytes.Equal(out[0:4], []byte{0x7f, 'E', 'L', 'F'}) {
		t.Fatalf("bad ELF magic: %x", out[0:4])
	}
	if out[elf.EI_CLASS] != byte(elf.ELFCLASS64) {
		t.Errorf("EI_CLASS = %d, want ELFCLASS64", out[elf.EI_CLASS])
	}
	if out[elf.EI_DATA] != byte(elf.ELFDATA2LSB) {
		t.Errorf("EI_DATA = %d, want ELFDATA2LSB", out[elf.EI_DATA])
	}

	var hdr elf.Header64
	if err := binary.Read(bytes.NewReader(out), binary.LittleEndian, &hdr); err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	if elf.Type(hdr.Type) != elf.ET_EXEC {
		t.Errorf("Type = %v, want ET_EXEC", elf.Type(hdr.Type))
	}
	if elf.Machine(hdr.Machine) != elf.EM_X86_64 {
		t.Errorf("Machine = %v, want EM_X86_64", elf.Machine(hdr.Machine))
	}
	if hdr.Entry != l.Entry {
		t.Errorf("Entry = %#x, want %#x", hdr.Entry, l.Entry)
	}
	if hdr.Phoff != ehdrSize {
		t.Errorf("Phoff = %d, want %d", hdr.Phoff, ehdrSize)
	}
	if int(hdr.Phnum) != len(l.Segments) {
		t.Errorf("Phnum = %d, want %d", hdr.Phnum, len(l.Segments))
	}
	wantShnum := 1 + len(l.Sections) + 3
	if int(hdr.Shnum) != wantShnum {
		t.Errorf("Shnum = %d, want %d", hdr.Shnum, wantShnum)
	}
	if hdr.Shstrndx != hdr.Shnum-1 {
		t.Errorf("Shstrndx = %d, want %d", hdr.Shstrndx, hdr.Shnum-1)
	}
	if hdr.Shoff == 0 || hdr.Shoff%8 != 0 {
		t.Errorf("Shoff = %d, want nonzero and 8-byte aligned", hdr.Shoff)
	}
	if uint64(len(out)) < hdr.Shoff+uint64(hdr.Shnum)*shdrSize {
		t.Fatalf("output truncated before section header table: len=%d, need %d", len(out), hdr.Shoff+uint64(hdr.Shnum)*shdrSize)
	}
}

func TestWriteProgramHeaders(t *testing.T) {
	l, table := buildLayout(t)

	var buf bytes.Buffer
	if err := Write(&buf, l, table); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.Bytes()

	r := bytes.NewReader(out[ehdrSize:])
	for i, seg := range l.Segments {
		var p elf.Prog64
		if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
			t.Fatalf("decoding phdr %d: %v", i, err)
		}
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			t.Errorf("phdr %d: Type = %v, want PT_LOAD", i, elf.ProgType(p.Type))
		}
		if p.Vaddr != seg.VAddr {
			t.Errorf("phdr %d: Vaddr = %#x, want %#x", i, p.Vaddr, seg.VAddr)
		}
		if p.Off != seg.FileOffset {
			t.Errorf("phdr %d: Off = %#x, want %#x", i, p.Off, seg.FileOffset)
		}
		if p.Filesz != seg.FileSize {
			t.Errorf("phdr %d: Filesz = %#x, want %#x", i, p.Filesz, seg.FileSize)
		}
		if p.Memsz != seg.MemSize {
			t.Errorf("phdr %d: Memsz = %#x, want %#x", i, p.Memsz, seg.MemSize)
		}
		if seg.Perm == objfile.PermRX && p.Flags&uint32(elf.PF_X) == 0 {
			t.Errorf("phdr %d: RX segment missing PF_X", i)
		}
		if seg.Perm == objfile.PermRW && p.Flags&uint32(elf.PF_W) == 0 {
			t.Errorf("phdr %d: RW segment missing PF_W", i)
		}
	}
}

func TestWriteSectionContent(t *testing.T) {
	l, table := buildLayout(t)

	var buf bytes.Buffer
	if err := Write(&buf, l, table); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.Bytes()

	text := l.Section(".text")
	if text == nil {
		t.Fatalf("no .text output section")
	}
	got := out[text.FileOffset : text.FileOffset+text.Size]
	if !bytes.Equal(got, []byte{0x90, 0xc3}) {
		t.Errorf(".text content = %x, want 90c3", got)
	}

	data := l.Section(".data")
	if data == nil {
		t.Fatalf("no .data output section")
	}
	gotData := out[data.FileOffset : data.FileOffset+data.Size]
	if !bytes.Equal(gotData, []byte{1, 2, 3, 4}) {
		t.Errorf(".data content = %x, want 01020304", gotData)
	}
}

func TestWriteSymtab(t *testing.T) {
	l, table := buildLayout(t)

	strtab := newStringTable()
	symBytes, sectionSymIndex := buildSymtab(l, table, strtab)

	if len(sectionSymIndex) != len(l.Sections) {
		t.Fatalf("sectionSymIndex has %d entries, want %d", len(sectionSymIndex), len(l.Sections))
	}

	n := len(symBytes) / symSize
	wantN := 1 + len(l.Sections) + len(table.DefinedNames())
	if n != wantN {
		t.Fatalf("symtab has %d entries, want %d", n, wantN)
	}

	r := bytes.NewReader(symBytes)
	var null elf.Sym64
	binary.Read(r, binary.LittleEndian, &null)
	if null != (elf.Sym64{}) {
		t.Errorf("entry 0 is not the null symbol: %+v", null)
	}

	for i := range l.Sections {
		var s elf.Sym64
		if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
			t.Fatalf("decoding section symbol %d: %v", i, err)
		}
		if s.Info != stInfo(stbLocal, sttSection) {
			t.Errorf("section symbol %d: Info = %#x, want STT_SECTION local", i, s.Info)
		}
		if s.Value != l.Sections[i].VAddr {
			t.Errorf("section symbol %d: Value = %#x, want %#x", i, s.Value, l.Sections[i].VAddr)
		}
	}

	byName := make(map[string]elf.Sym64)
	namesInOrder := table.DefinedNames()
	for _, name := range namesInOrder {
		var s elf.Sym64
		if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
			t.Fatalf("decoding symbol %q: %v", name, err)
		}
		byName[name] = s
	}

	mainSym, ok := byName["main"]
	if !ok {
		t.Fatalf("no .symtab entry for \"main\"")
	}
	if mainSym.Info>>4 != stbWeak {
		t.Errorf("main: binding = %d, want STB_WEAK", mainSym.Info>>4)
	}
	if mainSym.Size != 2 {
		t.Errorf("main: Size = %d, want 2", mainSym.Size)
	}

	blobSym, ok := byName["blob"]
	if !ok {
		t.Fatalf("no .symtab entry for \"blob\"")
	}
	if blobSym.Info>>4 != stbGlobal {
		t.Errorf("blob: binding = %d, want STB_GLOBAL", blobSym.Info>>4)
	}
	if blobSym.Info&0xf != sttObject {
		t.Errorf("blob: type = %d, want STT_OBJECT", blobSym.Info&0xf)
	}
	def, ok := table.Resolve("blob")
	if !ok {
		t.Fatalf("blob has no resolved definition")
	}
	wantAddr, ok := l.SymbolAddr(def.Object, def.Sym)
	if !ok {
		t.Fatalf("SymbolAddr(blob) failed")
	}
	if blobSym.Value != wantAddr {
		t.Errorf("blob: Value = %#x, want %#x", blobSym.Value, wantAddr)
	}
}
