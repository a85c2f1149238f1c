// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reloc implements the Relocation Engine: populating the GOT
// Builder's slots with resolved addresses, then applying every
// relocation record against its section's content in place.
package reloc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/aclements/uld/asm"
	"github.com/aclements/uld/got"
	"github.com/aclements/uld/layout"
	"github.com/aclements/uld/linkerr"
	"github.com/aclements/uld/objfile"
	"github.com/aclements/uld/symtab"
)

// Apply populates gotTable's slots and then patches every relocation
// in every object against l's placed section content, in object load
// order. It fails fast: the first unsupported kind or overflowing
// value stops the link.
func Apply(objects []*objfile.Object, l *layout.Layout, gotTable *got.Table, table *symtab.Table) error {
	if err := populateGOT(l, gotTable, table); err != nil {
		return err
	}
	for _, obj := range objects {
		for _, r := range obj.Relocs {
			if err := applyOne(obj, r, l, gotTable, table); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveSymAddr returns the final address of obj's symbol id: directly
// within obj for a local symbol (never entered into table), or by
// looking up its name in table for a global or weak symbol, since the
// defining object is very often a different translation unit or
// archive member than the one holding the reference.
func resolveSymAddr(obj *objfile.Object, id objfile.SymID, l *layout.Layout, table *symtab.Table) (uint64, bool) {
	sym := obj.Syms[id]
	if sym.Binding == objfile.BindLocal {
		return l.SymbolAddr(obj, id)
	}
	def, ok := table.Resolve(sym.Name)
	if !ok {
		return 0, false
	}
	return l.SymbolAddr(def.Object, def.Sym)
}

// populateGOT writes each GOT slot's resolved target address, as an
// R_X86_64_64-style absolute write, before any relocation that reads
// GOT(sym) is applied. A slot allocated for a local symbol already
// knows its owning object; a slot allocated for a global or weak
// symbol must be resolved through table by name.
func populateGOT(l *layout.Layout, gotTable *got.Table, table *symtab.Table) error {
	for i, slot := range gotTable.Slots() {
		obj, sym := slot.Obj, slot.Sym
		if obj == nil {
			def, ok := table.Resolve(slot.Name)
			if !ok {
				return linkerr.New(linkerr.UnresolvedSymbol, linkerr.WithSymbol(slot.Name))
			}
			obj, sym = def.Object, def.Sym
		}
		addr, ok := l.SymbolAddr(obj, sym)
		if !ok {
			return linkerr.New(linkerr.UnresolvedSymbol, linkerr.WithSymbol(slot.Name))
		}
		gotTable.PutAddr(i, addr)
	}
	return nil
}

func applyOne(obj *objfile.Object, r objfile.Reloc, l *layout.Layout, gotTable *got.Table, table *symtab.Table) error {
	size := objfile.Size(r.Type)
	if size < 0 {
		return linkerr.New(linkerr.UnsupportedRelocation,
			linkerr.WithFile(obj.Origin), linkerr.WithMember(obj.Member),
			linkerr.WithReloc(r.Type.String()))
	}

	sec := obj.Section(r.Section)
	patchAddr, ok := l.Addr(sec, r.Offset)
	if !ok {
		return linkerr.New(linkerr.MalformedInput,
			linkerr.WithFile(obj.Origin), linkerr.WithMember(obj.Member),
			linkerr.WithSection(sec.Name), linkerr.WithDetail("relocation against excluded section"))
	}

	sym := obj.Syms[r.Symbol]

	// symAddr resolves S, the relocation's symbol address, lazily: only
	// the kinds below that actually read S should fail when a symbol
	// can't be resolved. A GOT-family relocation only needs GOT(sym),
	// which gotTable.Addr below resolves on its own.
	symAddr := func() (uint64, error) {
		addr, ok := resolveSymAddr(obj, r.Symbol, l, table)
		if !ok {
			return 0, linkerr.New(linkerr.UnresolvedSymbol,
				linkerr.WithFile(obj.Origin), linkerr.WithMember(obj.Member), linkerr.WithSymbol(sym.Name))
		}
		return addr, nil
	}

	var value uint64
	switch r.Type {
	case elf.R_X86_64_64:
		addr, err := symAddr()
		if err != nil {
			return err
		}
		value = addr + uint64(r.Addend)

	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		addr, err := symAddr()
		if err != nil {
			return err
		}
		value = addr + uint64(r.Addend) - patchAddr

	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		slotAddr, ok := gotTable.Addr(obj, r.Symbol)
		if !ok {
			return linkerr.New(linkerr.MalformedInput,
				linkerr.WithFile(obj.Origin), linkerr.WithMember(obj.Member), linkerr.WithSymbol(sym.Name),
				linkerr.WithDetail("GOT-family relocation against symbol with no planned slot"))
		}
		value = slotAddr + uint64(r.Addend) - patchAddr

	case elf.R_X86_64_GOTOFF64:
		addr, err := symAddr()
		if err != nil {
			return err
		}
		gotSec := l.Section(layout.GOTSectionName)
		if gotSec == nil {
			return linkerr.New(linkerr.MalformedInput, linkerr.WithFile(obj.Origin), linkerr.WithDetail("GOTOFF64 relocation with no .got section"))
		}
		value = addr + uint64(r.Addend) - gotSec.VAddr

	case elf.R_X86_64_GOTPC32:
		gotSec := l.Section(layout.GOTSectionName)
		if gotSec == nil {
			return linkerr.New(linkerr.MalformedInput, linkerr.WithFile(obj.Origin), linkerr.WithDetail("GOTPC32 relocation with no .got section"))
		}
		value = gotSec.VAddr + uint64(r.Addend) - patchAddr

	case elf.R_X86_64_32, elf.R_X86_64_32S:
		addr, err := symAddr()
		if err != nil {
			return err
		}
		value = addr + uint64(r.Addend)

	default:
		return linkerr.New(linkerr.UnsupportedRelocation,
			linkerr.WithFile(obj.Origin), linkerr.WithMember(obj.Member), linkerr.WithReloc(r.Type.String()))
	}

	if err := checkRange(r.Type, value, size); err != nil {
		detail := fmt.Sprintf("value %#x does not fit %d bytes", value, size)
		if sec.Content != nil && int(r.Offset) < len(sec.Content) {
			inst := asm.Decode(sec.Content[r.Offset:], patchAddr)
			detail += fmt.Sprintf("; patch site: %s", inst.Text)
		}
		return linkerr.New(linkerr.RelocationOverflow,
			linkerr.WithFile(obj.Origin), linkerr.WithMember(obj.Member),
			linkerr.WithSection(sec.Name), linkerr.WithSymbol(sym.Name),
			linkerr.WithReloc(r.Type.String()), linkerr.WithDetail(detail))
	}

	writeAt(sec.Content, int(r.Offset), value, size)
	return nil
}

// checkRange reports whether value fits the patch width of
// relocation type t, per the signedness §4.6 specifies for each kind.
func checkRange(t objfile.RelocType, value uint64, size int) error {
	switch size {
	case 8:
		return nil
	case 4:
		switch t {
		case elf.R_X86_64_32:
			if value > math.MaxUint32 {
				return fmt.Errorf("unsigned 32-bit overflow")
			}
		default:
			sv := int64(value)
			if sv < math.MinInt32 || sv > math.MaxInt32 {
				return fmt.Errorf("signed 32-bit overflow")
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported patch width %d", size)
	}
}

func writeAt(content []byte, offset int, value uint64, size int) {
	switch size {
	case 8:
		binary.LittleEndian.PutUint64(content[offset:], value)
	case 4:
		binary.LittleEndian.PutUint32(content[offset:], uint32(value))
	}
}
