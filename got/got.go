// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package got implements the GOT Builder: scanning relocations for
// GOT-family kinds and allocating one 8-byte slot per distinct
// referenced symbol in a synthesized .got output section.
package got

import (
	"encoding/binary"

	"github.com/aclements/uld/objfile"
)

// slotSize is the width of one GOT entry: an absolute 64-bit address.
const slotSize = 8

// key identifies a GOT target uniquely across objects. Global and weak
// symbols share one slot by name, regardless of which object's
// relocation first referenced them; local symbols key by their owning
// object and index, since they have no linker-wide name.
type key struct {
	name string
	obj  *objfile.Object
	sym  objfile.SymID
}

func keyFor(obj *objfile.Object, id objfile.SymID) key {
	sym := obj.Syms[id]
	if sym.Binding == objfile.BindLocal {
		return key{obj: obj, sym: id}
	}
	return key{name: sym.Name}
}

// A Slot is one allocated GOT entry, identified the same way its key
// was: by name for a global/weak target, or by (Object, Sym) for a
// local one.
type Slot struct {
	Addr uint64
	Name string
	Obj  *objfile.Object
	Sym  objfile.SymID
}

// A Table is the GOT Builder's output: the planned slots for a link,
// and (once the Layout Engine has placed the .got section) their
// backing bytes.
type Table struct {
	keys  []key
	index map[key]int
	base  uint64
	bytes []byte
}

// Plan scans every relocation in objects for a GOT-family kind and
// allocates a slot for each distinct target. Slot order is
// first-reference order, making layout deterministic across runs.
func Plan(objects []*objfile.Object) *Table {
	t := &Table{index: make(map[key]int)}
	for _, obj := range objects {
		for _, r := range obj.Relocs {
			if !objfile.IsGOT(r.Type) {
				continue
			}
			k := keyFor(obj, r.Symbol)
			if _, ok := t.index[k]; ok {
				continue
			}
			t.index[k] = len(t.keys)
			t.keys = append(t.keys, k)
		}
	}
	return t
}

// Size returns the total byte size of the .got section this table
// needs.
func (t *Table) Size() uint64 {
	return uint64(len(t.keys)) * slotSize
}

// SetBase records the .got section's final virtual address, once the
// Layout Engine has placed it, and allocates the slot bytes.
func (t *Table) SetBase(base uint64) {
	t.base = base
	t.bytes = make([]byte, t.Size())
}

// Addr returns the address of the GOT slot that serves relocation
// target (obj, id), or (0, false) if no slot was planned for it — a
// relocation the caller never passed to Plan.
func (t *Table) Addr(obj *objfile.Object, id objfile.SymID) (uint64, bool) {
	idx, ok := t.index[keyFor(obj, id)]
	if !ok {
		return 0, false
	}
	return t.base + uint64(idx)*slotSize, true
}

// Slots returns every allocated slot, in allocation order, for the
// Relocation Engine's GOT-population pass.
func (t *Table) Slots() []Slot {
	slots := make([]Slot, len(t.keys))
	for i, k := range t.keys {
		slots[i] = Slot{Addr: t.base + uint64(i)*slotSize, Name: k.name, Obj: k.obj, Sym: k.sym}
	}
	return slots
}

// PutAddr writes value, little-endian, into the i'th slot.
func (t *Table) PutAddr(i int, value uint64) {
	binary.LittleEndian.PutUint64(t.bytes[i*slotSize:], value)
}

// Bytes returns the table's backing bytes, suitable for use as the
// .got output section's content override. It is only valid after
// SetBase.
func (t *Table) Bytes() []byte {
	return t.bytes
}
