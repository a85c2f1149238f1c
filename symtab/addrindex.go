// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symtab

import (
	"sort"

	"github.com/aclements/uld/objfile"
)

// AddrIndex maps a byte offset within one Object's sections back to
// the symbol containing it. The -d disassembly listing (package link)
// uses this to annotate each instruction with the function it falls
// in.
type AddrIndex struct {
	obj      *objfile.Object
	sections map[objfile.SectionID][]symAddr
}

type symAddr struct {
	addr uint64
	id   objfile.SymID
}

// NewAddrIndex builds an address index over obj's symbols.
func NewAddrIndex(obj *objfile.Object) *AddrIndex {
	bySection := make(map[objfile.SectionID][]objfile.SymID)
	for i, s := range obj.Syms {
		if s.Section < 0 || s.Size == 0 {
			continue
		}
		bySection[s.Section] = append(bySection[s.Section], objfile.SymID(i))
	}

	sections := make(map[objfile.SectionID][]symAddr, len(bySection))
	for sec, ids := range bySection {
		sections[sec] = makeAddrIndex(obj.Syms, ids)
	}
	return &AddrIndex{obj, sections}
}

// makeAddrIndex builds a sorted list of address boundaries for ids,
// each a SymID indexing syms. Symbols may overlap; at each boundary
// the index records the innermost (smallest, latest-starting) symbol
// in effect, following the same stack-based sweep as the original
// per-file symbol table this was adapted from.
func makeAddrIndex(syms []objfile.Sym, ids []objfile.SymID) []symAddr {
	sort.Slice(ids, func(i, j int) bool {
		si, sj := &syms[ids[i]], &syms[ids[j]]
		if si.Value != sj.Value {
			return si.Value < sj.Value
		}
		if si.Size != sj.Size {
			return si.Size > sj.Size
		}
		return ids[i] > ids[j]
	})

	var out []symAddr
	stack := make([]symAddr, 0, 8) // addr is *end* address
	drainStack := func(addr uint64) {
		for len(stack) > 0 {
			endAddr := stack[len(stack)-1].addr
			if endAddr > addr {
				return
			}
			for len(stack) > 0 && stack[len(stack)-1].addr == endAddr {
				stack = stack[:len(stack)-1]
			}
			if len(stack) > 0 {
				out = append(out, symAddr{endAddr, stack[len(stack)-1].id})
			}
		}
	}
	for _, id := range ids {
		sym := syms[id]
		if len(stack) == 1 {
			if stack[0].addr <= sym.Value {
				stack = stack[:0]
			}
		} else if len(stack) > 0 {
			drainStack(sym.Value)
		}
		start := symAddr{sym.Value, id}
		if len(out) > 0 && out[len(out)-1].addr == sym.Value {
			out[len(out)-1] = start
		} else {
			out = append(out, start)
		}
		stack = append(stack, symAddr{sym.Value + sym.Size, id})
		for i := len(stack) - 1; i >= 1 && stack[i].addr > stack[i-1].addr; i-- {
			stack[i], stack[i-1] = stack[i-1], stack[i]
		}
	}
	drainStack(^uint64(0))

	return out
}

// Lookup returns the symbol containing offset addr within section
// sec, or objfile.NoSym.
func (ix *AddrIndex) Lookup(sec objfile.SectionID, addr uint64) objfile.SymID {
	tab, ok := ix.sections[sec]
	if !ok {
		return objfile.NoSym
	}
	i := sort.Search(len(tab), func(i int) bool {
		return addr < tab[i].addr
	}) - 1
	if i < 0 {
		return objfile.NoSym
	}
	id := tab[i].id
	sym := &ix.obj.Syms[id]
	if sym.Value+sym.Size <= addr {
		return objfile.NoSym
	}
	return id
}
