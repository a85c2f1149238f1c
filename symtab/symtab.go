// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symtab implements the link pipeline's global symbol table:
// cross-object name resolution with binding-strength upgrade rules,
// plus address-indexed lookup within a single object for diagnostics.
package symtab

import (
	"sort"

	"github.com/aclements/uld/linkerr"
	"github.com/aclements/uld/objfile"
)

// A Def identifies where a global or weak symbol is defined.
type Def struct {
	Object *objfile.Object
	Sym    objfile.SymID
}

// state is a name's resolution state in the global table.
type state uint8

const (
	stateUndefined state = iota
	stateWeak
	stateStrong
)

type entry struct {
	state state
	def   Def // valid when state != stateUndefined

	// weakOnly is true while every reference to this name seen so far
	// (in the stateUndefined state) came from a weak undefined symbol.
	// A single strong (global) undefined reference clears it
	// permanently, even if a later reference is weak.
	weakOnly bool
}

// Table is the global symbol table shared across all inputs: it
// resolves names across translation units and archive members
// following binding-strength rules (undefined ← weak ← strong). Local
// symbols never appear here; they're resolved within their own Object
// by index.
type Table struct {
	entries map[string]*entry
}

func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Reference records a use of name, inserting an undefined placeholder
// if name has not been seen before. weak marks a weak undefined
// reference (STB_WEAK + SHN_UNDEF): if name is still undefined at
// finalization and every reference to it was weak, it resolves to
// absolute address 0 instead of UnresolvedSymbol.
func (t *Table) Reference(name string, weak bool) {
	e, ok := t.entries[name]
	if !ok {
		t.entries[name] = &entry{state: stateUndefined, weakOnly: weak}
		return
	}
	if e.state == stateUndefined && !weak {
		e.weakOnly = false
	}
}

// Define records a weak or strong definition of name. Two strong
// definitions of the same name is a DuplicateSymbol error. Of two weak
// definitions, the first wins.
func (t *Table) Define(name string, weak bool, def Def) error {
	want := stateStrong
	if weak {
		want = stateWeak
	}

	e, ok := t.entries[name]
	if !ok {
		t.entries[name] = &entry{state: want, def: def}
		return nil
	}

	switch {
	case e.state == stateUndefined:
		e.state, e.def = want, def
	case e.state == stateWeak && want == stateStrong:
		e.state, e.def = want, def
	case e.state == stateStrong && want == stateStrong:
		return linkerr.New(linkerr.DuplicateSymbol,
			linkerr.WithSymbol(name),
			linkerr.WithFile(def.Object.Origin),
			linkerr.WithDetail("also defined in "+e.def.Object.String()),
		)
	// e.state == stateStrong && want == stateWeak: strong already wins.
	// e.state == stateWeak && want == stateWeak: first weak wins.
	default:
	}
	return nil
}

// AddObject merges the global and weak symbols of obj into t. Local
// symbols are skipped; they never enter the global table.
func (t *Table) AddObject(obj *objfile.Object) error {
	for i, sym := range obj.Syms {
		if sym.Binding == objfile.BindLocal {
			continue
		}
		if sym.Section == objfile.SecUndef {
			t.Reference(sym.Name, sym.Binding == objfile.BindWeak)
			continue
		}
		weak := sym.Binding == objfile.BindWeak
		def := Def{Object: obj, Sym: objfile.SymID(i)}
		if err := t.Define(sym.Name, weak, def); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the current definition of name, and whether name is
// defined (as opposed to merely referenced).
func (t *Table) Resolve(name string) (Def, bool) {
	e, ok := t.entries[name]
	if !ok || e.state == stateUndefined {
		return Def{}, false
	}
	return e.def, true
}

// UnresolvedNames returns the names currently referenced but not yet
// defined, in sorted order. The Archive Resolver polls this between
// member loads to decide what still needs pulling in.
func (t *Table) UnresolvedNames() []string {
	var names []string
	for name, e := range t.entries {
		if e.state == stateUndefined {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DefinedNames returns every name with a definition (weak or strong),
// in sorted order. The ELF Writer uses this to emit .symtab entries
// for the link's resolved global symbols.
func (t *Table) DefinedNames() []string {
	var names []string
	for name, e := range t.entries {
		if e.state != stateUndefined {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// AbsZero is the definition finalization assigns to a name that is
// undefined but only ever referenced weakly: absolute address 0.
var AbsZero = Def{Object: nil, Sym: objfile.NoSym}

// Finalize resolves each remaining undefined name that was only ever
// referenced weakly to AbsZero, and reports UnresolvedSymbol for the
// first remaining undefined name that had at least one non-weak
// reference.
func (t *Table) Finalize() error {
	for _, name := range t.UnresolvedNames() {
		e := t.entries[name]
		if e.weakOnly {
			e.state, e.def = stateWeak, AbsZero
			continue
		}
		return linkerr.New(linkerr.UnresolvedSymbol, linkerr.WithSymbol(name))
	}
	return nil
}
