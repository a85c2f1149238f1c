// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"fmt"
	"io"

	"github.com/aclements/uld/asm"
	"github.com/aclements/uld/layout"
	"github.com/aclements/uld/objfile"
	"github.com/aclements/uld/symtab"
)

// writeDisasm renders a symbolized disassembly of l's final .text
// section to w: one line per instruction, each annotated with the
// function it falls in (if any), in final virtual address order.
func writeDisasm(w io.Writer, l *layout.Layout) {
	text := l.Section(".text")
	if text == nil {
		return
	}

	indexes := make(map[*objfile.Object]*symtab.AddrIndex)

	for _, m := range text.Members {
		sec := m.Section
		base, ok := l.Addr(sec, 0)
		if !ok {
			continue
		}

		ix, ok := indexes[sec.Object]
		if !ok {
			ix = symtab.NewAddrIndex(sec.Object)
			indexes[sec.Object] = ix
		}

		for _, inst := range asm.DecodeAll(sec.Content, base) {
			localOff := inst.PC - base
			id := ix.Lookup(sec.Index, localOff)
			if id == objfile.NoSym {
				fmt.Fprintf(w, "%#x:\t%s\n", inst.PC, inst.Text)
				continue
			}
			sym := sec.Object.Syms[id]
			fmt.Fprintf(w, "%#x:\t%s+%#x:\t%s\n", inst.PC, sym.Name, localOff-sym.Value, inst.Text)
		}
	}
}
