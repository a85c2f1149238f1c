// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asm disassembles x86_64 machine code for diagnostics: the
// Relocation Engine annotates a RelocationOverflow error with the
// instruction at its patch site, and the uld CLI's -d flag lists a
// section's contents.
package asm

// Inst is one decoded instruction: its address, encoded length, and Go
// assembler syntax text.
type Inst struct {
	PC   uint64
	Len  int
	Text string
}

// Decode decodes the instruction at the start of code, addressed at
// pc. If code does not begin with a recognized instruction, Decode
// still returns a result with Len 1, so a caller disassembling a whole
// section in a loop always makes progress.
func Decode(code []byte, pc uint64) Inst {
	return decodeX86(code, pc)
}

// DecodeAll decodes every instruction in code, in address order,
// starting at pc.
func DecodeAll(code []byte, pc uint64) []Inst {
	var out []Inst
	for len(code) > 0 {
		inst := Decode(code, pc)
		out = append(out, inst)
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
	return out
}
