// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

func decodeX86(code []byte, pc uint64) Inst {
	inst, err := x86asm.Decode(code, 64)
	if err != nil || inst.Len == 0 || inst.Op == 0 {
		return Inst{PC: pc, Len: 1, Text: fmt.Sprintf("?byte %#02x", firstByte(code))}
	}
	return Inst{PC: pc, Len: inst.Len, Text: x86asm.GoSyntax(inst, pc, nil)}
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
