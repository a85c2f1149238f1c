// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command uld is a minimal static linker for x86_64 Linux ELF64
// executables, usable as a drop-in collaborator for a C compiler
// driver via `-fuse-ld=<path-to-uld>`.
package main

import (
	"errors"
	"os"

	"github.com/aclements/uld/linkerr"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	rootCmd.SetArgs(translateArgs(args))
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var le *linkerr.Error
	if errors.As(err, &le) {
		return 1
	}
	return 2
}
