// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"

	"github.com/aclements/uld/linkerr"
)

// resolveLibrary searches dirs in order for libNAME.a, the `-l`
// flag's resolution rule (spec.md §6). No library in the retrieved
// corpus does bare directory search for a static archive; this stays
// on path/filepath because it is ambient driver plumbing, not a
// linker-core concern.
func resolveLibrary(name string, dirs []string) (string, error) {
	want := "lib" + name + ".a"
	for _, dir := range dirs {
		candidate := filepath.Join(dir, want)
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", linkerr.New(linkerr.IOFailure, linkerr.WithFile(want), linkerr.WithDetail("library not found in any -L search directory"))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
