// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package link is the pipeline driver: it owns the Symbol Table for
// the duration of one link and threads it through the Input Loader,
// Archive Resolver, Layout Engine, GOT Builder, Relocation Engine and
// ELF Writer in dependency order.
package link

import (
	"io"
	"os"

	"github.com/aclements/uld/archive"
	"github.com/aclements/uld/elfwriter"
	"github.com/aclements/uld/got"
	"github.com/aclements/uld/layout"
	"github.com/aclements/uld/linkerr"
	"github.com/aclements/uld/objfile"
	"github.com/aclements/uld/reloc"
	"github.com/aclements/uld/symtab"
)

// An Input is one positional argument: either a standalone relocatable
// object or a static archive, distinguished by sniffing its contents
// rather than its name.
type Input struct {
	Path string
}

// Config configures one link.
type Config struct {
	// Inputs are object files and archives, in load order.
	Inputs []Input
	// Output is the path the linked executable is written to.
	Output string
	// Disasm, if non-nil, receives a symbolized disassembly of the
	// final .text section once relocations are applied, before the
	// executable is written.
	Disasm io.Writer
}

// A Result reports what a successful link produced.
type Result struct {
	// ObjectCount is the number of relocatable objects (standalone or
	// pulled from an archive) that contributed to the link.
	ObjectCount int
	// Entry is the resolved virtual address of _start.
	Entry uint64
}

// Link runs the full pipeline for cfg, writing the resulting
// executable to cfg.Output. It returns a *linkerr.Error for every
// failure the pipeline itself detects.
func Link(cfg Config) (*Result, error) {
	table := symtab.New()

	var objects []*objfile.Object
	var archives []*archive.Archive

	for _, in := range cfg.Inputs {
		data, err := os.ReadFile(in.Path)
		if err != nil {
			return nil, linkerr.New(linkerr.IOFailure, linkerr.WithFile(in.Path), linkerr.WithCause(err))
		}

		if archive.IsArchive(data) {
			a, err := archive.Parse(in.Path, data)
			if err != nil {
				return nil, err
			}
			archives = append(archives, a)
			continue
		}

		obj, err := objfile.Load(in.Path, "", byteReaderAt(data))
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
		if err := table.AddObject(obj); err != nil {
			return nil, err
		}
	}

	// Archives are searched to a fixed point across all of them
	// together: a member pulled from one archive may itself reference
	// a symbol only another archive defines.
	for {
		progress := false
		for _, a := range archives {
			pulled, err := a.Resolve(table)
			if err != nil {
				return nil, err
			}
			if len(pulled) > 0 {
				objects = append(objects, pulled...)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	if err := table.Finalize(); err != nil {
		return nil, err
	}

	gotTable := got.Plan(objects)
	l, err := layout.Build(objects, gotTable.Size(), table)
	if err != nil {
		return nil, err
	}
	if gotSec := l.Section(layout.GOTSectionName); gotSec != nil {
		gotTable.SetBase(gotSec.VAddr)
		gotSec.Override = gotTable.Bytes()
	}

	if err := reloc.Apply(objects, l, gotTable, table); err != nil {
		return nil, err
	}

	if cfg.Disasm != nil {
		writeDisasm(cfg.Disasm, l)
	}

	out, err := os.OpenFile(cfg.Output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0755)
	if err != nil {
		return nil, linkerr.New(linkerr.IOFailure, linkerr.WithFile(cfg.Output), linkerr.WithCause(err))
	}
	defer out.Close()

	if err := elfwriter.Write(out, l, table); err != nil {
		return nil, err
	}

	return &Result{ObjectCount: len(objects), Entry: l.Entry}, nil
}

// byteReaderAt adapts a byte slice to io.ReaderAt for objfile.Load,
// which reads standalone object files the same way archive.Archive
// reads a member already sliced out of the archive.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
