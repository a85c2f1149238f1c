// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package linkerr defines the error taxonomy used throughout uld's
// link pipeline.
package linkerr

import (
	"fmt"
	"strings"
)

// A Kind identifies one of the error categories the link pipeline can
// produce. Kind is not itself an error; wrap it in an *Error to attach
// context.
type Kind uint8

const (
	_ Kind = iota
	// MalformedInput indicates unrecognized magic, truncated headers,
	// or inconsistent section/symbol tables.
	MalformedInput
	// UnsupportedTarget indicates an input is not ELF64/x86_64/little-endian.
	UnsupportedTarget
	// DuplicateSymbol indicates two strong definitions of the same name.
	DuplicateSymbol
	// UnresolvedSymbol indicates a non-weak reference with no definition
	// after all inputs were loaded.
	UnresolvedSymbol
	// MissingEntry indicates _start was never defined.
	MissingEntry
	// UnsupportedRelocation indicates a relocation kind outside the
	// supported set.
	UnsupportedRelocation
	// RelocationOverflow indicates a computed relocation value does not
	// fit the patch width.
	RelocationOverflow
	// IOFailure indicates an underlying read or write error.
	IOFailure
)

func (k Kind) String() string {
	switch k {
	case MalformedInput:
		return "malformed input"
	case UnsupportedTarget:
		return "unsupported target"
	case DuplicateSymbol:
		return "duplicate symbol"
	case UnresolvedSymbol:
		return "unresolved symbol"
	case MissingEntry:
		return "missing entry point"
	case UnsupportedRelocation:
		return "unsupported relocation"
	case RelocationOverflow:
		return "relocation overflow"
	case IOFailure:
		return "I/O failure"
	default:
		return "unknown error"
	}
}

// An Error reports a link-pipeline failure along with whatever context
// is available: the input file and archive member it came from, the
// symbol or section name, and the relocation kind, if applicable.
type Error struct {
	Kind    Kind
	File    string // input path, or output path for write errors
	Member  string // archive member name, if the file is an archive
	Symbol  string
	Section string
	Reloc   string // relocation kind, as text (e.g. "R_X86_64_PC32")
	Detail  string // extra free-form context, e.g. a disassembled patch site
	Err     error  // wrapped cause, if any
}

func New(kind Kind, opts ...Option) *Error {
	e := &Error{Kind: kind}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option sets one field of an *Error. Options compose so call sites only
// populate whatever context they have.
type Option func(*Error)

func WithFile(path string) Option     { return func(e *Error) { e.File = path } }
func WithMember(name string) Option   { return func(e *Error) { e.Member = name } }
func WithSymbol(name string) Option   { return func(e *Error) { e.Symbol = name } }
func WithSection(name string) Option  { return func(e *Error) { e.Section = name } }
func WithReloc(kind string) Option    { return func(e *Error) { e.Reloc = kind } }
func WithDetail(detail string) Option { return func(e *Error) { e.Detail = detail } }
func WithCause(err error) Option      { return func(e *Error) { e.Err = err } }

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.File != "" {
		fmt.Fprintf(&b, ": %s", e.File)
		if e.Member != "" {
			fmt.Fprintf(&b, "(%s)", e.Member)
		}
	}
	if e.Section != "" {
		fmt.Fprintf(&b, ", section %s", e.Section)
	}
	if e.Symbol != "" {
		fmt.Fprintf(&b, ", symbol %s", e.Symbol)
	}
	if e.Reloc != "" {
		fmt.Fprintf(&b, ", relocation %s", e.Reloc)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}
