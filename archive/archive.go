// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package archive implements the Archive Resolver: parsing Unix ar
// archives of relocatable objects and selectively pulling in the
// members that satisfy currently unresolved symbol references.
package archive

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/aclements/uld/linkerr"
	"github.com/aclements/uld/objfile"
	"github.com/aclements/uld/symtab"
)

// Magic is the fixed 8-byte header every ar archive begins with.
var Magic = []byte("!<arch>\n")

// IsArchive reports whether data begins with the ar magic, letting
// the driver distinguish archive inputs from standalone object files
// without relying on file extension.
func IsArchive(data []byte) bool {
	return len(data) >= len(Magic) && bytes.Equal(data[:len(Magic)], Magic)
}

const headerSize = 60

// A member is one named entry of an archive: a byte range of the
// underlying archive data holding one relocatable object.
type member struct {
	name string
	data []byte
}

// An Archive is a parsed ar file: an ordered list of members plus the
// GNU-format symbol index used to decide which members to pull in.
type Archive struct {
	Origin  string
	members []member

	// bySymbol maps an exported name to the indices of members whose
	// symbol index lists it. A name may appear in more than one
	// member; the Resolver loads every member offering it; the later
	// symbol table upgrade rules settle any resulting duplicate.
	bySymbol map[string][]int

	loaded map[int]bool
}

// Parse reads the ar archive in data. origin names the archive file
// for diagnostics.
func Parse(origin string, data []byte) (*Archive, error) {
	if len(data) < len(Magic) || !bytes.Equal(data[:len(Magic)], Magic) {
		return nil, linkerr.New(linkerr.MalformedInput, linkerr.WithFile(origin), linkerr.WithDetail("missing ar archive magic"))
	}

	a := &Archive{Origin: origin, bySymbol: make(map[string][]int), loaded: make(map[int]bool)}

	var longNames []byte
	var symIndex []byte

	off := len(Magic)
	for off+headerSize <= len(data) {
		hdr := data[off : off+headerSize]
		if hdr[58] != '`' || hdr[59] != '\n' {
			return nil, linkerr.New(linkerr.MalformedInput, linkerr.WithFile(origin), linkerr.WithDetail("bad archive member header magic"))
		}
		name := trimName(hdr[0:16])
		sizeStr := string(bytes.TrimRight(hdr[48:58], " "))
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return nil, linkerr.New(linkerr.MalformedInput, linkerr.WithFile(origin), linkerr.WithDetail("bad member size field"))
		}
		body := off + headerSize
		if int64(body)+size > int64(len(data)) || size < 0 {
			return nil, linkerr.New(linkerr.MalformedInput, linkerr.WithFile(origin), linkerr.WithDetail("member size exceeds archive"))
		}
		content := data[body : int64(body)+size]

		switch {
		case name == "/":
			symIndex = content
		case name == "//":
			longNames = content
		case len(name) > 0 && name[0] == '/':
			// A name of the form "/N" is an offset into the extended
			// name table ("//" member).
			n, err := strconv.Atoi(name[1:])
			if err != nil || n < 0 || n > len(longNames) {
				return nil, linkerr.New(linkerr.MalformedInput, linkerr.WithFile(origin), linkerr.WithDetail("bad extended name offset"))
			}
			end := bytes.IndexAny(longNames[n:], "/\n")
			if end < 0 {
				end = len(longNames) - n
			}
			a.members = append(a.members, member{name: string(longNames[n : n+end]), data: content})
		default:
			a.members = append(a.members, member{name: name, data: content})
		}

		// Members are padded to an even offset.
		next := int64(body) + size
		if size&1 != 0 {
			next++
		}
		off = int(next)
	}

	if err := a.indexSymbols(symIndex, data); err != nil {
		return nil, err
	}
	return a, nil
}

// trimName strips the trailing space padding and, for GNU regular
// (non-extended) names, the trailing "/" ar appends. The special
// names "/" (symbol index) and "//" (long name table) are returned
// unchanged: their trailing slash is the name, not a terminator.
func trimName(b []byte) string {
	s := string(bytes.TrimRight(b, " "))
	if s == "/" || s == "//" {
		return s
	}
	if len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// indexSymbols decodes the GNU ar symbol index (the "/" member): a
// big-endian member count, that many big-endian file offsets into the
// original archive, and that many NUL-terminated symbol names, in
// matching order. We resolve each offset back to a member index so
// Resolve can use it directly.
func (a *Archive) indexSymbols(symIndex, archiveData []byte) error {
	if len(symIndex) == 0 {
		// An archive with no symbol index simply offers nothing to
		// pull selectively; it's still valid to parse.
		return nil
	}
	if len(symIndex) < 4 {
		return linkerr.New(linkerr.MalformedInput, linkerr.WithFile(a.Origin), linkerr.WithDetail("truncated symbol index"))
	}
	n := int(binary.BigEndian.Uint32(symIndex[0:4]))
	offsetsEnd := 4 + 4*n
	if offsetsEnd > len(symIndex) {
		return linkerr.New(linkerr.MalformedInput, linkerr.WithFile(a.Origin), linkerr.WithDetail("truncated symbol index offsets"))
	}

	// a.members has already dropped the "/" and "//" metadata members,
	// so recover each surviving member's original header offset by
	// re-walking the raw archive layout.
	offsetToMember := rebuildOffsetIndex(a, archiveData)

	names := symIndex[offsetsEnd:]
	for i := 0; i < n; i++ {
		headerOff := binary.BigEndian.Uint32(symIndex[4+4*i : 8+4*i])
		nameEnd := bytes.IndexByte(names, 0)
		if nameEnd < 0 {
			return linkerr.New(linkerr.MalformedInput, linkerr.WithFile(a.Origin), linkerr.WithDetail("truncated symbol name table"))
		}
		name := string(names[:nameEnd])
		names = names[nameEnd+1:]

		if idx, ok := offsetToMember[headerOff]; ok {
			a.bySymbol[name] = append(a.bySymbol[name], idx)
		}
	}
	return nil
}

// rebuildOffsetIndex re-walks the raw archive to map each member
// header's byte offset to its index in a.members (skipping the "/"
// and "//" metadata members, which never appear in the symbol index).
func rebuildOffsetIndex(a *Archive, data []byte) map[uint32]int {
	result := make(map[uint32]int)
	memberIdx := 0
	off := len(Magic)
	for off+headerSize <= len(data) && memberIdx <= len(a.members) {
		hdr := data[off : off+headerSize]
		name := trimName(hdr[0:16])
		sizeStr := string(bytes.TrimRight(hdr[48:58], " "))
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			break
		}
		if name != "/" && name != "//" {
			result[uint32(off)] = memberIdx
			memberIdx++
		}
		next := int64(off+headerSize) + size
		if size&1 != 0 {
			next++
		}
		off = int(next)
	}
	return result
}

// load parses and returns the member at index i as an Object, without
// regard to whether it has already been pulled in. Callers normally
// use Resolve instead.
func (a *Archive) load(i int) (*objfile.Object, error) {
	m := a.members[i]
	return objfile.Load(a.Origin, m.name, bytes.NewReader(m.data))
}

// Resolve implements the Archive Resolver's fixed point: repeatedly
// scans for members offering a name the table still has undefined,
// loads each such member exactly once, and merges its symbols into
// table, until a full pass pulls in nothing new. It returns every
// Object it loaded, in load order.
func (a *Archive) Resolve(table *symtab.Table) ([]*objfile.Object, error) {
	var loaded []*objfile.Object
	for {
		progress := false
		for _, name := range table.UnresolvedNames() {
			for _, idx := range a.bySymbol[name] {
				if a.loaded[idx] {
					continue
				}
				obj, err := a.load(idx)
				if err != nil {
					return nil, err
				}
				a.loaded[idx] = true
				if err := table.AddObject(obj); err != nil {
					return nil, err
				}
				loaded = append(loaded, obj)
				progress = true
			}
		}
		if !progress {
			break
		}
	}
	return loaded, nil
}
