// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package objfile

import (
	stdelf "debug/elf"
	"io"
	"strings"

	"github.com/aclements/uld/arch"
	"github.com/aclements/uld/linkerr"
)

// Load parses an ET_REL ELF64 x86_64 object out of r and returns its
// Input Loader representation. origin names the file this object came
// from for diagnostics; member names the archive member, or "" if
// origin is a standalone object file.
func Load(origin, member string, r io.ReaderAt) (*Object, error) {
	opt := func(opts ...linkerr.Option) []linkerr.Option {
		base := []linkerr.Option{linkerr.WithFile(origin)}
		if member != "" {
			base = append(base, linkerr.WithMember(member))
		}
		return append(base, opts...)
	}

	f, err := stdelf.NewFile(r)
	if err != nil {
		return nil, linkerr.New(linkerr.MalformedInput, opt(linkerr.WithCause(err))...)
	}
	if f.Class != stdelf.ELFCLASS64 {
		return nil, linkerr.New(linkerr.UnsupportedTarget, opt(linkerr.WithDetail("not a 64-bit ELF object"))...)
	}
	if f.Data != stdelf.ELFDATA2LSB {
		return nil, linkerr.New(linkerr.UnsupportedTarget, opt(linkerr.WithDetail("not a little-endian ELF object"))...)
	}
	if f.Machine != stdelf.EM_X86_64 {
		return nil, linkerr.New(linkerr.UnsupportedTarget, opt(linkerr.WithDetail("not an x86_64 ELF object"))...)
	}
	if f.Type != stdelf.ET_REL {
		return nil, linkerr.New(linkerr.UnsupportedTarget, opt(linkerr.WithDetail("not a relocatable (ET_REL) object"))...)
	}

	obj := &Object{Origin: origin, Member: member}

	obj.Sections = make([]*Section, len(f.Sections))
	for i, es := range f.Sections {
		sec := &Section{
			Object: obj,
			Index:  SectionID(i),
			RawID:  i,
			Name:   es.Name,
			Align:  es.Addralign,
			Size:   es.Size,
		}
		sec.Kind, sec.Perm, sec.Excluded = classifySection(es)

		if sec.Kind != KindNobits {
			content, err := es.Data()
			if err != nil {
				return nil, linkerr.New(linkerr.MalformedInput, opt(linkerr.WithSection(es.Name), linkerr.WithCause(err))...)
			}
			sec.Content = content
		}

		obj.Sections[i] = sec
	}

	syms, err := f.Symbols()
	if err != nil && err != stdelf.ErrNoSymbols {
		return nil, linkerr.New(linkerr.MalformedInput, opt(linkerr.WithCause(err))...)
	}
	obj.Syms = make([]Sym, len(syms))
	for i, s := range syms {
		obj.Syms[i] = convertSym(s)
	}

	for _, es := range f.Sections {
		switch es.Type {
		case stdelf.SHT_RELA:
			relocs, err := decodeRela(es)
			if err != nil {
				return nil, linkerr.New(linkerr.MalformedInput, opt(linkerr.WithSection(es.Name), linkerr.WithCause(err))...)
			}
			target := SectionID(es.Info)
			for _, rel := range relocs {
				rel.Section = target
				obj.Relocs = append(obj.Relocs, rel)
			}
		case stdelf.SHT_REL:
			return nil, linkerr.New(linkerr.UnsupportedTarget, opt(
				linkerr.WithSection(es.Name),
				linkerr.WithDetail("REL relocations without explicit addends are not supported; expected RELA"),
			)...)
		}
	}

	return obj, nil
}

// classifySection maps an ELF section to the Kind, Perm, and exclusion
// status the Layout Engine needs. Sections excluded here are retained
// in Object.Sections only so relocations and symbols can still
// reference them by index; they never contribute bytes to the output.
func classifySection(s *stdelf.Section) (Kind, Perm, bool) {
	switch s.Type {
	case stdelf.SHT_NOBITS:
		return KindNobits, PermRWZero, false
	case stdelf.SHT_NOTE:
		return KindNote, PermR, true
	case stdelf.SHT_PROGBITS:
		perm := PermR
		switch {
		case s.Flags&stdelf.SHF_EXECINSTR != 0:
			perm = PermRX
		case s.Flags&stdelf.SHF_WRITE != 0:
			perm = PermRW
		}
		excluded := strings.HasPrefix(s.Name, ".debug") ||
			s.Name == ".eh_frame" ||
			s.Name == ".comment" ||
			strings.HasPrefix(s.Name, ".note")
		return KindProgbits, perm, excluded
	default:
		// SHT_SYMTAB, SHT_STRTAB, SHT_RELA, SHT_GROUP, and anything else
		// is metadata the Input Loader consumes itself; it never reaches
		// the Layout Engine.
		return KindOther, PermR, true
	}
}

func convertSym(s stdelf.Symbol) Sym {
	sym := Sym{
		Name:  s.Name,
		Value: s.Value,
		Size:  s.Size,
	}

	switch stdelf.ST_BIND(s.Info) {
	case stdelf.STB_LOCAL:
		sym.Binding = BindLocal
	case stdelf.STB_WEAK:
		sym.Binding = BindWeak
	default:
		sym.Binding = BindGlobal
	}

	switch stdelf.ST_TYPE(s.Info) {
	case stdelf.STT_OBJECT:
		sym.Kind = SymObject
	case stdelf.STT_FUNC:
		sym.Kind = SymFunc
	case stdelf.STT_SECTION:
		sym.Kind = SymSection
	case stdelf.STT_FILE:
		sym.Kind = SymFile
	default:
		sym.Kind = SymNoType
	}

	switch s.Section {
	case stdelf.SHN_UNDEF:
		sym.Section = SecUndef
		sym.Value = 0
	case stdelf.SHN_ABS:
		sym.Section = SecAbs
	case stdelf.SHN_COMMON:
		// A tentative (common) definition. Modern toolchains default to
		// -fno-common and never emit these for the targets uld cares
		// about; we fold it down to an absolute zero rather than
		// implementing common-symbol merging.
		sym.Section = SecAbs
		sym.Value = 0
	default:
		sym.Section = SectionID(s.Section)
	}

	return sym
}

// decodeRela decodes an SHT_RELA section's Elf64_Rela entries. The
// returned Relocs have Section left unset; the caller fills it in from
// the section's sh_info.
func decodeRela(s *stdelf.Section) ([]Reloc, error) {
	data, err := s.Data()
	if err != nil {
		return nil, err
	}
	const entSize = 24 // sizeof(Elf64_Rela): r_offset, r_info, r_addend
	if len(data)%entSize != 0 {
		return nil, io.ErrUnexpectedEOF
	}
	layout := arch.AMD64.Layout
	n := len(data) / entSize
	relocs := make([]Reloc, n)
	for i := range relocs {
		b := data[i*entSize:]
		offset := layout.Uint64(b[0:8])
		info := layout.Uint64(b[8:16])
		addend := layout.Int64(b[16:24])
		relocs[i] = Reloc{
			Offset: offset,
			Type:   RelocType(stdelf.R_TYPE64(info)),
			Symbol: SymID(stdelf.R_SYM64(info) - 1),
			Addend: addend,
		}
	}
	return relocs, nil
}
