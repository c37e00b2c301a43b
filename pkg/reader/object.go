package reader

import (
	"debug/elf"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/grafana/elflayout/pkg/elfcodec"
	"github.com/grafana/elflayout/pkg/layout"
	"github.com/grafana/elflayout/pkg/section"
	"github.com/grafana/elflayout/pkg/segment"
	"github.com/grafana/elflayout/pkg/validation"
)

// positions maps catalog IDs to positions in the Object built from the
// file. Generated tables map to their synthetic reference instead.
type positions struct {
	pos       []int
	synthetic map[section.ID]section.SyntheticTable
	kept      []*section.Section
}

func (f *File) positions() *positions {
	p := &positions{
		pos:       make([]int, f.Catalog.Len()),
		synthetic: make(map[section.ID]section.SyntheticTable),
	}
	for _, t := range []section.SyntheticTable{section.Symtab, section.Strtab, section.SymtabShndx} {
		if id, ok := f.Catalog.Bound(t); ok {
			p.synthetic[id] = t
		}
	}
	if f.Shstrndx != 0 && int(f.Shstrndx) < f.Catalog.Len() {
		p.synthetic[section.ID(f.Shstrndx)] = section.Shstrtab
	}
	valid := make(map[section.ID]bool, len(f.Groups))
	for _, g := range f.Groups {
		valid[g.Section] = true
	}
	for _, s := range f.Catalog.Sections() {
		p.pos[s.ID] = -1
		if s.ID == 0 || s.Type == elf.SHT_NULL {
			continue
		}
		if s.Type == elf.SHT_GROUP && !valid[s.ID] {
			// Rejected while parsing.
			continue
		}
		if _, ok := p.synthetic[s.ID]; ok {
			continue
		}
		switch s.Type {
		case elf.SHT_SYMTAB, elf.SHT_SYMTAB_SHNDX:
			// Unused additional tables.
			continue
		}
		switch s.Name {
		case ".symtab", ".strtab", ".shstrtab", ".symtab_shndx":
			continue
		}
		p.pos[s.ID] = len(p.kept)
		p.kept = append(p.kept, s)
	}
	return p
}

func (p *positions) ref(r section.Ref) section.Ref {
	id, ok := r.ID()
	if !ok {
		return r
	}
	if t, ok := p.synthetic[id]; ok {
		return section.Synthetic(t)
	}
	if int(id) >= len(p.pos) || p.pos[id] < 0 {
		return section.None()
	}
	return section.Index(section.ID(p.pos[id]))
}

// Object converts the file into writer input: generated tables are dropped,
// relocation sections reference their targets and section contents are
// copied. Segment placement is left to the writer; set SegmentMap from
// File.SegmentMap to keep the file's program headers.
func (f *File) Object() (*layout.Object, error) {
	h := f.Header
	obj := &layout.Object{
		Class: h.Class, Data: h.Data, Type: h.Type, Machine: h.Machine,
		OSABI: h.OSABI, ABIVersion: h.ABIVersion, Entry: h.Entry, Flags: h.Flags,
	}
	p := f.positions()
	for _, s := range p.kept {
		c := s.Clone()
		c.ID = section.ID(p.pos[s.ID])
		c.Data = slices.Clone(s.Data)
		c.Offset, c.OffsetFixed = 0, false
		c.Rel, c.Rela = section.None(), section.None()
		c.RelocTarget = p.ref(s.RelocTarget)
		c.Group = p.ref(s.Group)
		c.NextInGroup = p.ref(s.NextInGroup)

		c.Link = p.ref(s.Link)
		if t, ok := c.Link.Table(); ok && t == section.Symtab && (c.IsRelocation() || c.Type == elf.SHT_GROUP) {
			// Wired to the generated symbol table by default.
			c.Link = section.None()
		}
		if !s.InfoIsSection && s.Flags&elf.SHF_INFO_LINK != 0 && s.Info != 0 {
			c.InfoIsSection = true
		}
		if c.InfoIsSection && c.RelocTarget.IsNone() {
			target, ok := p.ref(section.Index(section.ID(s.Info))).ID()
			if !ok {
				return nil, validation.Wrap(validation.CrossReference, uint32(s.ID), s.Name,
					errors.Errorf("sh_info names section %d which is not kept", s.Info))
			}
			c.Info = uint32(target)
		}
		obj.Sections = append(obj.Sections, c)
	}

	syms, err := f.objectSymbols(p)
	if err != nil {
		return nil, err
	}
	obj.Symbols = syms

	for _, ph := range f.Progs {
		switch ph.Type {
		case elf.PT_GNU_STACK:
			obj.Stack = &segment.Stack{Size: ph.Memsz, Align: ph.Align, Exec: ph.Flags&elf.PF_X != 0}
		case elf.PT_GNU_RELRO:
			obj.Relro = &segment.Range{Start: ph.Vaddr, End: ph.Vaddr + ph.Memsz}
		}
	}
	return obj, nil
}

func (f *File) objectSymbols(p *positions) ([]section.Symbol, error) {
	tab, err := f.Symbols()
	if err != nil || tab == nil {
		return nil, err
	}
	out := make([]section.Symbol, 0, tab.Len())
	for i := 1; i < tab.Len(); i++ {
		sym, err := tab.Symbol(uint32(i))
		if err != nil {
			return nil, validation.Wrap(validation.Structural, validation.NoSection, "", errors.Wrapf(err, "symbol %d", i))
		}
		if sym.Section.Kind() == section.KindIndex {
			sym.Section = p.ref(sym.Section)
			if sym.Section.IsNone() {
				return nil, validation.Wrap(validation.CrossReference, validation.NoSection, "",
					errors.Errorf("symbol %d (%s) is defined in a dropped section", i, sym.Name))
			}
		}
		out = append(out, sym)
	}
	return out, nil
}

// SegmentMap returns the file's program headers as a segment map over the
// sections of Object.
func (f *File) SegmentMap() []layout.MapEntry {
	p := f.positions()
	phsize := uint64(len(f.Progs)) * uint64(f.Header.Phentsize)
	out := make([]layout.MapEntry, 0, len(f.Progs))
	for _, ph := range f.Progs {
		e := layout.MapEntry{
			Type: ph.Type, Flags: ph.Flags, Align: ph.Align,
			Vaddr: ph.Vaddr, Paddr: ph.Paddr, Memsz: ph.Memsz,
		}
		if ph.Type == elf.PT_LOAD {
			e.IncludesFileHeader = ph.Off == 0 && ph.Filesz >= uint64(f.Header.Ehsize)
		}
		if ph.Type == elf.PT_LOAD || ph.Type == elf.PT_PHDR {
			e.IncludesPhdrs = phsize > 0 && ph.Off <= f.Header.Phoff && f.Header.Phoff+phsize <= ph.Off+ph.Filesz
		}
		if ph.Type != elf.PT_PHDR && ph.Type != elf.PT_GNU_STACK && ph.Type != elf.PT_GNU_RELRO {
			for _, s := range p.kept {
				if inSegment(s, ph) {
					e.Sections = append(e.Sections, p.pos[s.ID])
				}
			}
		}
		out = append(out, e)
	}
	return out
}

// inSegment reports whether ph maps s: by address for allocated sections,
// by file offset otherwise.
func inSegment(s *section.Section, ph elfcodec.ProgHeader) bool {
	if s.Alloc() {
		if s.TBSS() && ph.Type != elf.PT_TLS && ph.Type != elf.PT_LOAD {
			return false
		}
		if s.Size == 0 || (s.TBSS() && ph.Type == elf.PT_LOAD) {
			return s.Addr >= ph.Vaddr && s.Addr < ph.Vaddr+ph.Memsz
		}
		return s.Addr >= ph.Vaddr && s.End() <= ph.Vaddr+ph.Memsz
	}
	if ph.Type == elf.PT_LOAD || !s.HasContents() || ph.Filesz == 0 {
		return false
	}
	return s.Offset >= ph.Off && s.Offset+s.Size <= ph.Off+ph.Filesz
}
