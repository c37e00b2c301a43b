// Package numbering assigns final section header indices for a write and
// wires sh_link/sh_info between sections.
package numbering

import (
	"debug/elf"

	"github.com/pkg/errors"

	"github.com/grafana/elflayout/pkg/section"
	"github.com/grafana/elflayout/pkg/validation"
)

// ExtendedThreshold is SHN_LORESERVE: a file with this many section headers
// or more needs extended section numbering.
const ExtendedThreshold = uint32(elf.SHN_LORESERVE)

var (
	ErrTooManySections = errors.New("too many sections")
	ErrNoSymtab        = errors.New("relocations or groups need a symbol table")
	ErrUnresolvedLink  = errors.New("link does not resolve to an emitted section")
)

// Options controls numbering.
type Options struct {
	// GroupsResolved means a consumer already ordered group sections, so they
	// are numbered in catalog order with everything else.
	GroupsResolved bool
	// NeedSymtab requests .symtab and .strtab.
	NeedSymtab bool
	// AllowExtended permits section counts at or above SHN_LORESERVE.
	AllowExtended bool
	// SymtabInfo is sh_info of .symtab: one past the last local symbol.
	SymtabInfo uint32
}

// Slot is one entry of the final section header table.
type Slot struct {
	Index uint32
	// ID is the catalog section for ordinary slots. Table is set instead for
	// the tables created by the numbering itself.
	ID    section.ID
	Table section.SyntheticTable
	Link  uint32
	Info  uint32
	Flags elf.SectionFlag
}

// Synthetic reports whether the slot holds a table created by the numbering.
func (s *Slot) Synthetic() bool { return s.Table != 0 }

// Numbering is the result of Assign.
type Numbering struct {
	Slots    []Slot // Slots[0] is the null section
	Shstrndx uint32

	byID   []uint32
	tables map[section.SyntheticTable]uint32
	cat    *section.Catalog
}

// Count is the number of section headers including the null section.
func (n *Numbering) Count() uint32 { return uint32(len(n.Slots)) }

// Index returns the final index of the catalog section id, or 0 when it is
// not emitted.
func (n *Numbering) Index(id section.ID) uint32 {
	if int(id) >= len(n.byID) {
		return 0
	}
	return n.byID[id]
}

// Table returns the final index of a synthetic table.
func (n *Numbering) Table(t section.SyntheticTable) (uint32, bool) {
	if idx, ok := n.tables[t]; ok {
		return idx, true
	}
	switch t {
	case section.Dynsym, section.Dynstr:
		if id, ok := n.dynamic(t); ok {
			if idx := n.Index(id); idx != 0 {
				return idx, true
			}
		}
	}
	return 0, false
}

// Extended reports whether an extended section index table is emitted.
func (n *Numbering) Extended() bool {
	_, ok := n.tables[section.SymtabShndx]
	return ok
}

// Resolve maps a reference to a final section index.
func (n *Numbering) Resolve(r section.Ref) (uint32, bool) {
	switch r.Kind() {
	case section.KindIndex:
		id, _ := r.ID()
		idx := n.Index(id)
		return idx, idx != 0
	case section.KindSynthetic:
		t, _ := r.Table()
		return n.Table(t)
	}
	return 0, false
}

func (n *Numbering) dynamic(t section.SyntheticTable) (section.ID, bool) {
	if id, ok := n.cat.Bound(t); ok {
		return id, true
	}
	switch t {
	case section.Dynsym:
		if s := n.cat.ByType(elf.SHT_DYNSYM); len(s) > 0 {
			return s[0].ID, true
		}
	case section.Dynstr:
		if ds, ok := n.dynamic(section.Dynsym); ok {
			if id, ok := n.cat.Section(ds).Link.ID(); ok {
				return id, true
			}
		}
		if s := n.cat.ByName(".dynstr"); s != nil {
			return s.ID, true
		}
	}
	return 0, false
}

// Retained reports whether a section takes part in the output.
func Retained(s *section.Section) bool {
	return s.Type != elf.SHT_NULL && !s.Excluded()
}

// Assign numbers the sections of cat.
//
// Index 0 is the null section. Group sections come first unless
// opts.GroupsResolved, then every other retained section in catalog order,
// each immediately followed by its REL and RELA tables. Then .symtab,
// .symtab_shndx when the final count reaches SHN_LORESERVE, .strtab and
// finally .shstrtab.
func Assign(cat *section.Catalog, opts Options) (*Numbering, error) {
	n := &Numbering{
		Slots:  []Slot{{}},
		byID:   make([]uint32, cat.Len()),
		tables: make(map[section.SyntheticTable]uint32),
		cat:    cat,
	}
	add := func(s *section.Section) {
		if n.byID[s.ID] != 0 {
			return
		}
		idx := uint32(len(n.Slots))
		n.byID[s.ID] = idx
		n.Slots = append(n.Slots, Slot{Index: idx, ID: s.ID, Flags: s.Flags})
	}
	addTable := func(t section.SyntheticTable) {
		idx := uint32(len(n.Slots))
		n.tables[t] = idx
		n.Slots = append(n.Slots, Slot{Index: idx, Table: t})
	}
	addRelocs := func(s *section.Section) {
		for _, r := range []section.Ref{s.Rel, s.Rela} {
			if id, ok := r.ID(); ok {
				if rs := cat.Section(id); rs != nil && Retained(rs) {
					add(rs)
				}
			}
		}
	}
	attached := func(s *section.Section) bool {
		id, ok := s.RelocTarget.ID()
		return ok && cat.Section(id) != nil
	}

	if !opts.GroupsResolved {
		for _, s := range cat.Sections() {
			if s.Type == elf.SHT_GROUP && Retained(s) {
				add(s)
			}
		}
	}
	for _, s := range cat.Sections() {
		if !Retained(s) || attached(s) {
			continue
		}
		add(s)
		addRelocs(s)
	}

	if opts.NeedSymtab {
		addTable(section.Symtab)
		// .strtab and .shstrtab follow.
		if uint32(len(n.Slots))+2 >= ExtendedThreshold {
			addTable(section.SymtabShndx)
		}
		addTable(section.Strtab)
	}
	addTable(section.Shstrtab)
	n.Shstrndx = n.tables[section.Shstrtab]

	if n.Count() >= ExtendedThreshold && !opts.AllowExtended {
		return nil, validation.Wrap(validation.Capacity, validation.NoSection, "",
			errors.Wrapf(ErrTooManySections, "%d sections, extended numbering disabled", n.Count()))
	}
	if err := n.wire(opts); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Numbering) wire(opts Options) error {
	symtab, hasSymtab := n.tables[section.Symtab]
	for i := range n.Slots[1:] {
		slot := &n.Slots[i+1]
		if slot.Synthetic() {
			switch slot.Table {
			case section.Symtab:
				slot.Link = n.tables[section.Strtab]
				slot.Info = opts.SymtabInfo
			case section.SymtabShndx:
				slot.Link = symtab
			}
			continue
		}
		s := n.cat.Section(slot.ID)
		fail := func(err error) error {
			return validation.Wrap(validation.CrossReference, slot.Index, s.Name, err)
		}

		slot.Info = s.Info
		if s.InfoIsSection {
			id := section.ID(s.Info)
			if target, ok := s.RelocTarget.ID(); ok {
				id = target
			}
			slot.Info = n.Index(id)
			if slot.Info == 0 {
				return fail(errors.Wrapf(ErrUnresolvedLink, "info names section %d", id))
			}
			slot.Flags |= elf.SHF_INFO_LINK
		}

		if !s.Link.IsNone() {
			idx, ok := n.Resolve(s.Link)
			if !ok {
				return fail(errors.Wrapf(ErrUnresolvedLink, "link %v", s.Link))
			}
			slot.Link = idx
			continue
		}

		switch s.Type {
		case elf.SHT_REL, elf.SHT_RELA:
			if s.RelocTarget.IsNone() && s.Alloc() {
				slot.Link, _ = n.Table(section.Dynsym)
				continue
			}
			if !hasSymtab {
				return fail(ErrNoSymtab)
			}
			slot.Link = symtab
		case elf.SHT_GROUP:
			if !hasSymtab {
				return fail(ErrNoSymtab)
			}
			slot.Link = symtab
		case elf.SHT_HASH, elf.SHT_GNU_HASH, elf.SHT_GNU_VERSYM:
			slot.Link, _ = n.Table(section.Dynsym)
		case elf.SHT_GNU_VERDEF, elf.SHT_GNU_VERNEED, elf.SHT_DYNAMIC, elf.SHT_DYNSYM:
			slot.Link, _ = n.Table(section.Dynstr)
		}
	}
	return nil
}
