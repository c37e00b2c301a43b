package section

import (
	"debug/elf"

	"github.com/pkg/errors"

	"github.com/grafana/elflayout/pkg/elfcodec"
	"github.com/grafana/elflayout/pkg/validation"
)

var (
	ErrUnbound      = errors.New("synthetic table is not bound")
	ErrNotStrtab    = errors.New("section is not a string table")
	ErrNotReloc     = errors.New("section is not a relocation table")
	ErrRelocTarget  = errors.New("invalid relocation target")
	ErrDuplicateRel = errors.New("target already has a relocation table of this kind")
)

// Sentinel sections stand in for the reserved section indices. They are not
// backed by the file and never appear in a catalog.
var (
	UndefSection  = &Section{Name: "*UND*"}
	AbsSection    = &Section{Name: "*ABS*"}
	CommonSection = &Section{Name: "*COM*"}
)

// Catalog owns the resolved sections of one file or one write.
type Catalog struct {
	file      string
	sections  []*Section
	synthetic map[SyntheticTable]ID
	strtabs   map[ID]*StringTable
}

// NewCatalog returns an empty catalog. file names the containing file in
// error messages.
func NewCatalog(file string) *Catalog {
	return &Catalog{
		file:      file,
		synthetic: make(map[SyntheticTable]ID),
		strtabs:   make(map[ID]*StringTable),
	}
}

func (c *Catalog) File() string { return c.file }

// Register adds a section discovered at header index. Skipped indices are
// filled with null sections so that IDs equal header indices; registering
// below the current length appends instead.
func (c *Catalog) Register(hdr elfcodec.SectionHeader, index uint32, name string) ID {
	s := &Section{
		Name:      name,
		Type:      hdr.Type,
		Flags:     hdr.Flags,
		Addr:      hdr.Addr,
		LoadAddr:  hdr.Addr,
		Size:      hdr.Size,
		Addralign: hdr.Addralign,
		Entsize:   hdr.Entsize,
		Offset:    hdr.Offset,
		Info:      hdr.Info,
	}
	if hdr.Link != 0 {
		s.Link = Index(ID(hdr.Link))
	}
	if s.IsRelocation() || hdr.Flags&elf.SHF_INFO_LINK != 0 {
		s.InfoIsSection = hdr.Info != 0
	}
	for uint32(len(c.sections)) < index {
		c.Add(&Section{})
	}
	return c.Add(s)
}

// Add appends a synthesized section and returns its ID.
func (c *Catalog) Add(s *Section) ID {
	id := ID(len(c.sections))
	s.ID = id
	c.sections = append(c.sections, s)
	return id
}

func (c *Catalog) Len() int { return len(c.sections) }

// Section returns the section with the given ID or nil.
func (c *Catalog) Section(id ID) *Section {
	if int(id) >= len(c.sections) {
		return nil
	}
	return c.sections[id]
}

// Sections returns the sections in catalog order.
func (c *Catalog) Sections() []*Section { return c.sections }

// ByName returns the first section with the given name.
func (c *Catalog) ByName(name string) *Section {
	for _, s := range c.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ByType returns all sections of the given type in catalog order.
func (c *Catalog) ByType(typ elf.SectionType) []*Section {
	var res []*Section
	for _, s := range c.sections {
		if s.Type == typ {
			res = append(res, s)
		}
	}
	return res
}

// Bind associates a synthetic table with a catalog entry.
func (c *Catalog) Bind(t SyntheticTable, id ID) { c.synthetic[t] = id }

// Bound returns the catalog entry bound to t.
func (c *Catalog) Bound(t SyntheticTable) (ID, bool) {
	id, ok := c.synthetic[t]
	return id, ok
}

// Lookup resolves r. Reserved kinds resolve to the sentinel sections.
func (c *Catalog) Lookup(r Ref) (*Section, error) {
	switch r.Kind() {
	case KindNone:
		return UndefSection, nil
	case KindAbsolute:
		return AbsSection, nil
	case KindCommon:
		return CommonSection, nil
	case KindIndex:
		id, _ := r.ID()
		if err := validation.CheckIndex(uint64(id), uint64(len(c.sections))); err != nil {
			return nil, err
		}
		return c.sections[id], nil
	case KindSynthetic:
		t, _ := r.Table()
		id, ok := c.synthetic[t]
		if !ok {
			return nil, errors.Wrapf(ErrUnbound, "%s", t)
		}
		return c.sections[id], nil
	}
	return nil, errors.Errorf("invalid reference kind %d", r.Kind())
}

// StringTable returns a reader over the string table with the given ID.
func (c *Catalog) StringTable(id ID) (*StringTable, error) {
	if t, ok := c.strtabs[id]; ok {
		return t, nil
	}
	s := c.Section(id)
	if s == nil {
		return nil, errors.Wrapf(validation.ErrIndexOutOfRange, "string table %d", id)
	}
	if s.Type != elf.SHT_STRTAB {
		return nil, errors.Wrapf(ErrNotStrtab, "section %d (%s) has type %v", id, s.Name, s.Type)
	}
	t := NewFileStringTable(c.file, s.Name, id, s.Data)
	c.strtabs[id] = t
	return t, nil
}

// ResolveString returns the string at offset in the string table id.
func (c *Catalog) ResolveString(id ID, offset uint32) (string, error) {
	t, err := c.StringTable(id)
	if err != nil {
		return "", err
	}
	return t.String(offset)
}

// MarkRelocationTarget attaches rel to target as its REL or RELA table.
func (c *Catalog) MarkRelocationTarget(rel, target ID) error {
	r, t := c.Section(rel), c.Section(target)
	if r == nil || t == nil {
		return errors.Wrapf(validation.ErrIndexOutOfRange, "relocation %d -> %d", rel, target)
	}
	if !r.IsRelocation() {
		return errors.Wrapf(ErrNotReloc, "section %d (%s)", rel, r.Name)
	}
	if rel == target || t.IsRelocation() || t.Type == elf.SHT_NULL {
		return errors.Wrapf(ErrRelocTarget, "section %d (%s) cannot be relocated by %d", target, t.Name, rel)
	}
	slot := &t.Rel
	if r.Type == elf.SHT_RELA {
		slot = &t.Rela
	}
	if !slot.IsNone() {
		return errors.Wrapf(ErrDuplicateRel, "section %d (%s)", target, t.Name)
	}
	*slot = Index(rel)
	r.RelocTarget = Index(target)
	r.Info = uint32(target)
	r.InfoIsSection = true
	return nil
}

// isSymbolTable reports whether id is the symbol table the file uses or a
// DYNSYM section. Other SYMTAB sections do not count.
func (c *Catalog) isSymbolTable(id ID) bool {
	s := c.Section(id)
	if s == nil {
		return false
	}
	switch s.Type {
	case elf.SHT_DYNSYM:
		return true
	case elf.SHT_SYMTAB:
		bound, ok := c.Bound(Symtab)
		return ok && bound == id
	}
	return false
}

// ResolveRelocation wires the relocation section id to its symbol table and
// target. Problems are reported to diag and leave the section in place as an
// ordinary, unrelocated section.
func (c *Catalog) ResolveRelocation(id ID, diag *validation.Diagnostics) {
	s := c.Section(id)
	if s == nil || !s.IsRelocation() {
		return
	}
	symtabs := c.ByType(elf.SHT_SYMTAB)
	link, hasLink := s.Link.ID()
	if !hasLink || !c.isSymbolTable(link) {
		if len(symtabs) != 1 {
			diag.Add(validation.CrossReference, uint32(id), s.Name,
				errors.Wrapf(validation.ErrLinkType, "link %v is not the file's symbol table and the file has %d", s.Link, len(symtabs)))
			c.demote(s)
			return
		}
		s.Link = Index(symtabs[0].ID)
		link = symtabs[0].ID
	}
	// Relocations against the dynamic symbol table stay ordinary sections.
	if c.Section(link).Type == elf.SHT_DYNSYM {
		s.InfoIsSection = false
		return
	}
	if s.Info == 0 {
		c.demote(s)
		return
	}
	if err := c.MarkRelocationTarget(id, ID(s.Info)); err != nil {
		diag.Add(validation.CrossReference, uint32(id), s.Name, err)
		c.demote(s)
	}
}

func (c *Catalog) demote(s *Section) {
	s.InfoIsSection = false
	s.RelocTarget = None()
}
