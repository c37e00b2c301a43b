// Package reader parses the section and program header tables of an ELF
// file into a validated catalog.
//
// Parsing has two phases. The raw headers are decoded into
// File.Discovered, which is never changed afterwards. The catalog is then
// built from them and resolved: names, symbol tables, relocation targets
// and groups. Problems confined to one section are recorded as
// diagnostics and the section is demoted or dropped; problems with the
// file as a whole abort the parse.
package reader

import (
	"context"
	"debug/elf"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/elflayout/pkg/elfcodec"
	"github.com/grafana/elflayout/pkg/elfcontext"
	"github.com/grafana/elflayout/pkg/group"
	"github.com/grafana/elflayout/pkg/section"
	"github.com/grafana/elflayout/pkg/target"
	"github.com/grafana/elflayout/pkg/util"
	"github.com/grafana/elflayout/pkg/validation"
)

var (
	ErrHeaderSize   = errors.New("header entry size does not match the file class")
	ErrNoSections   = errors.New("file has no section header table")
	ErrDiagnostics  = errors.New("file has section diagnostics")
	ErrSymtabLayout = errors.New("symbol table is malformed")
)

// File is a parsed ELF file.
type File struct {
	Header elfcodec.FileHeader
	Codec  *elfcodec.Codec
	// Discovered holds the section headers exactly as read.
	Discovered []elfcodec.SectionHeader
	Progs      []elfcodec.ProgHeader
	// Shstrndx is the resolved section name table index.
	Shstrndx uint32
	// Policy is chosen from the header's machine.
	Policy target.Policy

	Catalog     *section.Catalog
	Groups      []*group.Group
	Diagnostics *validation.Diagnostics

	name   string
	data   []byte
	close  func() error
	logger log.Logger
}

// Open maps or reads the file at path and parses it. The returned File must
// be closed.
func Open(ctx context.Context, path string, cfg Config) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, validation.Wrap(validation.Resource, validation.NoSection, "", err)
	}
	defer fd.Close()
	st, err := fd.Stat()
	if err != nil {
		return nil, validation.Wrap(validation.Resource, validation.NoSection, "", err)
	}

	var (
		data  []byte
		unmap = func() error { return nil }
	)
	if cfg.Mmap {
		data, unmap, err = mapFile(fd, int(st.Size()))
	} else {
		data = make([]byte, st.Size())
		_, err = fd.ReadAt(data, 0)
	}
	if err != nil {
		return nil, validation.Wrap(validation.Resource, validation.NoSection, "", errors.Wrapf(err, "read %s", path))
	}
	f, err := parse(ctx, path, data, cfg)
	if err != nil {
		_ = unmap()
		return nil, err
	}
	f.close = unmap
	return f, nil
}

// Parse parses an in-memory file. Section contents alias data.
func Parse(ctx context.Context, data []byte, cfg Config) (*File, error) {
	return parse(ctx, "", data, cfg)
}

// Close releases the mapping made by Open.
func (f *File) Close() error {
	if f.close == nil {
		return nil
	}
	err := f.close()
	f.close = nil
	f.data = nil
	return err
}

// Name is the path the file was opened from.
func (f *File) Name() string { return f.name }

func parse(ctx context.Context, name string, data []byte, cfg Config) (f *File, err error) {
	m := newMetrics(elfcontext.Registry(ctx))
	defer func() { m.observe(f, len(data), err) }()

	logger := util.LoggerWithFile(name, elfcontext.Logger(ctx))
	f = &File{
		name:        name,
		data:        data,
		logger:      logger,
		Catalog:     section.NewCatalog(name),
		Diagnostics: validation.NewDiagnostics(logger, name),
	}
	fatal := func(class validation.Class, err error) error {
		e := validation.Wrap(class, validation.NoSection, "", err)
		e.File = name
		return e
	}

	if f.Header, f.Codec, err = elfcodec.DecodeFileHeader(data); err != nil {
		return nil, fatal(validation.Structural, err)
	}
	f.Policy = target.ForMachine(f.Header.Machine)
	if int(f.Header.Ehsize) < f.Codec.FileHeaderSize() {
		return nil, fatal(validation.Structural, errors.Wrapf(ErrHeaderSize, "e_ehsize %d", f.Header.Ehsize))
	}
	phnum, err := f.readSections()
	if err != nil {
		return nil, fatal(validation.ClassOf(err), err)
	}
	if err := f.readProgs(phnum); err != nil {
		return nil, fatal(validation.ClassOf(err), err)
	}

	f.register()
	f.loadAddresses()
	f.bindSymbolTables()
	f.checkDynamicLinks()
	for _, s := range f.Catalog.Sections() {
		f.Catalog.ResolveRelocation(s.ID, f.Diagnostics)
	}
	if err := f.resolveGroups(cfg); err != nil {
		return nil, fatal(validation.ClassOf(err), err)
	}

	if cfg.Strict && f.Diagnostics.Len() > 0 {
		return nil, fatal(validation.Structural, errors.Wrap(ErrDiagnostics, f.Diagnostics.Err().Error()))
	}
	level.Debug(logger).Log("msg", "parsed file", "sections", f.Catalog.Len(), "segments", len(f.Progs),
		"groups", len(f.Groups), "diagnostics", f.Diagnostics.Len(), "tables", dumpString{f})
	return f, nil
}

// readSections decodes the section header table, resolving extended
// numbering through section 0. It returns the program header count, which
// may also live in section 0.
func (f *File) readSections() (phnum uint32, err error) {
	h := &f.Header
	phnum = uint32(h.Phnum)
	if h.Shoff == 0 {
		if h.Shnum != 0 {
			return 0, validation.Wrap(validation.Structural, validation.NoSection, "", errors.Wrapf(ErrNoSections, "e_shnum %d", h.Shnum))
		}
		return phnum, nil
	}
	if int(h.Shentsize) != f.Codec.SectionHeaderSize() {
		return 0, validation.Wrap(validation.Structural, validation.NoSection, "", errors.Wrapf(ErrHeaderSize, "e_shentsize %d", h.Shentsize))
	}
	entsize := uint64(h.Shentsize)
	if err := validation.CheckRange(h.Shoff, entsize, uint64(len(f.data))); err != nil {
		return 0, validation.Wrap(validation.Resource, validation.NoSection, "", errors.Wrap(err, "section header 0"))
	}
	null, err := f.Codec.DecodeSectionHeader(f.data[h.Shoff:])
	if err != nil {
		return 0, err
	}
	count := uint64(h.Shnum)
	if count == 0 {
		count = null.Size
	}
	f.Shstrndx = uint32(h.Shstrndx)
	if h.Shstrndx == uint16(elf.SHN_XINDEX) {
		f.Shstrndx = null.Link
	}
	if h.Phnum == elfcodec.PNXnum {
		phnum = null.Info
	}

	total, ok := validation.MulOverflow(count, entsize)
	if !ok {
		return 0, validation.Wrap(validation.Capacity, validation.NoSection, "", errors.Wrapf(validation.ErrOverflow, "%d section headers", count))
	}
	if err := validation.CheckRange(h.Shoff, total, uint64(len(f.data))); err != nil {
		return 0, validation.Wrap(validation.Resource, validation.NoSection, "", errors.Wrap(err, "section header table"))
	}
	f.Discovered = make([]elfcodec.SectionHeader, count)
	for i := uint64(0); i < count; i++ {
		off := h.Shoff + i*entsize
		if f.Discovered[i], err = f.Codec.DecodeSectionHeader(f.data[off : off+entsize]); err != nil {
			return 0, errors.Wrapf(err, "section header %d", i)
		}
	}
	return phnum, nil
}

func (f *File) readProgs(phnum uint32) error {
	h := &f.Header
	if phnum == 0 {
		return nil
	}
	if int(h.Phentsize) != f.Codec.ProgHeaderSize() {
		return validation.Wrap(validation.Structural, validation.NoSection, "", errors.Wrapf(ErrHeaderSize, "e_phentsize %d", h.Phentsize))
	}
	entsize := uint64(h.Phentsize)
	if err := validation.CheckRange(h.Phoff, uint64(phnum)*entsize, uint64(len(f.data))); err != nil {
		return validation.Wrap(validation.Resource, validation.NoSection, "", errors.Wrap(err, "program header table"))
	}
	f.Progs = make([]elfcodec.ProgHeader, phnum)
	for i := range f.Progs {
		off := h.Phoff + uint64(i)*entsize
		p, err := f.Codec.DecodeProgHeader(f.data[off : off+entsize])
		if err != nil {
			return errors.Wrapf(err, "program header %d", i)
		}
		f.Progs[i] = p
	}
	return nil
}

// register builds the catalog from the discovered headers.
func (f *File) register() {
	var names *section.StringTable
	count := uint32(len(f.Discovered))
	switch {
	case count == 0:
	case f.Shstrndx == uint32(elf.SHN_UNDEF):
	case f.Shstrndx >= count:
		f.Diagnostics.Add(validation.Structural, f.Shstrndx, "",
			errors.Wrapf(validation.ErrIndexOutOfRange, "section name table %d of %d", f.Shstrndx, count))
	default:
		hdr := f.Discovered[f.Shstrndx]
		if data, ok := f.contents(f.Shstrndx, "", hdr); ok && hdr.Type == elf.SHT_STRTAB {
			// The table names itself.
			own, _ := section.NewStringTable(data).String(hdr.Name)
			names = section.NewFileStringTable(f.name, own, section.ID(f.Shstrndx), data)
		} else if ok {
			f.Diagnostics.Add(validation.CrossReference, f.Shstrndx, "", errors.Wrapf(section.ErrNotStrtab, "section name table is %s", hdr.Type))
		}
	}

	for i, hdr := range f.Discovered {
		idx := uint32(i)
		var name string
		if names != nil && hdr.Name != 0 {
			n, err := names.String(hdr.Name)
			if err != nil {
				f.Diagnostics.Add(validation.Structural, idx, "", err)
			}
			name = n
		}
		id := f.Catalog.Register(hdr, idx, name)
		s := f.Catalog.Section(id)
		if i == 0 {
			// Section 0 carries extended numbering fields, not a section.
			*s = section.Section{ID: id}
			continue
		}
		if link, ok := s.Link.ID(); ok && uint32(link) >= count {
			f.Diagnostics.Add(validation.CrossReference, idx, name, errors.Wrapf(validation.ErrIndexOutOfRange, "sh_link %d of %d", link, count))
			s.Link = section.None()
		}
		if s.InfoIsSection && s.Info >= count {
			f.Diagnostics.Add(validation.CrossReference, idx, name, errors.Wrapf(validation.ErrIndexOutOfRange, "sh_info %d of %d", s.Info, count))
			s.InfoIsSection = false
		}
		if err := validation.CheckAlign(hdr.Addralign); err != nil {
			f.Diagnostics.Add(validation.Capacity, idx, name, err)
			s.Addralign = 1
		}
		if s.HasContents() {
			if data, ok := f.contents(idx, name, hdr); ok {
				s.Data = data
			} else if s.Type != elf.SHT_GROUP {
				// Unreadable groups keep their type and are rejected by the
				// group resolver.
				s.Type = elf.SHT_NOBITS
			}
		}
	}
}

// contents returns the file bytes of a section, or reports a diagnostic.
func (f *File) contents(idx uint32, name string, hdr elfcodec.SectionHeader) ([]byte, bool) {
	if hdr.Type == elf.SHT_NOBITS || hdr.Type == elf.SHT_NULL {
		return nil, true
	}
	if err := validation.CheckRange(hdr.Offset, hdr.Size, uint64(len(f.data))); err != nil {
		f.Diagnostics.Add(validation.Structural, idx, name, errors.Wrap(err, "section contents"))
		return nil, false
	}
	return f.data[hdr.Offset : hdr.Offset+hdr.Size], true
}

// loadAddresses derives each allocated section's load address from the
// PT_LOAD that maps it.
func (f *File) loadAddresses() {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		for _, s := range f.Catalog.Sections() {
			if !s.Alloc() || s.Addr < p.Vaddr || s.End() > p.Vaddr+p.Memsz {
				continue
			}
			if s.TBSS() && s.Addr == p.Vaddr+p.Memsz && p.Memsz != 0 {
				continue
			}
			s.LoadAddr = p.Paddr + (s.Addr - p.Vaddr)
		}
	}
}

// bindSymbolTables records the symbol and string tables. Only the first
// SHT_SYMTAB is used.
func (f *File) bindSymbolTables() {
	cat := f.Catalog
	for i, s := range cat.ByType(elf.SHT_SYMTAB) {
		if i > 0 {
			f.Diagnostics.Add(validation.CrossReference, uint32(s.ID), s.Name,
				errors.Errorf("additional symbol table, %s is used", cat.ByType(elf.SHT_SYMTAB)[0].Name))
			continue
		}
		if err := f.checkSymtab(s); err != nil {
			f.Diagnostics.Add(validation.Structural, uint32(s.ID), s.Name, err)
			continue
		}
		cat.Bind(section.Symtab, s.ID)
		if link, ok := s.Link.ID(); ok {
			cat.Bind(section.Strtab, link)
		}
	}
	if ds := cat.ByType(elf.SHT_DYNSYM); len(ds) > 0 {
		if err := f.checkSymtab(ds[0]); err != nil {
			f.Diagnostics.Add(validation.Structural, uint32(ds[0].ID), ds[0].Name, err)
		} else {
			cat.Bind(section.Dynsym, ds[0].ID)
			if link, ok := ds[0].Link.ID(); ok {
				cat.Bind(section.Dynstr, link)
			}
		}
	}
	symtab, ok := cat.Bound(section.Symtab)
	for _, s := range cat.ByType(elf.SHT_SYMTAB_SHNDX) {
		if link, _ := s.Link.ID(); ok && link == symtab {
			cat.Bind(section.SymtabShndx, s.ID)
		}
	}
}

func (f *File) checkSymtab(s *section.Section) error {
	if s.Entsize != uint64(f.Codec.SymbolSize()) {
		return errors.Wrapf(ErrSymtabLayout, "%v: %d", validation.ErrEntrySize, s.Entsize)
	}
	if _, err := validation.CheckEntries(s.Size, s.Entsize); err != nil {
		return errors.Wrap(ErrSymtabLayout, err.Error())
	}
	link, ok := s.Link.ID()
	if !ok || f.Catalog.Section(link) == nil || f.Catalog.Section(link).Type != elf.SHT_STRTAB {
		return errors.Wrapf(section.ErrNotStrtab, "link %v", s.Link)
	}
	return nil
}

var dynamicLinks = map[elf.SectionType]elf.SectionType{
	elf.SHT_HASH:        elf.SHT_DYNSYM,
	elf.SHT_GNU_HASH:    elf.SHT_DYNSYM,
	elf.SHT_GNU_VERSYM:  elf.SHT_DYNSYM,
	elf.SHT_GNU_VERDEF:  elf.SHT_STRTAB,
	elf.SHT_GNU_VERNEED: elf.SHT_STRTAB,
	elf.SHT_DYNAMIC:     elf.SHT_STRTAB,
}

// checkDynamicLinks reports dynamic linking sections whose link names a
// section of the wrong type.
func (f *File) checkDynamicLinks() {
	for _, s := range f.Catalog.Sections() {
		want, ok := dynamicLinks[s.Type]
		if !ok {
			continue
		}
		link, _ := s.Link.ID()
		if linked := f.Catalog.Section(link); s.Link.IsNone() || linked == nil || linked.Type != want {
			f.Diagnostics.Add(validation.CrossReference, uint32(s.ID), s.Name,
				errors.Wrapf(validation.ErrLinkType, "link %v is not %s", s.Link, want))
		}
	}
}

func (f *File) resolveGroups(cfg Config) error {
	if len(f.Catalog.ByType(elf.SHT_GROUP)) == 0 {
		return nil
	}
	guard := validation.NewGuard(uint(f.Catalog.Len()), cfg.MaxResolveDepth)
	r, err := group.NewResolver(f.Catalog, f.Codec, f.Diagnostics, guard, f.symbolTable, f.logger)
	if err != nil {
		return err
	}
	for _, s := range f.Catalog.Sections() {
		r.Place(s.ID)
	}
	f.Groups = r.Groups()
	return nil
}

// symbolTable loads the symbol table with the given ID.
func (f *File) symbolTable(id section.ID) (section.SymbolTableReader, error) {
	s := f.Catalog.Section(id)
	if s == nil || (s.Type != elf.SHT_SYMTAB && s.Type != elf.SHT_DYNSYM) {
		return nil, errors.Wrapf(validation.ErrLinkType, "section %d is not a symbol table", id)
	}
	if err := f.checkSymtab(s); err != nil {
		return nil, err
	}
	link, _ := s.Link.ID()
	strtab, err := f.Catalog.StringTable(link)
	if err != nil {
		return nil, err
	}
	var shndx []byte
	if bound, ok := f.Catalog.Bound(section.Symtab); ok && bound == id {
		if x, ok := f.Catalog.Bound(section.SymtabShndx); ok {
			shndx = f.Catalog.Section(x).Data
		}
	}
	return section.NewSymbolTable(f.Codec, s.Data, strtab, shndx)
}

// Symbols returns the symbol table, or nil when the file has none.
func (f *File) Symbols() (section.SymbolTableReader, error) {
	id, ok := f.Catalog.Bound(section.Symtab)
	if !ok {
		return nil, nil
	}
	return f.symbolTable(id)
}
