package layout

import (
	"debug/elf"
	"strings"

	"github.com/pkg/errors"

	"github.com/grafana/elflayout/pkg/elfcodec"
	"github.com/grafana/elflayout/pkg/section"
	"github.com/grafana/elflayout/pkg/segment"
	"github.com/grafana/elflayout/pkg/target"
	"github.com/grafana/elflayout/pkg/validation"
)

var (
	ErrReservedName  = errors.New("section name is reserved for a generated table")
	ErrSegmentMap    = errors.New("segment map does not match the sections")
	ErrUnsatisfiable = errors.New("requested layout is unsatisfiable")
)

// Object is the input of a write.
type Object struct {
	Class      elf.Class
	Data       elf.Data
	Type       elf.Type
	Machine    elf.Machine
	OSABI      elf.OSABI
	ABIVersion uint8
	Entry      uint64
	Flags      uint32

	// Sections are numbered in slice order. Section.ID is reassigned.
	// References between sections use positions in this slice. A section
	// of type SHT_NULL with a RelocTarget becomes a relocation table of the
	// target machine's default type.
	Sections []*section.Section
	// Symbols excludes the null symbol. Group sections name their signature
	// by Info, a 1-based index into Symbols, or by GroupName.
	Symbols []section.Symbol

	// SegmentMap, when set, replaces segment planning.
	SegmentMap []MapEntry

	Stack *segment.Stack
	Relro *segment.Range
}

// MapEntry describes one program header copied from another file.
type MapEntry struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Align uint64
	// Sections are positions in Object.Sections.
	Sections           []int
	IncludesFileHeader bool
	IncludesPhdrs      bool
	// Vaddr and Paddr are used for segments without sections.
	Vaddr uint64
	Paddr uint64
	Memsz uint64
}

var generatedNames = map[string]bool{
	".symtab":       true,
	".strtab":       true,
	".shstrtab":     true,
	".symtab_shndx": true,
}

// catalog validates the sections and copies them into a new catalog.
func (o *Object) catalog(codec *elfcodec.Codec, policy target.Policy) (*section.Catalog, error) {
	cat := section.NewCatalog("")
	for i, in := range o.Sections {
		fail := func(class validation.Class, err error) error {
			return validation.Wrap(class, uint32(i), in.Name, err)
		}
		if generatedNames[in.Name] || in.Type == elf.SHT_SYMTAB || in.Type == elf.SHT_SYMTAB_SHNDX {
			return nil, fail(validation.Structural, errors.Wrap(ErrReservedName, in.Name))
		}
		if err := validation.CheckAlign(in.Addralign); err != nil {
			return nil, fail(validation.Capacity, err)
		}
		if in.HasContents() && uint64(len(in.Data)) != in.Size && in.Data != nil {
			return nil, fail(validation.Structural, errors.Errorf("section has %d bytes of data, size %d", len(in.Data), in.Size))
		}
		if codec.Class() == elf.ELFCLASS32 {
			if _, ok := validation.AddOverflow(in.Addr, in.Size); !ok || in.Addr+in.Size > 1<<32 {
				return nil, fail(validation.Capacity, &elfcodec.OverflowError{Record: "section", Field: "sh_addr", Value: in.Addr})
			}
		}
		s := in.Clone()
		s.Rel, s.Rela = section.None(), section.None()
		if s.Type == elf.SHT_NULL && !s.RelocTarget.IsNone() {
			s.Type = policy.RelocationType()
		}
		cat.Add(s)
	}
	for _, s := range cat.Sections() {
		if err := checkRef(cat, s, s.Link); err != nil {
			return nil, err
		}
		if err := checkRef(cat, s, s.Group); err != nil {
			return nil, err
		}
		to, ok := s.RelocTarget.ID()
		if !ok {
			continue
		}
		if err := cat.MarkRelocationTarget(s.ID, to); err != nil {
			return nil, validation.Wrap(validation.CrossReference, uint32(s.ID), s.Name, err)
		}
	}
	if ds := cat.ByType(elf.SHT_DYNSYM); len(ds) > 0 {
		cat.Bind(section.Dynsym, ds[0].ID)
		if id, ok := ds[0].Link.ID(); ok {
			cat.Bind(section.Dynstr, id)
		}
	}
	if _, ok := cat.Bound(section.Dynstr); !ok {
		if s := cat.ByName(".dynstr"); s != nil {
			cat.Bind(section.Dynstr, s.ID)
		}
	}
	return cat, nil
}

func checkRef(cat *section.Catalog, s *section.Section, r section.Ref) error {
	id, ok := r.ID()
	if !ok {
		return nil
	}
	if err := validation.CheckIndex(uint64(id), uint64(cat.Len())); err != nil {
		return validation.Wrap(validation.CrossReference, uint32(s.ID), s.Name, err)
	}
	return nil
}

// isDebug reports whether s is eligible for debug section compression.
func isDebug(s *section.Section) bool {
	return !s.Alloc() && s.HasContents() && s.Flags&elf.SHF_COMPRESSED == 0 &&
		strings.HasPrefix(s.Name, ".debug_")
}
