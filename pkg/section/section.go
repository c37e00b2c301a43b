// Package section models the logical sections of an ELF file: their
// attributes, references to other sections and the catalog that owns them.
package section

import (
	"debug/elf"
	"strings"
)

// SHF_EXCLUDE marks sections the link editor drops. debug/elf does not
// define it.
const SHF_EXCLUDE elf.SectionFlag = 0x80000000

// ID identifies a section within its catalog. For catalogs built from a file
// it equals the section header index.
type ID uint32

// Section is a named, typed region of an object file.
type Section struct {
	ID        ID
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64 // virtual address
	LoadAddr  uint64 // physical (load) address
	Size      uint64
	Addralign uint64
	Entsize   uint64

	// Offset is honored by the layout only when OffsetFixed is set.
	Offset      uint64
	OffsetFixed bool

	Link Ref
	// Info is a catalog ID when InfoIsSection is set and an opaque number
	// otherwise.
	Info          uint32
	InfoIsSection bool

	Data []byte

	Rel         Ref
	Rela        Ref
	RelocTarget Ref

	Group       Ref
	NextInGroup Ref
	GroupName   string
	// GroupFlags is the flag word of a SHT_GROUP section.
	GroupFlags uint32
}

func (s *Section) Alloc() bool { return s.Flags&elf.SHF_ALLOC != 0 }

func (s *Section) Writable() bool { return s.Flags&elf.SHF_WRITE != 0 }

func (s *Section) Exec() bool { return s.Flags&elf.SHF_EXECINSTR != 0 }

func (s *Section) TLS() bool { return s.Flags&elf.SHF_TLS != 0 }

func (s *Section) Excluded() bool { return s.Flags&SHF_EXCLUDE != 0 }

func (s *Section) NoBits() bool { return s.Type == elf.SHT_NOBITS }

// HasContents reports whether the section occupies file space.
func (s *Section) HasContents() bool {
	return s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL
}

// Loaded reports whether the section's bytes are copied into memory from the
// file.
func (s *Section) Loaded() bool { return s.Alloc() && s.HasContents() }

// TBSS reports whether s is thread-local zero-fill data.
func (s *Section) TBSS() bool { return s.TLS() && s.NoBits() }

// IsNote reports whether s is a note section.
func (s *Section) IsNote() bool { return s.Type == elf.SHT_NOTE }

// IsRelocation reports whether s is a REL or RELA table.
func (s *Section) IsRelocation() bool {
	return s.Type == elf.SHT_REL || s.Type == elf.SHT_RELA
}

// IsDebug reports whether s is unloaded debug data.
func (s *Section) IsDebug() bool {
	return !s.Alloc() && (strings.HasPrefix(s.Name, ".debug_") || strings.HasPrefix(s.Name, ".zdebug_"))
}

// End returns the first virtual address past the section. Thread-local
// zero-fill sections take no room in the address space of their segment.
func (s *Section) End() uint64 {
	if s.TBSS() {
		return s.Addr
	}
	return s.Addr + s.Size
}

// LoadEnd is End for the load address.
func (s *Section) LoadEnd() uint64 {
	if s.TBSS() {
		return s.LoadAddr
	}
	return s.LoadAddr + s.Size
}

// FileSize is the number of bytes the section occupies in the file.
func (s *Section) FileSize() uint64 {
	if !s.HasContents() {
		return 0
	}
	return s.Size
}

// Align returns the section alignment with zero treated as one.
func (s *Section) Align() uint64 {
	if s.Addralign == 0 {
		return 1
	}
	return s.Addralign
}

// Clone returns a shallow copy with its own Data slice header.
func (s *Section) Clone() *Section {
	c := *s
	return &c
}
