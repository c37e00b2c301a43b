// Package segment plans the program header table of a file: which sections
// each segment covers, the segment types and permissions, and whether the
// first loadable segment also maps the file and program headers.
//
// Offsets and sizes are filled in later by the layout; the planner only
// decides membership and addresses.
package segment

import (
	"debug/elf"
	"fmt"

	"github.com/grafana/elflayout/pkg/section"
)

// SHF_GNU_MBIND marks a section that needs its own memory-binding segment.
const SHF_GNU_MBIND elf.SectionFlag = 0x01000000

// MaxMBindClass is the largest memory binding class representable between
// PT_GNU_MBIND_LO and PT_GNU_MBIND_HI.
const MaxMBindClass = uint32(elf.PT_GNU_MBIND_HI - elf.PT_GNU_MBIND_LO)

// Range is a half-open address range.
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) Contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

// Segment is one program header and the sections it covers.
type Segment struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Vaddr  uint64
	Paddr  uint64
	Off    uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64

	// Sections are in non-decreasing address order.
	Sections []*section.Section

	IncludesFileHeader bool
	IncludesPhdrs      bool

	// Load is the index of the PT_LOAD a PT_GNU_RELRO segment is cut from.
	Load int
	// Relro is the requested read-only-after-relocation range.
	Relro Range
}

// ProgHeaderFlags returns the segment permissions implied by sections.
func ProgHeaderFlags(sections []*section.Section) elf.ProgFlag {
	flags := elf.PF_R
	for _, s := range sections {
		if s.Writable() {
			flags |= elf.PF_W
		}
		if s.Exec() {
			flags |= elf.PF_X
		}
	}
	return flags
}

// MaxAlign returns the largest section alignment, at least one.
func MaxAlign(sections []*section.Section) uint64 {
	align := uint64(1)
	for _, s := range sections {
		if a := s.Align(); a > align {
			align = a
		}
	}
	return align
}

func (s *Segment) String() string {
	return fmt.Sprintf("%v %v vaddr=0x%x off=0x%x filesz=0x%x memsz=0x%x sections=%d", s.Type, s.Flags, s.Vaddr, s.Off, s.Filesz, s.Memsz, len(s.Sections))
}

// Contains reports whether the segment's memory image covers addr.
func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.Vaddr && addr < s.Vaddr+s.Memsz
}

// Find returns the first segment of type typ whose memory image covers addr.
func Find(segments []*Segment, typ elf.ProgType, addr uint64) *Segment {
	for _, s := range segments {
		if s.Type == typ && s.Contains(addr) {
			return s
		}
	}
	return nil
}
