// Package target supplies per-machine layout parameters.
package target

import (
	"debug/elf"
	"strings"

	"github.com/grafana/elflayout/pkg/section"
)

// Vendor section and segment types not defined by debug/elf.
const (
	SHT_ARM_EXIDX        elf.SectionType = 0x70000001
	SHT_ARM_ATTRIBUTES   elf.SectionType = 0x70000003
	SHT_RISCV_ATTRIBUTES elf.SectionType = 0x70000003
	PT_RISCV_ATTRIBUTES  elf.ProgType    = 0x70000003
)

// Policy describes the target-specific parts of the layout.
type Policy interface {
	Machine() elf.Machine
	// MaxPageSize is the page size used for demand-paged files.
	MaxPageSize() uint64
	// RelocationType is the relocation table kind the target emits by default.
	RelocationType() elf.SectionType
	// SectionTypeName names processor-specific section types.
	SectionTypeName(typ elf.SectionType) (string, bool)
	// SegmentFor returns the processor-specific segment a section needs in
	// addition to its PT_LOAD, if any.
	SegmentFor(s *section.Section) (elf.ProgType, bool)
	// ExtraHeaders is the number of program headers the target adds for the
	// given sections.
	ExtraHeaders(sections []*section.Section) int
}

// TypeName renders typ without its SHT_ prefix, using p's names for
// processor-specific types. p may be nil.
func TypeName(p Policy, typ elf.SectionType) string {
	if p != nil {
		if n, ok := p.SectionTypeName(typ); ok {
			return strings.TrimPrefix(n, "SHT_")
		}
	}
	return strings.TrimPrefix(typ.String(), "SHT_")
}

type generic struct {
	machine  elf.Machine
	pageSize uint64
	reloc    elf.SectionType
}

func (g generic) Machine() elf.Machine { return g.machine }

func (g generic) MaxPageSize() uint64 { return g.pageSize }

func (g generic) RelocationType() elf.SectionType { return g.reloc }

func (generic) SectionTypeName(elf.SectionType) (string, bool) { return "", false }

func (generic) SegmentFor(*section.Section) (elf.ProgType, bool) { return 0, false }

func (generic) ExtraHeaders([]*section.Section) int { return 0 }

// Generic returns a policy with no vendor extensions.
func Generic(machine elf.Machine, pageSize uint64, reloc elf.SectionType) Policy {
	return generic{machine: machine, pageSize: pageSize, reloc: reloc}
}

// vendor adds one section-type-to-segment rule on top of generic.
type vendor struct {
	generic
	names   map[elf.SectionType]string
	segType elf.ProgType
	secType elf.SectionType
}

func (v vendor) SectionTypeName(typ elf.SectionType) (string, bool) {
	n, ok := v.names[typ]
	return n, ok
}

func (v vendor) SegmentFor(s *section.Section) (elf.ProgType, bool) {
	if s.Type == v.secType {
		return v.segType, true
	}
	return 0, false
}

func (v vendor) ExtraHeaders(sections []*section.Section) int {
	for _, s := range sections {
		if _, ok := v.SegmentFor(s); ok && !s.Excluded() {
			return 1
		}
	}
	return 0
}

// ForMachine returns the policy for machine. Unknown machines get a generic
// policy with 4KiB pages and RELA relocations.
func ForMachine(machine elf.Machine) Policy {
	switch machine {
	case elf.EM_X86_64:
		return Generic(machine, 0x1000, elf.SHT_RELA)
	case elf.EM_386:
		return Generic(machine, 0x1000, elf.SHT_REL)
	case elf.EM_AARCH64:
		return Generic(machine, 0x10000, elf.SHT_RELA)
	case elf.EM_ARM:
		return vendor{
			generic: generic{machine: machine, pageSize: 0x10000, reloc: elf.SHT_REL},
			names: map[elf.SectionType]string{
				SHT_ARM_EXIDX:      "SHT_ARM_EXIDX",
				SHT_ARM_ATTRIBUTES: "SHT_ARM_ATTRIBUTES",
			},
			secType: SHT_ARM_EXIDX,
			segType: elf.PT_ARM_EXIDX,
		}
	case elf.EM_RISCV:
		return vendor{
			generic: generic{machine: machine, pageSize: 0x1000, reloc: elf.SHT_RELA},
			names: map[elf.SectionType]string{
				SHT_RISCV_ATTRIBUTES: "SHT_RISCV_ATTRIBUTES",
			},
			secType: SHT_RISCV_ATTRIBUTES,
			segType: PT_RISCV_ATTRIBUTES,
		}
	}
	return Generic(machine, 0x1000, elf.SHT_RELA)
}
