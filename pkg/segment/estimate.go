package segment

import (
	"debug/elf"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/grafana/elflayout/pkg/section"
	"github.com/grafana/elflayout/pkg/target"
	"github.com/grafana/elflayout/pkg/validation"
)

var (
	ErrMBindClass = errors.New("GNU_MBIND section has an out of range binding class")
	ErrTLSGap     = errors.New("TLS sections are not adjacent")
)

// Options drive both the header estimate and the plan.
type Options struct {
	// DemandPaged aligns loadable segments to PageSize. Otherwise the page
	// size is one.
	DemandPaged bool
	PageSize    uint64
	// IncludeHeaders asks for the first PT_LOAD to map the file and program
	// headers when the heuristic allows it.
	IncludeHeaders bool
	// HeaderSize is the size of the file header plus the program header table.
	HeaderSize uint64
	// SeparateCode starts a new PT_LOAD whenever code and non-code alternate.
	SeparateCode bool

	Stack *Stack
	Relro *Range

	Policy target.Policy
	// ExtraHeaders reserves program headers beyond the computed ones.
	ExtraHeaders int
}

// Stack describes the PT_GNU_STACK segment.
type Stack struct {
	Size  uint64
	Align uint64
	Exec  bool
}

func (o *Options) pageSize() uint64 {
	if !o.DemandPaged || o.PageSize == 0 {
		return 1
	}
	return o.PageSize
}

// Candidates returns the allocatable, non-excluded sections that segments are
// built from, in planning order: load address, virtual address, sections with
// contents first, then ID.
func Candidates(sections []*section.Section) []*section.Section {
	res := lo.Filter(sections, func(s *section.Section, _ int) bool {
		return s.Alloc() && !s.Excluded() && s.Type != elf.SHT_NULL
	})
	sortSections(res)
	return res
}

func isInterp(s *section.Section) bool {
	return s.Name == ".interp" && s.Loaded()
}

func isDynamic(s *section.Section) bool {
	return s.Type == elf.SHT_DYNAMIC || s.Name == ".dynamic"
}

func isProperty(s *section.Section) bool {
	return s.Name == ".note.gnu.property" && s.IsNote()
}

func isEhFrameHdr(s *section.Section) bool {
	return s.Name == ".eh_frame_hdr"
}

func isMBind(s *section.Section) bool {
	return s.Flags&SHF_GNU_MBIND != 0
}

// noteRuns groups consecutive loaded notes of equal alignment. With
// adjacent set, a run also requires each note to start where the previous
// one ends after alignment.
func noteRuns(candidates []*section.Section, adjacent bool) [][]*section.Section {
	var runs [][]*section.Section
	for i := 0; i < len(candidates); i++ {
		s := candidates[i]
		if !s.IsNote() || !s.Loaded() {
			continue
		}
		run := []*section.Section{s}
		for i+1 < len(candidates) {
			next, prev := candidates[i+1], run[len(run)-1]
			if !next.IsNote() || !next.Loaded() || next.Align() != prev.Align() {
				break
			}
			if adjacent && validation.AlignUp(prev.LoadAddr+prev.Size, next.Align()) != next.LoadAddr {
				break
			}
			run = append(run, next)
			i++
		}
		runs = append(runs, run)
	}
	return runs
}

// EstimateHeaders returns the number of program headers to reserve before
// the plan is known: two loads, the interpreter and header table pair,
// dynamic, relro, unwind table, stack and property segments when wanted,
// one per run of equally aligned notes, TLS, one per memory-binding section
// and whatever the policy and caller add.
func EstimateHeaders(sections []*section.Section, opts Options) (int, error) {
	candidates := Candidates(sections)
	n := 2
	interp := lo.ContainsBy(candidates, isInterp)
	dynamic := lo.ContainsBy(candidates, isDynamic)
	if interp {
		n++
	}
	if interp || dynamic {
		n++ // PT_PHDR
	}
	if dynamic {
		n++
	}
	if opts.Relro != nil {
		n++
	}
	if lo.ContainsBy(candidates, isEhFrameHdr) {
		n++
	}
	if opts.Stack != nil {
		n++
	}
	if lo.ContainsBy(candidates, isProperty) {
		n++
	}
	n += len(noteRuns(candidates, false))
	if lo.ContainsBy(candidates, (*section.Section).TLS) {
		n++
	}
	for _, s := range candidates {
		if !isMBind(s) {
			continue
		}
		if s.Info > MaxMBindClass {
			return 0, validation.Wrap(validation.Capacity, uint32(s.ID), s.Name,
				errors.Wrapf(ErrMBindClass, "class %d > %d", s.Info, MaxMBindClass))
		}
		n++
	}
	if opts.Policy != nil {
		n += opts.Policy.ExtraHeaders(sections)
	}
	n += opts.ExtraHeaders
	return n, nil
}
