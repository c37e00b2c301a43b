package segment

import (
	"debug/elf"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	"github.com/grafana/elflayout/pkg/section"
	"github.com/grafana/elflayout/pkg/validation"
)

// Plan is the segment list of one write.
type Plan struct {
	Segments []*Segment
	// HeaderLoad is the index of the PT_LOAD that maps the headers, or -1.
	HeaderLoad int
	// HeaderSize is the header size the plan was made for.
	HeaderSize uint64

	opts Options
}

func sortSections(s []*section.Section) {
	slices.SortStableFunc(s, func(a, b *section.Section) int {
		switch {
		case a.LoadAddr != b.LoadAddr:
			return cmpUint(a.LoadAddr, b.LoadAddr)
		case a.Addr != b.Addr:
			return cmpUint(a.Addr, b.Addr)
		case a.HasContents() != b.HasContents():
			if a.HasContents() {
				return -1
			}
			return 1
		}
		return cmpUint(uint64(a.ID), uint64(b.ID))
	})
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// headerLMA returns the load address the header-including segment would
// start at, and whether the headers fit in front of first.
func headerLMA(first *section.Section, hdrSize, page uint64) (uint64, bool) {
	if first.LoadAddr < hdrSize {
		return 0, false
	}
	if first.LoadAddr%page < hdrSize%page {
		return 0, false
	}
	return validation.AlignDown(first.LoadAddr-hdrSize, page), true
}

// New plans segments for sections.
func New(sections []*section.Section, opts Options, logger log.Logger) (*Plan, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	page := opts.pageSize()
	candidates := Candidates(sections)
	p := &Plan{HeaderLoad: -1, HeaderSize: opts.HeaderSize, opts: opts}

	includeHeaders := false
	var phdrLMA uint64
	if len(candidates) > 0 && opts.DemandPaged && opts.IncludeHeaders {
		phdrLMA, includeHeaders = headerLMA(candidates[0], opts.HeaderSize, page)
	}

	interp, hasInterp := lo.Find(candidates, isInterp)
	dynamic, hasDynamic := lo.Find(candidates, isDynamic)
	if hasInterp || hasDynamic {
		p.Segments = append(p.Segments, &Segment{Type: elf.PT_PHDR, Flags: elf.PF_R, IncludesPhdrs: true, Align: 8})
	}
	if hasInterp {
		p.Segments = append(p.Segments, special(elf.PT_INTERP, interp))
	}

	loads := p.loads(candidates, page, includeHeaders, phdrLMA)
	if includeHeaders && len(loads) > 0 {
		p.HeaderLoad = len(p.Segments)
	}
	p.Segments = append(p.Segments, loads...)

	if hasDynamic {
		seg := special(elf.PT_DYNAMIC, dynamic)
		seg.Flags = ProgHeaderFlags(seg.Sections)
		p.Segments = append(p.Segments, seg)
	}
	for _, run := range noteRuns(candidates, true) {
		seg := special(elf.PT_NOTE, run...)
		seg.Align = run[0].Align()
		p.Segments = append(p.Segments, seg)
	}
	if err := p.tls(candidates); err != nil {
		return nil, err
	}
	for _, s := range candidates {
		if !isMBind(s) {
			continue
		}
		if s.Info > MaxMBindClass {
			return nil, validation.Wrap(validation.Capacity, uint32(s.ID), s.Name,
				errors.Wrapf(ErrMBindClass, "class %d > %d", s.Info, MaxMBindClass))
		}
		seg := special(elf.PT_GNU_MBIND_LO+elf.ProgType(s.Info), s)
		seg.Flags = ProgHeaderFlags(seg.Sections)
		seg.Align = lo.Max([]uint64{page, opts.PageSize, 1})
		p.Segments = append(p.Segments, seg)
	}
	if prop, ok := lo.Find(candidates, isProperty); ok {
		seg := special(elf.PT_GNU_PROPERTY, prop)
		seg.Align = prop.Align()
		p.Segments = append(p.Segments, seg)
	}
	if eh, ok := lo.Find(candidates, isEhFrameHdr); ok {
		p.Segments = append(p.Segments, special(elf.PT_GNU_EH_FRAME, eh))
	}
	if st := opts.Stack; st != nil {
		flags := elf.PF_R | elf.PF_W
		if st.Exec {
			flags |= elf.PF_X
		}
		p.Segments = append(p.Segments, &Segment{Type: elf.PT_GNU_STACK, Flags: flags, Memsz: st.Size, Align: st.Align})
	}
	if opts.Relro != nil {
		if seg := p.relro(*opts.Relro); seg != nil {
			p.Segments = append(p.Segments, seg)
		}
	}
	if opts.Policy != nil {
		for _, s := range sections {
			if s.Excluded() {
				continue
			}
			if typ, ok := opts.Policy.SegmentFor(s); ok {
				seg := special(typ, s)
				seg.Align = s.Align()
				p.Segments = append(p.Segments, seg)
			}
		}
	}

	level.Debug(logger).Log("msg", "planned segments", "segments", len(p.Segments), "loads", len(loads), "headers_included", includeHeaders)
	return p, nil
}

// special builds a non-load segment over sections, addressed like the first.
func special(typ elf.ProgType, sections ...*section.Section) *Segment {
	seg := &Segment{Type: typ, Flags: elf.PF_R, Sections: sections, Align: MaxAlign(sections)}
	if len(sections) > 0 && sections[0].Alloc() {
		seg.Vaddr = sections[0].Addr
		seg.Paddr = sections[0].LoadAddr
	}
	return seg
}

// loads walks the sorted candidates and cuts them into PT_LOAD segments.
func (p *Plan) loads(candidates []*section.Section, page uint64, includeHeaders bool, phdrLMA uint64) []*Segment {
	var (
		loads      []*Segment
		start      int
		last       *section.Section
		lastSize   uint64
		writable   bool
		executable bool
		headers    = includeHeaders
	)
	closeSegment := func(end int) {
		members := candidates[start:end]
		seg := &Segment{
			Type:     elf.PT_LOAD,
			Flags:    ProgHeaderFlags(members),
			Sections: append([]*section.Section(nil), members...),
			Vaddr:    members[0].Addr,
			Paddr:    members[0].LoadAddr,
			Align:    MaxAlign(members),
		}
		if p.opts.DemandPaged {
			seg.Align = lo.Max([]uint64{seg.Align, page})
		}
		if headers {
			seg.IncludesFileHeader = true
			seg.IncludesPhdrs = true
			seg.Vaddr = members[0].Addr - (members[0].LoadAddr - phdrLMA)
			seg.Paddr = phdrLMA
			headers = false
		}
		loads = append(loads, seg)
	}

	for i, s := range candidates {
		if last != nil && p.newSegment(last, lastSize, s, page, writable, executable) {
			closeSegment(i)
			start = i
			writable, executable = false, false
		}
		if s.Writable() {
			writable = true
		}
		if s.Exec() {
			executable = true
		}
		last = s
		lastSize = s.LoadEnd() - s.LoadAddr
	}
	if last != nil && (len(candidates)-start != 1 || !last.TBSS()) {
		closeSegment(len(candidates))
	}
	return loads
}

// newSegment reports whether s cannot extend the segment that ends with last.
func (p *Plan) newSegment(last *section.Section, lastSize uint64, s *section.Section, page uint64, writable, executable bool) bool {
	lastEnd := last.LoadAddr + lastSize
	switch {
	case last.LoadAddr-last.Addr != s.LoadAddr-s.Addr:
		return true
	case s.LoadAddr < lastEnd || lastEnd < last.LoadAddr:
		return true
	case p.opts.DemandPaged && lastEnd > 0 && validation.AlignDown(lastEnd-1, page) == validation.AlignDown(s.LoadAddr, page):
		// Same page.
		return false
	case lastEnd > 0 && validation.AlignDown(lastEnd-1, page) < validation.AlignDown(s.LoadAddr-1, page):
		// Starts past the page boundary that follows last.
		return true
	case !last.Loaded() && s.Loaded():
		return true
	case !p.opts.DemandPaged:
		return false
	case !writable && s.Writable():
		return true
	case p.opts.SeparateCode && executable != s.Exec():
		return true
	}
	return false
}

// tls emits PT_TLS over the thread-local candidates, which must be
// consecutive in planning order.
func (p *Plan) tls(candidates []*section.Section) error {
	first := slices.IndexFunc(candidates, (*section.Section).TLS)
	if first < 0 {
		return nil
	}
	end := first
	for end < len(candidates) && candidates[end].TLS() {
		end++
	}
	for _, s := range candidates[end:] {
		if s.TLS() {
			return validation.Wrap(validation.Structural, uint32(s.ID), s.Name,
				errors.Wrapf(ErrTLSGap, "%s follows a non-TLS section", s.Name))
		}
	}
	p.Segments = append(p.Segments, special(elf.PT_TLS, candidates[first:end]...))
	return nil
}

// relro picks the PT_LOAD the range starts in: the first whose first section
// lies in the range and that holds a loaded, non-empty section with contents.
func (p *Plan) relro(r Range) *Segment {
	for i, seg := range p.Segments {
		if seg.Type != elf.PT_LOAD || len(seg.Sections) == 0 || !r.Contains(seg.Sections[0].Addr) {
			continue
		}
		if !lo.ContainsBy(seg.Sections, func(s *section.Section) bool {
			return s.Size > 0 && s.Loaded()
		}) {
			continue
		}
		return &Segment{Type: elf.PT_GNU_RELRO, Flags: elf.PF_R, Align: 1, Load: i, Relro: r, Vaddr: r.Start, Paddr: r.Start}
	}
	return nil
}

// GrowHeaders adapts the plan to a larger header size. When the headers no
// longer fit in front of the first section, the header-including load is
// moved down by whole pages. It reports false when that would wrap below
// address zero; the caller then replans without header inclusion.
func (p *Plan) GrowHeaders(hdrSize uint64) bool {
	if p.HeaderLoad < 0 || hdrSize <= p.HeaderSize {
		p.HeaderSize = lo.Max([]uint64{p.HeaderSize, hdrSize})
		return true
	}
	seg := p.Segments[p.HeaderLoad]
	first := seg.Sections[0]
	room := first.LoadAddr - seg.Paddr
	if hdrSize > room {
		lower := validation.AlignUp(hdrSize-room, p.opts.pageSize())
		if lower > seg.Paddr || lower > seg.Vaddr {
			return false
		}
		seg.Paddr -= lower
		seg.Vaddr -= lower
	}
	p.HeaderSize = hdrSize
	return true
}

// Loads returns the PT_LOAD segments in order.
func (p *Plan) Loads() []*Segment {
	return lo.Filter(p.Segments, func(s *Segment, _ int) bool { return s.Type == elf.PT_LOAD })
}
