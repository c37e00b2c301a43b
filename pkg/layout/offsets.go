package layout

import (
	"debug/elf"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/grafana/elflayout/pkg/elfcodec"
	"github.com/grafana/elflayout/pkg/section"
	"github.com/grafana/elflayout/pkg/segment"
	"github.com/grafana/elflayout/pkg/validation"
)

// placer assigns file offsets with a cursor that only moves forward.
type placer struct {
	st     *state
	l      *Layout
	cursor uint64
	// placed is indexed by final section index.
	placed []bool
}

func (p *placer) header(s *section.Section) *elfcodec.SectionHeader {
	return &p.l.Sections[p.st.num.Index(s.ID)].Header
}

func (p *placer) set(s *section.Section, off uint64) error {
	idx := p.st.num.Index(s.ID)
	if idx == 0 {
		return nil
	}
	if p.placed[idx] {
		if p.l.Sections[idx].Header.Offset != off {
			return validation.Wrap(validation.Structural, idx, s.Name,
				errors.Wrapf(ErrUnsatisfiable, "section placed at both %#x and %#x", p.l.Sections[idx].Header.Offset, off))
		}
		return nil
	}
	p.placed[idx] = true
	p.l.Sections[idx].Header.Offset = off
	return nil
}

// place assigns offsets to every segment and section and fills in the
// program headers.
func (st *state) place(l *Layout, segs []*segment.Segment, headerLoad, slots int) error {
	p := &placer{st: st, l: l, placed: make([]bool, len(l.Sections))}
	p.placed[0] = true

	p.cursor = uint64(st.codec.FileHeaderSize())
	if slots > 0 {
		l.Phoff = p.cursor
		l.PhdrSlots = slots
		p.cursor += uint64(slots) * uint64(st.codec.ProgHeaderSize())
	}
	hdrEnd := p.cursor

	for i, seg := range segs {
		if seg.Type != elf.PT_LOAD {
			continue
		}
		if err := p.load(seg, i == headerLoad, hdrEnd); err != nil {
			return err
		}
	}
	// Segments over sections that no load placed: core file notes and
	// vendor segments over unloaded sections.
	for _, seg := range segs {
		if seg.Type == elf.PT_LOAD || len(seg.Sections) == 0 || p.allPlaced(seg.Sections) {
			continue
		}
		if err := p.pack(seg.Sections); err != nil {
			return err
		}
	}
	for _, seg := range segs {
		p.special(seg, segs, headerLoad)
	}
	if err := p.rest(); err != nil {
		return err
	}

	l.Shoff = validation.AlignUp(p.cursor, uint64(st.codec.AddrSize()))
	l.Size = l.Shoff + uint64(len(l.Sections))*uint64(st.codec.SectionHeaderSize())
	l.Segments = segs
	l.Progs = lo.Map(segs, func(seg *segment.Segment, _ int) elfcodec.ProgHeader {
		return elfcodec.ProgHeader{
			Type: seg.Type, Flags: seg.Flags, Off: seg.Off,
			Vaddr: seg.Vaddr, Paddr: seg.Paddr,
			Filesz: seg.Filesz, Memsz: seg.Memsz, Align: seg.Align,
		}
	})
	return p.checkLoads()
}

func (p *placer) allPlaced(sections []*section.Section) bool {
	return lo.EveryBy(sections, func(s *section.Section) bool {
		return p.placed[p.st.num.Index(s.ID)]
	})
}

// load places a PT_LOAD at an offset congruent to its address modulo its
// alignment, then its sections at their address deltas.
func (p *placer) load(seg *segment.Segment, headers bool, hdrEnd uint64) error {
	align := lo.Max([]uint64{seg.Align, 1})
	if headers {
		seg.Off = 0
	} else {
		want := seg.Vaddr % align
		seg.Off = validation.AlignDown(p.cursor, align) + want
		if seg.Off < p.cursor {
			seg.Off += align
		}
	}

	var fileEnd, memEnd uint64
	if headers {
		fileEnd, memEnd = hdrEnd, hdrEnd
	}
	for _, s := range seg.Sections {
		if s.Addr < seg.Vaddr {
			return validation.Wrap(validation.Structural, uint32(s.ID), s.Name,
				errors.Wrapf(ErrUnsatisfiable, "address %#x below segment start %#x", s.Addr, seg.Vaddr))
		}
		rel := s.Addr - seg.Vaddr
		off := seg.Off + rel
		if headers && s.HasContents() && off < hdrEnd {
			return validation.Wrap(validation.Structural, uint32(s.ID), s.Name,
				errors.Wrapf(ErrUnsatisfiable, "section at %#x overlaps the headers ending at %#x", off, hdrEnd))
		}
		if err := p.set(s, off); err != nil {
			return err
		}
		if s.HasContents() {
			fileEnd = lo.Max([]uint64{fileEnd, rel + s.Size})
		}
		if !s.TBSS() {
			memEnd = lo.Max([]uint64{memEnd, rel + s.Size})
		}
	}
	seg.Filesz = fileEnd
	seg.Memsz = lo.Max([]uint64{memEnd, fileEnd})

	for _, s := range seg.Sections {
		if !s.NoBits() || s.TBSS() || s.Size == 0 {
			continue
		}
		rel := s.Addr - seg.Vaddr
		if rel >= seg.Filesz {
			continue
		}
		size := lo.Min([]uint64{s.Size, seg.Filesz - rel})
		p.l.ZeroFill = append(p.l.ZeroFill, ZeroFill{Off: seg.Off + rel, Size: size})
	}
	p.cursor = lo.Max([]uint64{p.cursor, seg.Off + seg.Filesz})
	return nil
}

// pack appends sections at the cursor, each aligned to its own alignment.
func (p *placer) pack(sections []*section.Section) error {
	for _, s := range sections {
		idx := p.st.num.Index(s.ID)
		if p.placed[idx] {
			continue
		}
		off := validation.AlignUp(p.cursor, s.Align())
		if err := p.set(s, off); err != nil {
			return err
		}
		p.cursor = off + s.FileSize()
	}
	return nil
}

// special fills in the file extent of a segment that is not a PT_LOAD.
func (p *placer) special(seg *segment.Segment, segs []*segment.Segment, headerLoad int) {
	switch seg.Type {
	case elf.PT_LOAD:
		return
	case elf.PT_PHDR:
		seg.Off = p.l.Phoff
		seg.Filesz = uint64(len(segs)) * uint64(p.st.codec.ProgHeaderSize())
		seg.Memsz = seg.Filesz
		seg.Align = uint64(p.st.codec.AddrSize())
		if headerLoad >= 0 {
			load := segs[headerLoad]
			seg.Vaddr = load.Vaddr + seg.Off
			seg.Paddr = load.Paddr + seg.Off
		} else {
			level.Warn(p.st.logger).Log("msg", "program headers are not mapped by a loadable segment")
		}
		return
	case elf.PT_GNU_RELRO:
		if seg.Load < 0 || seg.Load >= len(segs) {
			return
		}
		load := segs[seg.Load]
		start := lo.Max([]uint64{seg.Relro.Start, load.Vaddr})
		end := lo.Min([]uint64{seg.Relro.End, load.Vaddr + load.Memsz})
		if end < start {
			end = start
		}
		seg.Vaddr = start
		seg.Paddr = load.Paddr + (start - load.Vaddr)
		seg.Off = load.Off + (start - load.Vaddr)
		seg.Filesz = end - start
		seg.Memsz = end - start
		return
	}
	if len(seg.Sections) == 0 {
		return
	}
	first := seg.Sections[0]
	seg.Off = p.header(first).Offset
	var fileEnd, memEnd uint64
	for _, s := range seg.Sections {
		h := p.header(s)
		if s.HasContents() {
			fileEnd = lo.Max([]uint64{fileEnd, h.Offset + s.Size - seg.Off})
		}
		if s.Alloc() && (!s.TBSS() || seg.Type == elf.PT_TLS) {
			memEnd = lo.Max([]uint64{memEnd, s.Addr + s.Size - seg.Vaddr})
		}
	}
	seg.Filesz = fileEnd
	if first.Alloc() {
		seg.Memsz = lo.Max([]uint64{memEnd, fileEnd})
	}
}

// rest places every section no segment placed, in index order.
func (p *placer) rest() error {
	for idx := 1; idx < len(p.l.Sections); idx++ {
		if p.placed[idx] {
			continue
		}
		ps := &p.l.Sections[idx]
		h := &ps.Header
		align := lo.Max([]uint64{h.Addralign, 1})
		off := validation.AlignUp(p.cursor, align)
		if ps.Table == 0 {
			if s := p.st.cat.Section(ps.ID); s.OffsetFixed {
				if s.Offset < p.cursor {
					return validation.Wrap(validation.Structural, uint32(idx), ps.Name,
						errors.Wrapf(ErrUnsatisfiable, "fixed offset %#x is below %#x", s.Offset, p.cursor))
				}
				off = s.Offset
			}
		}
		h.Offset = off
		p.placed[idx] = true
		if h.Type != elf.SHT_NOBITS && h.Type != elf.SHT_NULL {
			p.cursor = off + h.Size
		}
	}
	return nil
}

// checkLoads verifies that no two loadable segments share file bytes.
func (p *placer) checkLoads() error {
	loads := lo.Filter(p.l.Segments, func(s *segment.Segment, _ int) bool {
		return s.Type == elf.PT_LOAD && s.Filesz > 0
	})
	for i := 1; i < len(loads); i++ {
		prev, cur := loads[i-1], loads[i]
		if cur.Off < prev.Off+prev.Filesz {
			return validation.Wrap(validation.Structural, validation.NoSection, "",
				errors.Wrapf(ErrUnsatisfiable, "load %d at %#x overlaps load %d ending at %#x", i, cur.Off, i-1, prev.Off+prev.Filesz))
		}
	}
	return nil
}
