// Package layout turns a set of logical sections into a complete file
// layout: final section indices, program headers and byte offsets.
package layout

import (
	"context"
	"debug/elf"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/grafana/elflayout/pkg/elfcodec"
	"github.com/grafana/elflayout/pkg/elfcontext"
	"github.com/grafana/elflayout/pkg/group"
	"github.com/grafana/elflayout/pkg/numbering"
	"github.com/grafana/elflayout/pkg/section"
	"github.com/grafana/elflayout/pkg/segment"
	"github.com/grafana/elflayout/pkg/target"
	"github.com/grafana/elflayout/pkg/validation"
)

// Placed is one entry of the section header table together with the bytes
// it describes.
type Placed struct {
	Index uint32
	// ID is the input section. Table is set instead for generated tables.
	ID     section.ID
	Table  section.SyntheticTable
	Name   string
	Header elfcodec.SectionHeader
	// Data is nil for sections without file contents. A shorter slice than
	// Header.Size is padded with zeros.
	Data []byte
}

// ZeroFill is a file range covered by a NOBITS section that must read as
// zeros because file-backed contents follow it in the same segment.
type ZeroFill struct {
	Off  uint64
	Size uint64
}

// Layout is a finalized file ready to be written.
type Layout struct {
	Codec    *elfcodec.Codec
	Policy   target.Policy
	Header   elfcodec.FileHeader
	Sections []Placed
	Segments []*segment.Segment
	Progs    []elfcodec.ProgHeader
	ZeroFill []ZeroFill

	Phoff uint64
	// PhdrSlots is the number of program header entries reserved. It is at
	// least len(Progs); spare slots are zero filled and not counted in
	// the header's phnum.
	PhdrSlots int
	Shoff     uint64
	Size      uint64

	// Compressed counts the debug sections that were compressed.
	Compressed int
}

// Section returns the placed section with the given final index.
func (l *Layout) Section(idx uint32) *Placed {
	if int(idx) >= len(l.Sections) {
		return nil
	}
	return &l.Sections[idx]
}

// Lookup returns the placed section for an input section position.
func (l *Layout) Lookup(id section.ID) *Placed {
	for i := range l.Sections {
		if l.Sections[i].Table == 0 && l.Sections[i].Index != 0 && l.Sections[i].ID == id {
			return &l.Sections[i]
		}
	}
	return nil
}

// state is the per-write working set.
type state struct {
	obj    *Object
	cfg    Config
	opts   options
	logger log.Logger

	codec *elfcodec.Codec
	cat   *section.Catalog
	num   *numbering.Numbering
	syms  *symbols

	tables map[section.SyntheticTable][]byte
}

// Assign computes the layout of obj. The object is not modified.
func Assign(ctx context.Context, obj *Object, cfg Config, opts ...Option) (l *Layout, err error) {
	start := time.Now()
	m := newMetrics(elfcontext.Registry(ctx))
	defer func() {
		m.observe(l, err)
		m.duration.Observe(time.Since(start).Seconds())
	}()

	st := &state{obj: obj, cfg: cfg}
	st.opts = options{
		logger:     elfcontext.Logger(ctx),
		compressor: NewZlibCompressor(zlib.DefaultCompression),
	}
	for _, o := range opts {
		o(&st.opts)
	}
	if st.opts.policy == nil {
		st.opts.policy = target.ForMachine(obj.Machine)
	}
	st.logger = st.opts.logger

	if err := cfg.Validate(); err != nil {
		return nil, validation.Wrap(validation.Structural, validation.NoSection, "", err)
	}
	if st.codec, err = elfcodec.New(obj.Class, obj.Data); err != nil {
		return nil, validation.Wrap(validation.Structural, validation.NoSection, "", err)
	}
	if st.cat, err = obj.catalog(st.codec, st.opts.policy); err != nil {
		return nil, err
	}
	group.Link(st.cat)

	l = &Layout{Codec: st.codec, Policy: st.opts.policy}
	if l.Compressed, err = compressDebug(st.cat, st.codec, cfg.CompressDebugSections, st.opts.compressor); err != nil {
		return nil, validation.Wrap(validation.Resource, validation.NoSection, "", err)
	}
	m.compressedSections.Add(float64(l.Compressed))

	st.syms = partitionSymbols(obj.Symbols)
	if err := st.syms.resolveSignatures(st.cat); err != nil {
		return nil, err
	}
	st.num, err = numbering.Assign(st.cat, numbering.Options{
		GroupsResolved: cfg.GroupsResolved,
		NeedSymtab:     st.needSymtab(),
		AllowExtended:  cfg.AllowExtendedNumbering,
		SymtabInfo:     st.syms.firstGlobal,
	})
	if err != nil {
		return nil, err
	}
	if err := st.buildTables(); err != nil {
		return nil, err
	}
	l.Sections = st.headers()

	segs, headerLoad, slots, err := st.segments(m)
	if err != nil {
		return nil, err
	}
	if err := st.place(l, segs, headerLoad, slots); err != nil {
		return nil, err
	}
	if err := st.fileHeader(l); err != nil {
		return nil, err
	}

	level.Debug(st.logger).Log("msg", "computed layout", "sections", len(l.Sections), "segments", len(l.Segments),
		"size", l.Size, "fingerprint", fmt.Sprintf("%016x", l.Fingerprint()), "tables", dumpString{l})
	return l, nil
}

func (st *state) needSymtab() bool {
	if len(st.obj.Symbols) > 0 {
		return true
	}
	return lo.ContainsBy(st.cat.Sections(), func(s *section.Section) bool {
		if !numbering.Retained(s) {
			return false
		}
		if s.Type == elf.SHT_GROUP {
			return true
		}
		return s.IsRelocation() && !s.RelocTarget.IsNone() && !s.Alloc()
	})
}

// buildTables encodes the generated tables and every group payload. Group
// payloads need final indices so this runs after numbering.
func (st *state) buildTables() error {
	st.tables = make(map[section.SyntheticTable][]byte)
	if _, ok := st.num.Table(section.Symtab); ok {
		symtab, strtab, shndx, err := st.syms.encode(st.codec, st.num)
		if err != nil {
			return err
		}
		st.tables[section.Symtab] = symtab
		st.tables[section.Strtab] = strtab
		if st.num.Extended() {
			st.tables[section.SymtabShndx] = shndx
		}
	}
	for _, s := range st.cat.ByType(elf.SHT_GROUP) {
		if st.num.Index(s.ID) == 0 {
			continue
		}
		s.Data = group.Payload(st.codec, st.cat, s.ID, st.num.Index)
		s.Size = uint64(len(s.Data))
		if s.Size < 8 {
			return validation.Wrap(validation.Structural, uint32(s.ID), s.Name, errors.Wrap(group.ErrSize, "group has no emitted members"))
		}
	}
	return nil
}

// headers builds the section header table in index order. Offsets are
// filled in by place.
func (st *state) headers() []Placed {
	names := section.NewStringTableBuilder()
	out := make([]Placed, st.num.Count())
	for i, slot := range st.num.Slots {
		p := Placed{Index: slot.Index, ID: slot.ID, Table: slot.Table}
		if i == 0 {
			out[0] = p
			continue
		}
		h := &p.Header
		h.Link, h.Info, h.Flags = slot.Link, slot.Info, slot.Flags
		if slot.Synthetic() {
			p.Name = slot.Table.String()
			p.Data = st.tables[slot.Table]
			st.tableHeader(slot.Table, h)
		} else {
			s := st.cat.Section(slot.ID)
			p.Name = s.Name
			h.Type, h.Addr, h.Size, h.Addralign, h.Entsize = s.Type, s.Addr, s.Size, s.Addralign, s.Entsize
			if s.HasContents() {
				p.Data = s.Data
			}
			switch {
			case s.IsRelocation() && h.Entsize == 0:
				h.Entsize = uint64(st.codec.RelocationEntrySize(s.Type))
			case s.Type == elf.SHT_GROUP:
				h.Entsize = elfcodec.GroupEntrySize
				h.Addralign = 4
			}
		}
		h.Name = names.Add(p.Name)
		out[i] = p
	}
	shstrtab := names.Bytes()
	if idx := st.num.Shstrndx; idx != 0 {
		out[idx].Data = shstrtab
		out[idx].Header.Size = uint64(len(shstrtab))
	}
	return out
}

func (st *state) tableHeader(t section.SyntheticTable, h *elfcodec.SectionHeader) {
	h.Addralign = 1
	switch t {
	case section.Symtab:
		h.Type = elf.SHT_SYMTAB
		h.Entsize = uint64(st.codec.SymbolSize())
		h.Addralign = uint64(st.codec.AddrSize())
	case section.SymtabShndx:
		h.Type = elf.SHT_SYMTAB_SHNDX
		h.Entsize = 4
		h.Addralign = 4
	case section.Strtab, section.Shstrtab:
		h.Type = elf.SHT_STRTAB
	}
	h.Size = uint64(len(st.tables[t]))
}

func (st *state) pageSize() uint64 {
	if st.cfg.PageSize != 0 {
		return st.cfg.PageSize
	}
	return st.opts.policy.MaxPageSize()
}

// segments plans the program headers. It returns the segments, the index of
// the load that maps the headers (or -1) and the number of program header
// slots to reserve.
func (st *state) segments(m *metrics) ([]*segment.Segment, int, int, error) {
	if st.obj.Type == elf.ET_REL || st.obj.Type == elf.ET_NONE {
		return nil, -1, 0, nil
	}
	if st.obj.SegmentMap != nil {
		return st.mappedSegments()
	}

	retained := lo.Filter(st.cat.Sections(), func(s *section.Section, _ int) bool {
		return st.num.Index(s.ID) != 0
	})
	opts := segment.Options{
		DemandPaged:    st.cfg.DemandPaged,
		PageSize:       st.pageSize(),
		IncludeHeaders: st.cfg.IncludeHeaders,
		SeparateCode:   st.cfg.SeparateCode,
		Stack:          st.obj.Stack,
		Relro:          st.obj.Relro,
		Policy:         st.opts.policy,
		ExtraHeaders:   st.cfg.ExtraProgramHeaders,
	}
	estimate, err := segment.EstimateHeaders(retained, opts)
	if err != nil {
		return nil, -1, 0, err
	}
	opts.HeaderSize = st.headerSize(estimate)
	plan, err := segment.New(retained, opts, st.logger)
	if err != nil {
		return nil, -1, 0, err
	}
	actual := len(plan.Segments)
	if actual > estimate {
		hdr := st.headerSize(actual)
		if plan.GrowHeaders(hdr) {
			m.headerPasses.WithLabelValues("grown").Inc()
		} else {
			m.headerPasses.WithLabelValues("replanned").Inc()
			opts.IncludeHeaders = false
			opts.HeaderSize = hdr
			if plan, err = segment.New(retained, opts, st.logger); err != nil {
				return nil, -1, 0, err
			}
			actual = len(plan.Segments)
		}
		level.Debug(st.logger).Log("msg", "program header estimate exceeded", "estimate", estimate, "actual", actual)
	}
	return plan.Segments, plan.HeaderLoad, lo.Max([]int{estimate, actual}), nil
}

func (st *state) headerSize(phnum int) uint64 {
	return uint64(st.codec.FileHeaderSize()) + uint64(phnum)*uint64(st.codec.ProgHeaderSize())
}

// mappedSegments builds segments from Object.SegmentMap.
func (st *state) mappedSegments() ([]*segment.Segment, int, int, error) {
	headerLoad := -1
	segs := make([]*segment.Segment, 0, len(st.obj.SegmentMap))
	hdrSize := st.headerSize(len(st.obj.SegmentMap))
	for i, e := range st.obj.SegmentMap {
		fail := func(format string, args ...interface{}) error {
			return validation.Wrap(validation.CrossReference, validation.NoSection, "",
				errors.Wrapf(ErrSegmentMap, "segment %d (%s): "+format, append([]interface{}{i, e.Type}, args...)...))
		}
		seg := &segment.Segment{
			Type: e.Type, Flags: e.Flags, Align: e.Align,
			IncludesFileHeader: e.IncludesFileHeader, IncludesPhdrs: e.IncludesPhdrs,
			Vaddr: e.Vaddr, Paddr: e.Paddr, Memsz: e.Memsz,
		}
		for _, pos := range e.Sections {
			s := st.cat.Section(section.ID(pos))
			if s == nil || pos < 0 || st.num.Index(s.ID) == 0 {
				return nil, -1, 0, fail("section %d is not emitted", pos)
			}
			if n := len(seg.Sections); n > 0 && s.Alloc() && s.Addr < seg.Sections[n-1].Addr {
				return nil, -1, 0, fail("section %s is out of address order", s.Name)
			}
			seg.Sections = append(seg.Sections, s)
		}
		if len(seg.Sections) > 0 && seg.Sections[0].Alloc() {
			first := seg.Sections[0]
			seg.Vaddr, seg.Paddr = first.Addr, first.LoadAddr
			if e.Type == elf.PT_LOAD && e.IncludesFileHeader {
				if first.LoadAddr < hdrSize {
					return nil, -1, 0, fail("headers do not fit below %s", first.Name)
				}
				align := lo.Max([]uint64{e.Align, 1})
				lma := validation.AlignDown(first.LoadAddr-hdrSize, align)
				seg.Vaddr = first.Addr - (first.LoadAddr - lma)
				seg.Paddr = lma
			}
		}
		if e.Type == elf.PT_LOAD && e.IncludesFileHeader && headerLoad < 0 {
			headerLoad = i
		}
		if e.Type == elf.PT_GNU_RELRO {
			seg.Load = relroLoad(segs, seg)
			seg.Relro = segment.Range{Start: seg.Vaddr, End: seg.Vaddr + seg.Memsz}
		}
		segs = append(segs, seg)
	}
	return segs, headerLoad, len(segs), nil
}

// relroLoad returns the index of the PT_LOAD containing the start of seg,
// or -1.
func relroLoad(segs []*segment.Segment, seg *segment.Segment) int {
	for i, s := range segs {
		if s.Type == elf.PT_LOAD && len(s.Sections) > 0 && s.Sections[0].Addr <= seg.Vaddr &&
			seg.Vaddr < s.Sections[len(s.Sections)-1].End() {
			return i
		}
	}
	return -1
}

func (st *state) fileHeader(l *Layout) error {
	h := &l.Header
	h.Class, h.Data, h.Version = st.obj.Class, st.obj.Data, elf.EV_CURRENT
	h.OSABI, h.ABIVersion = st.obj.OSABI, st.obj.ABIVersion
	h.Type, h.Machine, h.Entry, h.Flags = st.obj.Type, st.obj.Machine, st.obj.Entry, st.obj.Flags
	h.Ehsize = uint16(st.codec.FileHeaderSize())
	h.Shentsize = uint16(st.codec.SectionHeaderSize())
	h.Shoff = l.Shoff
	if len(l.Progs) > 0 {
		h.Phoff = l.Phoff
		h.Phentsize = uint16(st.codec.ProgHeaderSize())
	}

	null := &l.Sections[0].Header
	count := uint32(len(l.Sections))
	h.Shnum = uint16(count)
	if count >= numbering.ExtendedThreshold {
		h.Shnum = 0
		null.Size = uint64(count)
	}
	h.Shstrndx = uint16(st.num.Shstrndx)
	if st.num.Shstrndx >= numbering.ExtendedThreshold {
		h.Shstrndx = uint16(elf.SHN_XINDEX)
		null.Link = st.num.Shstrndx
	}
	h.Phnum = uint16(len(l.Progs))
	if len(l.Progs) >= int(elfcodec.PNXnum) {
		if len(l.Sections) == 0 {
			return validation.Wrap(validation.Capacity, validation.NoSection, "", errors.New("too many program headers"))
		}
		h.Phnum = elfcodec.PNXnum
		null.Info = uint32(len(l.Progs))
	}
	return nil
}
