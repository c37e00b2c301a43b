package elfcodec

import (
	"debug/elf"

	"github.com/pkg/errors"
)

const (
	identSize    = elf.EI_NIDENT
	verdefSize   = 20
	verdauxSize  = 8
	verneedSize  = 16
	vernauxSize  = 16
	groupEntSize = 4
)

// Ident is the decoded e_ident prefix of a file header.
type Ident struct {
	Class      elf.Class
	Data       elf.Data
	Version    elf.Version
	OSABI      elf.OSABI
	ABIVersion uint8
}

// DecodeIdent validates the magic and returns the identification bytes.
func DecodeIdent(b []byte) (Ident, error) {
	if len(b) < identSize {
		return Ident{}, &TruncatedError{Record: "ident", Want: identSize, Have: len(b)}
	}
	if string(b[:4]) != elf.ELFMAG {
		return Ident{}, ErrBadMagic
	}
	id := Ident{
		Class:      elf.Class(b[elf.EI_CLASS]),
		Data:       elf.Data(b[elf.EI_DATA]),
		Version:    elf.Version(b[elf.EI_VERSION]),
		OSABI:      elf.OSABI(b[elf.EI_OSABI]),
		ABIVersion: b[elf.EI_ABIVERSION],
	}
	if id.Version != elf.EV_CURRENT {
		return Ident{}, errors.Wrapf(ErrBadVersion, "ident version %d", id.Version)
	}
	return id, nil
}

// FileHeader is the in-memory form of Elf32_Ehdr / Elf64_Ehdr.
type FileHeader struct {
	Ident
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// DecodeFileHeader reads the identification, builds the matching codec and
// decodes the rest of the header with it.
func DecodeFileHeader(b []byte) (FileHeader, *Codec, error) {
	id, err := DecodeIdent(b)
	if err != nil {
		return FileHeader{}, nil, err
	}
	c, err := New(id.Class, id.Data)
	if err != nil {
		return FileHeader{}, nil, err
	}
	h, err := c.DecodeFileHeader(b)
	if err != nil {
		return FileHeader{}, nil, err
	}
	return h, c, nil
}

// DecodeFileHeader decodes a file header whose ident matches the codec.
func (c *Codec) DecodeFileHeader(b []byte) (FileHeader, error) {
	d, err := c.decoder(b, "file header", c.FileHeaderSize())
	if err != nil {
		return FileHeader{}, err
	}
	h := FileHeader{
		Ident: Ident{
			Class:      elf.Class(b[elf.EI_CLASS]),
			Data:       elf.Data(b[elf.EI_DATA]),
			Version:    elf.Version(b[elf.EI_VERSION]),
			OSABI:      elf.OSABI(b[elf.EI_OSABI]),
			ABIVersion: b[elf.EI_ABIVERSION],
		},
	}
	if h.Class != c.class || h.Data != c.data {
		return FileHeader{}, errors.Errorf("file header ident %v/%v does not match codec %v/%v", h.Class, h.Data, c.class, c.data)
	}
	d.off = identSize
	h.Type = elf.Type(d.u16())
	h.Machine = elf.Machine(d.u16())
	if v := d.u32(); v != uint32(elf.EV_CURRENT) {
		return FileHeader{}, errors.Wrapf(ErrBadVersion, "e_version %d", v)
	}
	h.Entry = d.word(c.is64())
	h.Phoff = d.word(c.is64())
	h.Shoff = d.word(c.is64())
	h.Flags = d.u32()
	h.Ehsize = d.u16()
	h.Phentsize = d.u16()
	h.Phnum = d.u16()
	h.Shentsize = d.u16()
	h.Shnum = d.u16()
	h.Shstrndx = d.u16()
	return h, nil
}

// AppendFileHeader appends the encoded header to dst. Class and data are taken
// from the codec; the version is always EV_CURRENT.
func (c *Codec) AppendFileHeader(dst []byte, h *FileHeader) ([]byte, error) {
	e := c.encoder(dst, "file header")
	var ident [identSize]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(c.class)
	ident[elf.EI_DATA] = byte(c.data)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(h.OSABI)
	ident[elf.EI_ABIVERSION] = h.ABIVersion
	e.b = append(e.b, ident[:]...)
	e.u16(uint16(h.Type))
	e.u16(uint16(h.Machine))
	e.u32(uint32(elf.EV_CURRENT))
	e.word("e_entry", h.Entry)
	e.word("e_phoff", h.Phoff)
	e.word("e_shoff", h.Shoff)
	e.u32(h.Flags)
	e.u16(h.Ehsize)
	e.u16(h.Phentsize)
	e.u16(h.Phnum)
	e.u16(h.Shentsize)
	e.u16(h.Shnum)
	e.u16(h.Shstrndx)
	return e.finish(dst)
}

// SectionHeader is the in-memory form of Elf32_Shdr / Elf64_Shdr.
type SectionHeader struct {
	Name      uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func (c *Codec) DecodeSectionHeader(b []byte) (SectionHeader, error) {
	d, err := c.decoder(b, "section header", c.SectionHeaderSize())
	if err != nil {
		return SectionHeader{}, err
	}
	is64 := c.is64()
	var h SectionHeader
	h.Name = d.u32()
	h.Type = elf.SectionType(d.u32())
	h.Flags = elf.SectionFlag(d.word(is64))
	h.Addr = d.word(is64)
	h.Offset = d.word(is64)
	h.Size = d.word(is64)
	h.Link = d.u32()
	h.Info = d.u32()
	h.Addralign = d.word(is64)
	h.Entsize = d.word(is64)
	return h, nil
}

func (c *Codec) AppendSectionHeader(dst []byte, h *SectionHeader) ([]byte, error) {
	e := c.encoder(dst, "section header")
	e.u32(h.Name)
	e.u32(uint32(h.Type))
	e.word("sh_flags", uint64(h.Flags))
	e.word("sh_addr", h.Addr)
	e.word("sh_offset", h.Offset)
	e.word("sh_size", h.Size)
	e.u32(h.Link)
	e.u32(h.Info)
	e.word("sh_addralign", h.Addralign)
	e.word("sh_entsize", h.Entsize)
	return e.finish(dst)
}

// ProgHeader is the in-memory form of Elf32_Phdr / Elf64_Phdr.
type ProgHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func (c *Codec) DecodeProgHeader(b []byte) (ProgHeader, error) {
	d, err := c.decoder(b, "program header", c.ProgHeaderSize())
	if err != nil {
		return ProgHeader{}, err
	}
	var h ProgHeader
	h.Type = elf.ProgType(d.u32())
	if c.is64() {
		h.Flags = elf.ProgFlag(d.u32())
		h.Off = d.u64()
		h.Vaddr = d.u64()
		h.Paddr = d.u64()
		h.Filesz = d.u64()
		h.Memsz = d.u64()
		h.Align = d.u64()
		return h, nil
	}
	h.Off = uint64(d.u32())
	h.Vaddr = uint64(d.u32())
	h.Paddr = uint64(d.u32())
	h.Filesz = uint64(d.u32())
	h.Memsz = uint64(d.u32())
	h.Flags = elf.ProgFlag(d.u32())
	h.Align = uint64(d.u32())
	return h, nil
}

func (c *Codec) AppendProgHeader(dst []byte, h *ProgHeader) ([]byte, error) {
	e := c.encoder(dst, "program header")
	e.u32(uint32(h.Type))
	if c.is64() {
		e.u32(uint32(h.Flags))
	}
	e.word("p_offset", h.Off)
	e.word("p_vaddr", h.Vaddr)
	e.word("p_paddr", h.Paddr)
	e.word("p_filesz", h.Filesz)
	e.word("p_memsz", h.Memsz)
	if !c.is64() {
		e.u32(uint32(h.Flags))
	}
	e.word("p_align", h.Align)
	return e.finish(dst)
}

// Symbol is the raw form of Elf32_Sym / Elf64_Sym.
type Symbol struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

func SymInfo(bind elf.SymBind, typ elf.SymType) uint8 {
	return uint8(bind)<<4 | uint8(typ)&0xf
}

func (s Symbol) Bind() elf.SymBind { return elf.ST_BIND(s.Info) }

func (s Symbol) Type() elf.SymType { return elf.ST_TYPE(s.Info) }

func (s Symbol) Visibility() elf.SymVis { return elf.ST_VISIBILITY(s.Other) }

func (c *Codec) DecodeSymbol(b []byte) (Symbol, error) {
	d, err := c.decoder(b, "symbol", c.SymbolSize())
	if err != nil {
		return Symbol{}, err
	}
	var s Symbol
	s.Name = d.u32()
	if c.is64() {
		s.Info = d.u8()
		s.Other = d.u8()
		s.Shndx = d.u16()
		s.Value = d.u64()
		s.Size = d.u64()
		return s, nil
	}
	s.Value = uint64(d.u32())
	s.Size = uint64(d.u32())
	s.Info = d.u8()
	s.Other = d.u8()
	s.Shndx = d.u16()
	return s, nil
}

func (c *Codec) AppendSymbol(dst []byte, s *Symbol) ([]byte, error) {
	e := c.encoder(dst, "symbol")
	e.u32(s.Name)
	if c.is64() {
		e.u8(s.Info)
		e.u8(s.Other)
		e.u16(s.Shndx)
		e.u64(s.Value)
		e.u64(s.Size)
		return e.finish(dst)
	}
	e.word("st_value", s.Value)
	e.word("st_size", s.Size)
	e.u8(s.Info)
	e.u8(s.Other)
	e.u16(s.Shndx)
	return e.finish(dst)
}

// Verdef is Elf_Verdef; the layout is identical for both classes.
type Verdef struct {
	Version uint16
	Flags   uint16
	Ndx     uint16
	Cnt     uint16
	Hash    uint32
	Aux     uint32
	Next    uint32
}

func (c *Codec) DecodeVerdef(b []byte) (Verdef, error) {
	d, err := c.decoder(b, "verdef", verdefSize)
	if err != nil {
		return Verdef{}, err
	}
	return Verdef{
		Version: d.u16(),
		Flags:   d.u16(),
		Ndx:     d.u16(),
		Cnt:     d.u16(),
		Hash:    d.u32(),
		Aux:     d.u32(),
		Next:    d.u32(),
	}, nil
}

func (c *Codec) AppendVerdef(dst []byte, v *Verdef) []byte {
	e := c.encoder(dst, "verdef")
	e.u16(v.Version)
	e.u16(v.Flags)
	e.u16(v.Ndx)
	e.u16(v.Cnt)
	e.u32(v.Hash)
	e.u32(v.Aux)
	e.u32(v.Next)
	return e.b
}

// Verdaux is Elf_Verdaux.
type Verdaux struct {
	Name uint32
	Next uint32
}

func (c *Codec) DecodeVerdaux(b []byte) (Verdaux, error) {
	d, err := c.decoder(b, "verdaux", verdauxSize)
	if err != nil {
		return Verdaux{}, err
	}
	return Verdaux{Name: d.u32(), Next: d.u32()}, nil
}

func (c *Codec) AppendVerdaux(dst []byte, v *Verdaux) []byte {
	e := c.encoder(dst, "verdaux")
	e.u32(v.Name)
	e.u32(v.Next)
	return e.b
}

// Verneed is Elf_Verneed.
type Verneed struct {
	Version uint16
	Cnt     uint16
	File    uint32
	Aux     uint32
	Next    uint32
}

func (c *Codec) DecodeVerneed(b []byte) (Verneed, error) {
	d, err := c.decoder(b, "verneed", verneedSize)
	if err != nil {
		return Verneed{}, err
	}
	return Verneed{
		Version: d.u16(),
		Cnt:     d.u16(),
		File:    d.u32(),
		Aux:     d.u32(),
		Next:    d.u32(),
	}, nil
}

func (c *Codec) AppendVerneed(dst []byte, v *Verneed) []byte {
	e := c.encoder(dst, "verneed")
	e.u16(v.Version)
	e.u16(v.Cnt)
	e.u32(v.File)
	e.u32(v.Aux)
	e.u32(v.Next)
	return e.b
}

// Vernaux is Elf_Vernaux.
type Vernaux struct {
	Hash  uint32
	Flags uint16
	Other uint16
	Name  uint32
	Next  uint32
}

func (c *Codec) DecodeVernaux(b []byte) (Vernaux, error) {
	d, err := c.decoder(b, "vernaux", vernauxSize)
	if err != nil {
		return Vernaux{}, err
	}
	return Vernaux{
		Hash:  d.u32(),
		Flags: d.u16(),
		Other: d.u16(),
		Name:  d.u32(),
		Next:  d.u32(),
	}, nil
}

func (c *Codec) AppendVernaux(dst []byte, v *Vernaux) []byte {
	e := c.encoder(dst, "vernaux")
	e.u32(v.Hash)
	e.u16(v.Flags)
	e.u16(v.Other)
	e.u32(v.Name)
	e.u32(v.Next)
	return e.b
}

// Chdr is the header that prefixes SHF_COMPRESSED section contents.
type Chdr struct {
	Type      elf.CompressionType
	Size      uint64
	Addralign uint64
}

func (c *Codec) DecodeChdr(b []byte) (Chdr, error) {
	d, err := c.decoder(b, "compression header", c.ChdrSize())
	if err != nil {
		return Chdr{}, err
	}
	var h Chdr
	h.Type = elf.CompressionType(d.u32())
	if c.is64() {
		_ = d.u32() // ch_reserved
	}
	h.Size = d.word(c.is64())
	h.Addralign = d.word(c.is64())
	return h, nil
}

func (c *Codec) AppendChdr(dst []byte, h *Chdr) ([]byte, error) {
	e := c.encoder(dst, "compression header")
	e.u32(uint32(h.Type))
	if c.is64() {
		e.u32(0)
	}
	e.word("ch_size", h.Size)
	e.word("ch_addralign", h.Addralign)
	return e.finish(dst)
}

// DecodeGroup splits a SHT_GROUP payload into its flag word and member
// indices. Trailing bytes that do not form a whole entry are ignored; callers
// validate the size against the entry size before decoding.
func (c *Codec) DecodeGroup(b []byte) (flags uint32, members []uint32, err error) {
	if len(b) < groupEntSize {
		return 0, nil, &TruncatedError{Record: "group", Want: groupEntSize, Have: len(b)}
	}
	flags = c.order.Uint32(b)
	n := len(b)/groupEntSize - 1
	members = make([]uint32, 0, n)
	for off := groupEntSize; off+groupEntSize <= len(b); off += groupEntSize {
		members = append(members, c.order.Uint32(b[off:]))
	}
	return flags, members, nil
}

func (c *Codec) AppendGroup(dst []byte, flags uint32, members []uint32) []byte {
	dst = c.order.AppendUint32(dst, flags)
	for _, m := range members {
		dst = c.order.AppendUint32(dst, m)
	}
	return dst
}

// GroupEntrySize is the fixed sh_entsize of SHT_GROUP sections.
const GroupEntrySize = groupEntSize

// PNXnum in e_phnum means the program header count is in sh_info of
// section 0.
const PNXnum = 0xffff

// GRP_COMDAT is the group flag for COMDAT groups. debug/elf does not define
// it.
const GRP_COMDAT uint32 = 0x1
