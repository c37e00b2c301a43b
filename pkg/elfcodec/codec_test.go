package elfcodec

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

var layouts = []struct {
	name  string
	class elf.Class
	data  elf.Data
}{
	{"32-lsb", elf.ELFCLASS32, elf.ELFDATA2LSB},
	{"32-msb", elf.ELFCLASS32, elf.ELFDATA2MSB},
	{"64-lsb", elf.ELFCLASS64, elf.ELFDATA2LSB},
	{"64-msb", elf.ELFCLASS64, elf.ELFDATA2MSB},
}

func mustCodec(t *testing.T, class elf.Class, data elf.Data) *Codec {
	t.Helper()
	c, err := New(class, data)
	require.NoError(t, err)
	return c
}

func TestNewRejectsUnknown(t *testing.T) {
	_, err := New(elf.ELFCLASSNONE, elf.ELFDATA2LSB)
	require.ErrorIs(t, err, ErrUnknownClass)
	_, err = New(elf.ELFCLASS64, elf.ELFDATANONE)
	require.ErrorIs(t, err, ErrUnknownData)
}

func TestRecordSizes(t *testing.T) {
	c32 := mustCodec(t, elf.ELFCLASS32, elf.ELFDATA2LSB)
	c64 := mustCodec(t, elf.ELFCLASS64, elf.ELFDATA2LSB)
	require.Equal(t, 52, c32.FileHeaderSize())
	require.Equal(t, 64, c64.FileHeaderSize())
	require.Equal(t, 40, c32.SectionHeaderSize())
	require.Equal(t, 64, c64.SectionHeaderSize())
	require.Equal(t, 32, c32.ProgHeaderSize())
	require.Equal(t, 56, c64.ProgHeaderSize())
	require.Equal(t, 16, c32.SymbolSize())
	require.Equal(t, 24, c64.SymbolSize())
	require.Equal(t, 12, c32.ChdrSize())
	require.Equal(t, 24, c64.ChdrSize())
	require.Equal(t, 8, c32.RelocationEntrySize(elf.SHT_REL))
	require.Equal(t, 24, c64.RelocationEntrySize(elf.SHT_RELA))
}

func TestFileHeaderRoundTrip(t *testing.T) {
	for _, l := range layouts {
		t.Run(l.name, func(t *testing.T) {
			c := mustCodec(t, l.class, l.data)
			h := FileHeader{
				Ident:     Ident{Class: l.class, Data: l.data, Version: elf.EV_CURRENT, OSABI: elf.ELFOSABI_LINUX},
				Type:      elf.ET_EXEC,
				Machine:   elf.EM_X86_64,
				Entry:     0x401000,
				Phoff:     uint64(c.FileHeaderSize()),
				Shoff:     0x2000,
				Flags:     0x5000000,
				Ehsize:    uint16(c.FileHeaderSize()),
				Phentsize: uint16(c.ProgHeaderSize()),
				Phnum:     3,
				Shentsize: uint16(c.SectionHeaderSize()),
				Shnum:     9,
				Shstrndx:  8,
			}
			b, err := c.AppendFileHeader(nil, &h)
			require.NoError(t, err)
			require.Len(t, b, c.FileHeaderSize())

			got, gc, err := DecodeFileHeader(b)
			require.NoError(t, err)
			require.Equal(t, h, got)
			require.Equal(t, l.class, gc.Class())
			require.Equal(t, l.data, gc.Data())

			if l.class == elf.ELFCLASS64 {
				var eh elf.Header64
				require.NoError(t, binary.Read(bytes.NewReader(b), c.ByteOrder(), &eh))
				require.Equal(t, uint64(0x2000), eh.Shoff)
				require.Equal(t, uint16(8), eh.Shstrndx)
			} else {
				var eh elf.Header32
				require.NoError(t, binary.Read(bytes.NewReader(b), c.ByteOrder(), &eh))
				require.Equal(t, uint32(0x401000), eh.Entry)
				require.Equal(t, uint16(3), eh.Phnum)
			}
		})
	}
}

func TestSectionHeaderRoundTrip(t *testing.T) {
	for _, l := range layouts {
		t.Run(l.name, func(t *testing.T) {
			c := mustCodec(t, l.class, l.data)
			h := SectionHeader{
				Name:      17,
				Type:      elf.SHT_PROGBITS,
				Flags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
				Addr:      0x1000,
				Offset:    0x1000,
				Size:      0x100,
				Link:      3,
				Info:      4,
				Addralign: 16,
				Entsize:   0,
			}
			b, err := c.AppendSectionHeader(nil, &h)
			require.NoError(t, err)
			require.Len(t, b, c.SectionHeaderSize())
			got, err := c.DecodeSectionHeader(b)
			require.NoError(t, err)
			require.Equal(t, h, got)

			// debug/elf struct layouts are an independent oracle.
			if l.class == elf.ELFCLASS64 {
				var sh elf.Section64
				require.NoError(t, binary.Read(bytes.NewReader(b), c.ByteOrder(), &sh))
				require.Equal(t, uint64(0x1000), sh.Addr)
				require.Equal(t, uint32(4), sh.Info)
				require.Equal(t, uint64(16), sh.Addralign)
			} else {
				var sh elf.Section32
				require.NoError(t, binary.Read(bytes.NewReader(b), c.ByteOrder(), &sh))
				require.Equal(t, uint32(0x1000), sh.Addr)
				require.Equal(t, uint32(3), sh.Link)
				require.Equal(t, uint32(16), sh.Addralign)
			}
		})
	}
}

func TestProgHeaderRoundTrip(t *testing.T) {
	for _, l := range layouts {
		t.Run(l.name, func(t *testing.T) {
			c := mustCodec(t, l.class, l.data)
			h := ProgHeader{
				Type:   elf.PT_LOAD,
				Flags:  elf.PF_R | elf.PF_W,
				Off:    0x2000,
				Vaddr:  0x2000,
				Paddr:  0x12000,
				Filesz: 0x40,
				Memsz:  0x50,
				Align:  0x1000,
			}
			b, err := c.AppendProgHeader(nil, &h)
			require.NoError(t, err)
			require.Len(t, b, c.ProgHeaderSize())
			got, err := c.DecodeProgHeader(b)
			require.NoError(t, err)
			require.Equal(t, h, got)

			if l.class == elf.ELFCLASS64 {
				var ph elf.Prog64
				require.NoError(t, binary.Read(bytes.NewReader(b), c.ByteOrder(), &ph))
				require.Equal(t, uint32(elf.PF_R|elf.PF_W), ph.Flags)
				require.Equal(t, uint64(0x12000), ph.Paddr)
			} else {
				var ph elf.Prog32
				require.NoError(t, binary.Read(bytes.NewReader(b), c.ByteOrder(), &ph))
				require.Equal(t, uint32(elf.PF_R|elf.PF_W), ph.Flags)
				require.Equal(t, uint32(0x50), ph.Memsz)
			}
		})
	}
}

func TestSymbolRoundTrip(t *testing.T) {
	for _, l := range layouts {
		t.Run(l.name, func(t *testing.T) {
			c := mustCodec(t, l.class, l.data)
			s := Symbol{
				Name:  9,
				Info:  SymInfo(elf.STB_GLOBAL, elf.STT_FUNC),
				Other: uint8(elf.STV_HIDDEN),
				Shndx: 2,
				Value: 0x1010,
				Size:  0x20,
			}
			b, err := c.AppendSymbol(nil, &s)
			require.NoError(t, err)
			require.Len(t, b, c.SymbolSize())
			got, err := c.DecodeSymbol(b)
			require.NoError(t, err)
			require.Equal(t, s, got)
			require.Equal(t, elf.STB_GLOBAL, got.Bind())
			require.Equal(t, elf.STT_FUNC, got.Type())
			require.Equal(t, elf.STV_HIDDEN, got.Visibility())

			if l.class == elf.ELFCLASS64 {
				var sym elf.Sym64
				require.NoError(t, binary.Read(bytes.NewReader(b), c.ByteOrder(), &sym))
				require.Equal(t, uint16(2), sym.Shndx)
				require.Equal(t, uint64(0x1010), sym.Value)
			} else {
				var sym elf.Sym32
				require.NoError(t, binary.Read(bytes.NewReader(b), c.ByteOrder(), &sym))
				require.Equal(t, uint16(2), sym.Shndx)
				require.Equal(t, uint32(0x20), sym.Size)
			}
		})
	}
}

func TestVersionRecordsRoundTrip(t *testing.T) {
	for _, l := range layouts {
		t.Run(l.name, func(t *testing.T) {
			c := mustCodec(t, l.class, l.data)

			vd := Verdef{Version: 1, Flags: 1, Ndx: 2, Cnt: 1, Hash: 0xdeadbeef, Aux: 20, Next: 28}
			b := c.AppendVerdef(nil, &vd)
			require.Len(t, b, 20)
			gotVd, err := c.DecodeVerdef(b)
			require.NoError(t, err)
			require.Equal(t, vd, gotVd)

			va := Verdaux{Name: 5, Next: 0}
			b = c.AppendVerdaux(nil, &va)
			require.Len(t, b, 8)
			gotVa, err := c.DecodeVerdaux(b)
			require.NoError(t, err)
			require.Equal(t, va, gotVa)

			vn := Verneed{Version: 1, Cnt: 2, File: 11, Aux: 16, Next: 0}
			b = c.AppendVerneed(nil, &vn)
			require.Len(t, b, 16)
			gotVn, err := c.DecodeVerneed(b)
			require.NoError(t, err)
			require.Equal(t, vn, gotVn)

			vx := Vernaux{Hash: 0x0d696914, Flags: 0, Other: 3, Name: 21, Next: 16}
			b = c.AppendVernaux(nil, &vx)
			require.Len(t, b, 16)
			gotVx, err := c.DecodeVernaux(b)
			require.NoError(t, err)
			require.Equal(t, vx, gotVx)
		})
	}
}

func TestChdrRoundTrip(t *testing.T) {
	for _, l := range layouts {
		t.Run(l.name, func(t *testing.T) {
			c := mustCodec(t, l.class, l.data)
			h := Chdr{Type: elf.COMPRESS_ZLIB, Size: 0x1234, Addralign: 1}
			b, err := c.AppendChdr(nil, &h)
			require.NoError(t, err)
			require.Len(t, b, c.ChdrSize())
			got, err := c.DecodeChdr(b)
			require.NoError(t, err)
			require.Equal(t, h, got)
		})
	}
}

func TestGroupPayload(t *testing.T) {
	c := mustCodec(t, elf.ELFCLASS64, elf.ELFDATA2MSB)
	b := c.AppendGroup(nil, GRP_COMDAT, []uint32{3, 4, 7})
	require.Len(t, b, 16)
	require.Equal(t, []byte{0, 0, 0, 1}, b[:4])

	flags, members, err := c.DecodeGroup(b)
	require.NoError(t, err)
	require.Equal(t, GRP_COMDAT, flags)
	require.Equal(t, []uint32{3, 4, 7}, members)

	_, _, err = c.DecodeGroup(b[:2])
	var te *TruncatedError
	require.ErrorAs(t, err, &te)
}

func TestTruncated(t *testing.T) {
	for _, l := range layouts {
		t.Run(l.name, func(t *testing.T) {
			c := mustCodec(t, l.class, l.data)
			var te *TruncatedError

			_, err := c.DecodeSectionHeader(make([]byte, c.SectionHeaderSize()-1))
			require.ErrorAs(t, err, &te)
			require.Equal(t, c.SectionHeaderSize(), te.Want)
			require.Equal(t, c.SectionHeaderSize()-1, te.Have)

			_, err = c.DecodeProgHeader(make([]byte, c.ProgHeaderSize()-1))
			require.ErrorAs(t, err, &te)

			_, err = c.DecodeSymbol(nil)
			require.ErrorAs(t, err, &te)

			_, err = c.DecodeVerneed(make([]byte, 15))
			require.ErrorAs(t, err, &te)

			_, err = c.DecodeChdr(make([]byte, c.ChdrSize()-1))
			require.ErrorAs(t, err, &te)
		})
	}
}

func TestDecodeIdent(t *testing.T) {
	_, err := DecodeIdent([]byte("\x7fELF"))
	var te *TruncatedError
	require.ErrorAs(t, err, &te)

	b := make([]byte, 16)
	copy(b, "\x7fELX")
	_, err = DecodeIdent(b)
	require.ErrorIs(t, err, ErrBadMagic)

	copy(b, elf.ELFMAG)
	b[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	b[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	b[elf.EI_VERSION] = 0
	_, err = DecodeIdent(b)
	require.ErrorIs(t, err, ErrBadVersion)

	b[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	id, err := DecodeIdent(b)
	require.NoError(t, err)
	require.Equal(t, elf.ELFCLASS64, id.Class)

	b[elf.EI_CLASS] = 7
	_, _, err = DecodeFileHeader(append(b, make([]byte, 48)...))
	require.ErrorIs(t, err, ErrUnknownClass)
}

func TestOverflow32(t *testing.T) {
	c := mustCodec(t, elf.ELFCLASS32, elf.ELFDATA2LSB)
	dst := []byte{0xaa}
	h := SectionHeader{Type: elf.SHT_PROGBITS, Size: 1 << 32}
	out, err := c.AppendSectionHeader(dst, &h)
	var oe *OverflowError
	require.ErrorAs(t, err, &oe)
	require.Equal(t, "sh_size", oe.Field)
	require.Equal(t, dst, out)

	_, err = c.AppendProgHeader(nil, &ProgHeader{Type: elf.PT_LOAD, Vaddr: 1 << 40})
	require.ErrorAs(t, err, &oe)
	require.Equal(t, "p_vaddr", oe.Field)

	c64 := mustCodec(t, elf.ELFCLASS64, elf.ELFDATA2LSB)
	_, err = c64.AppendSectionHeader(nil, &h)
	require.NoError(t, err)
}
