package section

import (
	"debug/elf"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/grafana/elflayout/pkg/elfcodec"
	"github.com/grafana/elflayout/pkg/validation"
)

func TestRef(t *testing.T) {
	var zero Ref
	require.True(t, zero.IsNone())
	require.Equal(t, None(), zero)

	r := Index(7)
	id, ok := r.ID()
	require.True(t, ok)
	require.Equal(t, ID(7), id)
	_, ok = r.Table()
	require.False(t, ok)
	require.Equal(t, "#7", r.String())

	s := Synthetic(Strtab)
	tbl, ok := s.Table()
	require.True(t, ok)
	require.Equal(t, Strtab, tbl)
	require.Equal(t, ".strtab", s.String())
	require.NotEqual(t, Absolute(), Common())
}

func TestStringTable(t *testing.T) {
	st := NewStringTable([]byte("\x00.text\x00.data\x00tail"))
	for _, tc := range []struct {
		off  uint32
		want string
	}{
		{0, ""},
		{1, ".text"},
		{3, "ext"},
		{7, ".data"},
		{13, "tail"},
	} {
		got, err := st.String(tc.off)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
	_, err := st.String(17)
	var se *StringError
	require.ErrorAs(t, err, &se)
	require.Equal(t, uint64(17), se.Size)
}

func TestStringTableBuilder(t *testing.T) {
	b := NewStringTableBuilder()
	require.Equal(t, uint32(0), b.Add(""))
	text := b.Add(".text")
	data := b.Add(".data")
	require.Equal(t, uint32(1), text)
	require.Equal(t, uint32(7), data)
	require.Equal(t, text, b.Add(".text"))
	require.Equal(t, "\x00.text\x00.data\x00", string(b.Bytes()))

	st := NewStringTable(b.Bytes())
	s, err := st.String(data)
	require.NoError(t, err)
	require.Equal(t, ".data", s)
}

func newFileCatalog() *Catalog {
	c := NewCatalog("test.o")
	c.Register(elfcodec.SectionHeader{}, 0, "")
	return c
}

func TestResolveString(t *testing.T) {
	c := newFileCatalog()
	id := c.Register(elfcodec.SectionHeader{Type: elf.SHT_STRTAB, Size: 7}, 1, ".strtab")
	c.Section(id).Data = []byte("\x00hello\x00")
	text := c.Register(elfcodec.SectionHeader{Type: elf.SHT_PROGBITS}, 2, ".text")

	s, err := c.ResolveString(id, 0)
	require.NoError(t, err)
	require.Equal(t, "", s)
	s, err = c.ResolveString(id, 1)
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	_, err = c.ResolveString(id, 7)
	var se *StringError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "test.o", se.File)
	require.Equal(t, ".strtab", se.Section)
	require.Contains(t, err.Error(), "test.o")

	_, err = c.ResolveString(text, 1)
	require.ErrorIs(t, err, ErrNotStrtab)
}

func TestLookup(t *testing.T) {
	c := newFileCatalog()
	id := c.Register(elfcodec.SectionHeader{Type: elf.SHT_SYMTAB}, 1, ".symtab")

	s, err := c.Lookup(None())
	require.NoError(t, err)
	require.Same(t, UndefSection, s)
	s, err = c.Lookup(Absolute())
	require.NoError(t, err)
	require.Same(t, AbsSection, s)
	s, err = c.Lookup(Common())
	require.NoError(t, err)
	require.Same(t, CommonSection, s)

	s, err = c.Lookup(Index(id))
	require.NoError(t, err)
	require.Equal(t, ".symtab", s.Name)
	_, err = c.Lookup(Index(9))
	require.ErrorIs(t, err, validation.ErrIndexOutOfRange)

	_, err = c.Lookup(Synthetic(Symtab))
	require.ErrorIs(t, err, ErrUnbound)
	c.Bind(Symtab, id)
	s, err = c.Lookup(Synthetic(Symtab))
	require.NoError(t, err)
	require.Equal(t, id, s.ID)
}

func TestRegisterFillsGaps(t *testing.T) {
	c := NewCatalog("x")
	id := c.Register(elfcodec.SectionHeader{Type: elf.SHT_PROGBITS, Link: 2}, 3, ".text")
	require.Equal(t, ID(3), id)
	require.Equal(t, 4, c.Len())
	require.Equal(t, Index(2), c.Section(id).Link)
	require.Equal(t, elf.SHT_NULL, c.Section(1).Type)
}

// relocCatalog builds: 1 .text, 2 .rela.text (link/info given), 3 .symtab,
// 4 .strtab and optionally 5 a second symbol table.
func relocCatalog(link, info uint32, secondSymtab bool) *Catalog {
	c := newFileCatalog()
	c.Register(elfcodec.SectionHeader{Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Size: 0x10}, 1, ".text")
	c.Register(elfcodec.SectionHeader{Type: elf.SHT_RELA, Flags: elf.SHF_INFO_LINK, Link: link, Info: info, Entsize: 24}, 2, ".rela.text")
	c.Register(elfcodec.SectionHeader{Type: elf.SHT_SYMTAB, Link: 4, Entsize: 24}, 3, ".symtab")
	c.Register(elfcodec.SectionHeader{Type: elf.SHT_STRTAB}, 4, ".strtab")
	if secondSymtab {
		c.Register(elfcodec.SectionHeader{Type: elf.SHT_SYMTAB, Link: 4, Entsize: 24}, 5, ".symtab2")
	}
	return c
}

func TestResolveRelocation(t *testing.T) {
	t.Run("well formed", func(t *testing.T) {
		c := relocCatalog(3, 1, false)
		diag := validation.NewDiagnostics(log.NewNopLogger(), "test.o")
		c.ResolveRelocation(2, diag)
		require.Equal(t, 0, diag.Len())
		require.Equal(t, Index(2), c.Section(1).Rela)
		require.Equal(t, Index(1), c.Section(2).RelocTarget)
		require.True(t, c.Section(2).InfoIsSection)
	})
	t.Run("relinked to the only symtab", func(t *testing.T) {
		c := relocCatalog(4, 1, false)
		diag := validation.NewDiagnostics(log.NewNopLogger(), "test.o")
		c.ResolveRelocation(2, diag)
		require.Equal(t, 0, diag.Len())
		require.Equal(t, Index(3), c.Section(2).Link)
		require.Equal(t, Index(2), c.Section(1).Rela)
	})
	t.Run("ambiguous symtab demotes", func(t *testing.T) {
		c := relocCatalog(4, 1, true)
		diag := validation.NewDiagnostics(log.NewNopLogger(), "test.o")
		c.ResolveRelocation(2, diag)
		require.Equal(t, 1, diag.Count(validation.CrossReference))
		require.True(t, c.Section(2).RelocTarget.IsNone())
		require.False(t, c.Section(2).InfoIsSection)
		require.True(t, c.Section(1).Rela.IsNone())
	})
	t.Run("bound symtab is kept", func(t *testing.T) {
		c := relocCatalog(3, 1, true)
		c.Bind(Symtab, 3)
		diag := validation.NewDiagnostics(log.NewNopLogger(), "test.o")
		c.ResolveRelocation(2, diag)
		require.Equal(t, 0, diag.Len())
		require.Equal(t, Index(1), c.Section(2).RelocTarget)
	})
	t.Run("unbound second symtab demotes", func(t *testing.T) {
		c := relocCatalog(5, 1, true)
		c.Bind(Symtab, 3)
		diag := validation.NewDiagnostics(log.NewNopLogger(), "test.o")
		c.ResolveRelocation(2, diag)
		require.True(t, diag.Has(validation.ErrLinkType))
		require.True(t, c.Section(2).RelocTarget.IsNone())
		require.False(t, c.Section(2).InfoIsSection)
		require.True(t, c.Section(1).Rela.IsNone())
	})
	t.Run("dynamic symbols stay ordinary", func(t *testing.T) {
		c := relocCatalog(5, 1, false)
		c.Register(elfcodec.SectionHeader{Type: elf.SHT_DYNSYM, Link: 4, Entsize: 24}, 5, ".dynsym")
		c.Bind(Symtab, 3)
		diag := validation.NewDiagnostics(log.NewNopLogger(), "test.o")
		c.ResolveRelocation(2, diag)
		require.Equal(t, 0, diag.Len())
		require.Equal(t, Index(5), c.Section(2).Link)
		require.True(t, c.Section(2).RelocTarget.IsNone())
	})
	t.Run("info out of range demotes", func(t *testing.T) {
		c := relocCatalog(3, 40, false)
		diag := validation.NewDiagnostics(log.NewNopLogger(), "test.o")
		c.ResolveRelocation(2, diag)
		require.True(t, diag.Has(validation.ErrIndexOutOfRange))
		require.True(t, c.Section(2).RelocTarget.IsNone())
	})
	t.Run("target is a relocation", func(t *testing.T) {
		c := relocCatalog(3, 2, false)
		diag := validation.NewDiagnostics(log.NewNopLogger(), "test.o")
		c.ResolveRelocation(2, diag)
		require.True(t, diag.Has(ErrRelocTarget))
	})
}

func TestSectionFlags(t *testing.T) {
	s := &Section{Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | SHF_EXCLUDE}
	require.True(t, s.Excluded())
	require.True(t, s.Alloc())
	s.Flags &^= SHF_EXCLUDE
	require.False(t, s.Excluded())
}

func TestMarkRelocationTargetDuplicate(t *testing.T) {
	c := relocCatalog(3, 1, false)
	second := c.Add(&Section{Name: ".rela.text2", Type: elf.SHT_RELA})
	require.NoError(t, c.MarkRelocationTarget(2, 1))
	require.ErrorIs(t, c.MarkRelocationTarget(second, 1), ErrDuplicateRel)
	require.ErrorIs(t, c.MarkRelocationTarget(1, 2), ErrNotReloc)
}

func TestSymbolTable(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		codec, err := elfcodec.New(class, elf.ELFDATA2LSB)
		require.NoError(t, err)
		strs := NewStringTableBuilder()

		var data []byte
		for _, s := range []elfcodec.Symbol{
			{},
			{Name: strs.Add("local"), Info: elfcodec.SymInfo(elf.STB_LOCAL, elf.STT_OBJECT), Shndx: 2, Value: 8, Size: 4},
			{Name: strs.Add("abs"), Info: elfcodec.SymInfo(elf.STB_GLOBAL, elf.STT_NOTYPE), Shndx: uint16(elf.SHN_ABS)},
			{Name: strs.Add("common"), Info: elfcodec.SymInfo(elf.STB_GLOBAL, elf.STT_OBJECT), Shndx: uint16(elf.SHN_COMMON), Size: 16},
			{Name: strs.Add("far"), Info: elfcodec.SymInfo(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: uint16(elf.SHN_XINDEX)},
		} {
			data, err = codec.AppendSymbol(data, &s)
			require.NoError(t, err)
		}
		shndx := codec.AppendGroup(nil, 0, []uint32{0, 0, 0, 0x10000})

		tbl, err := NewSymbolTable(codec, data, NewStringTable(strs.Bytes()), shndx)
		require.NoError(t, err)
		require.Equal(t, 5, tbl.Len())

		sym, err := tbl.Symbol(1)
		require.NoError(t, err)
		require.Equal(t, Symbol{Name: "local", Value: 8, Size: 4, Bind: elf.STB_LOCAL, Type: elf.STT_OBJECT, Section: Index(2)}, sym)

		sym, err = tbl.Symbol(2)
		require.NoError(t, err)
		require.Equal(t, Absolute(), sym.Section)
		sym, err = tbl.Symbol(3)
		require.NoError(t, err)
		require.Equal(t, Common(), sym.Section)
		sym, err = tbl.Symbol(4)
		require.NoError(t, err)
		require.Equal(t, Index(0x10000), sym.Section)

		_, err = tbl.Symbol(5)
		require.ErrorIs(t, err, validation.ErrIndexOutOfRange)

		_, err = NewSymbolTable(codec, data[:len(data)-1], nil, nil)
		require.ErrorIs(t, err, validation.ErrEntrySize)
	}
}
