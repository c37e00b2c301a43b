package elfwriter

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/elflayout/pkg/layout"
	"github.com/grafana/elflayout/pkg/section"
)

func program(class elf.Class, order elf.Data) *layout.Object {
	text := &section.Section{
		Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Addr: 0x401000, LoadAddr: 0x401000, Size: 4, Addralign: 16,
		Data: []byte{0x90, 0x90, 0x90, 0xc3},
	}
	data := &section.Section{
		Name: ".data", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		Addr: 0x402000, LoadAddr: 0x402000, Size: 8, Addralign: 8,
		Data: []byte("elfdata!"),
	}
	bss := &section.Section{
		Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		Addr: 0x402008, LoadAddr: 0x402008, Size: 0x80, Addralign: 8,
	}
	comment := &section.Section{
		Name: ".comment", Type: elf.SHT_PROGBITS, Flags: elf.SHF_MERGE | elf.SHF_STRINGS,
		Size: 6, Addralign: 1, Entsize: 1, Data: []byte("test\x00\x00"),
	}
	return &layout.Object{
		Class: class, Data: order, Type: elf.ET_EXEC, Machine: elf.EM_X86_64, Entry: 0x401000,
		Sections: []*section.Section{text, data, bss, comment},
		Symbols: []section.Symbol{
			{Name: "main.c", Bind: elf.STB_LOCAL, Type: elf.STT_FILE, Section: section.Absolute()},
			{Name: "_start", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Value: 0x401000, Size: 4, Section: section.Index(0)},
			{Name: "buf", Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Value: 0x402008, Size: 0x80, Section: section.Index(2)},
		},
	}
}

func TestWrite_DebugElf(t *testing.T) {
	for _, tc := range []struct {
		class elf.Class
		order elf.Data
	}{
		{elf.ELFCLASS64, elf.ELFDATA2LSB},
		{elf.ELFCLASS64, elf.ELFDATA2MSB},
		{elf.ELFCLASS32, elf.ELFDATA2LSB},
		{elf.ELFCLASS32, elf.ELFDATA2MSB},
	} {
		t.Run(tc.class.String()+"/"+tc.order.String(), func(t *testing.T) {
			l, err := layout.Assign(context.Background(), program(tc.class, tc.order), layout.DefaultConfig())
			require.NoError(t, err)

			var buf bytes.Buffer
			n, err := Write(&buf, l)
			require.NoError(t, err)
			require.Equal(t, int64(l.Size), n)
			require.Equal(t, int(l.Size), buf.Len())

			f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			require.Equal(t, tc.class, f.Class)
			require.Equal(t, tc.order, f.Data)
			require.Equal(t, elf.ET_EXEC, f.Type)
			require.Equal(t, uint64(0x401000), f.Entry)

			var got []string
			for _, s := range f.Sections {
				got = append(got, s.Name)
			}
			require.Equal(t, []string{"", ".text", ".data", ".bss", ".comment", ".symtab", ".strtab", ".shstrtab"}, got)

			text := f.Section(".text")
			require.Equal(t, l.Sections[1].Header.Offset, text.Offset)
			b, err := text.Data()
			require.NoError(t, err)
			require.Equal(t, []byte{0x90, 0x90, 0x90, 0xc3}, b)

			b, err = f.Section(".data").Data()
			require.NoError(t, err)
			require.Equal(t, []byte("elfdata!"), b)

			syms, err := f.Symbols()
			require.NoError(t, err)
			require.Len(t, syms, 3)
			require.Equal(t, "main.c", syms[0].Name)
			require.Equal(t, "_start", syms[1].Name)
			require.Equal(t, elf.SectionIndex(1), syms[1].Section)
			require.Equal(t, "buf", syms[2].Name)
			require.Equal(t, elf.SectionIndex(3), syms[2].Section)

			var loads []*elf.Prog
			for _, p := range f.Progs {
				if p.Type == elf.PT_LOAD {
					loads = append(loads, p)
				}
			}
			require.Len(t, loads, 2)
			for _, p := range loads {
				require.Equal(t, p.Vaddr%p.Align, p.Off%p.Align)
			}
			require.Equal(t, uint64(8), loads[1].Filesz)
			require.Equal(t, uint64(0x88), loads[1].Memsz)
		})
	}
}

func TestWrite_ZeroFill(t *testing.T) {
	obj := program(elf.ELFCLASS64, elf.ELFDATA2LSB)
	// .bss followed by initialized data in the same page.
	obj.Sections = append(obj.Sections, &section.Section{
		Name: ".data.late", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		Addr: 0x402088, LoadAddr: 0x402088, Size: 8, Addralign: 8, Data: []byte("trailing"),
	})
	l, err := layout.Assign(context.Background(), obj, layout.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, l.ZeroFill, 1)

	var buf bytes.Buffer
	_, err = Write(&buf, l)
	require.NoError(t, err)

	z := l.ZeroFill[0]
	require.Equal(t, make([]byte, z.Size), buf.Bytes()[z.Off:z.Off+z.Size])
	late := l.Lookup(4)
	require.Equal(t, []byte("trailing"), buf.Bytes()[late.Header.Offset:late.Header.Offset+8])
}

func TestWrite_Overlap(t *testing.T) {
	l, err := layout.Assign(context.Background(), program(elf.ELFCLASS64, elf.ELFDATA2LSB), layout.DefaultConfig())
	require.NoError(t, err)
	// Point .data into the middle of .text.
	l.Sections[2].Header.Offset = l.Sections[1].Header.Offset + 2

	var buf bytes.Buffer
	w := New(&buf)
	_, err = w.WriteLayout(l)
	require.ErrorIs(t, err, ErrOverlap)

	// Sticky.
	_, err2 := w.WriteLayout(l)
	require.Equal(t, err, err2)
}

type failWriter struct{ err error }

func (f failWriter) Write([]byte) (int, error) { return 0, f.err }

func TestWrite_DestinationError(t *testing.T) {
	l, err := layout.Assign(context.Background(), program(elf.ELFCLASS64, elf.ELFDATA2LSB), layout.DefaultConfig())
	require.NoError(t, err)
	boom := errors.New("boom")
	_, err = Write(failWriter{boom}, l)
	require.ErrorIs(t, err, boom)
}
