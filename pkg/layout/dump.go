package layout

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/elflayout/pkg/target"
)

// Dump writes the section and segment tables of the layout to w.
func (l *Layout) Dump(w io.Writer) {
	fmt.Fprintf(w, "%s %s %s, %d sections, %d segments, %s, fingerprint %016x\n",
		l.Header.Class, l.Header.Data, l.Header.Type, len(l.Sections), len(l.Progs),
		humanize.Bytes(l.Size), l.Fingerprint())

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Nr", "Name", "Type", "Flags", "Addr", "Off", "Size", "Link", "Info", "Align"})
	for _, s := range l.Sections {
		h := s.Header
		table.Append([]string{
			fmt.Sprint(s.Index),
			s.Name,
			target.TypeName(l.Policy, h.Type),
			sectionFlags(uint64(h.Flags)),
			fmt.Sprintf("%#x", h.Addr),
			fmt.Sprintf("%#x", h.Offset),
			humanize.IBytes(h.Size),
			fmt.Sprint(h.Link),
			fmt.Sprint(h.Info),
			fmt.Sprint(h.Addralign),
		})
	}
	table.Render()

	if len(l.Segments) == 0 {
		return
	}
	table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Type", "Flags", "Off", "Vaddr", "Paddr", "Filesz", "Memsz", "Align", "Sections"})
	for _, seg := range l.Segments {
		names := make([]string, 0, len(seg.Sections))
		for _, s := range seg.Sections {
			names = append(names, s.Name)
		}
		table.Append([]string{
			strings.TrimPrefix(seg.Type.String(), "PT_"),
			seg.Flags.String(),
			fmt.Sprintf("%#x", seg.Off),
			fmt.Sprintf("%#x", seg.Vaddr),
			fmt.Sprintf("%#x", seg.Paddr),
			fmt.Sprintf("%#x", seg.Filesz),
			fmt.Sprintf("%#x", seg.Memsz),
			fmt.Sprintf("%#x", seg.Align),
			strings.Join(names, " "),
		})
	}
	table.Render()
}

// sectionFlags renders flags with readelf's letters.
func sectionFlags(f uint64) string {
	var sb strings.Builder
	for _, fl := range flagLetters {
		if f&fl.bit != 0 {
			sb.WriteByte(fl.letter)
		}
	}
	return sb.String()
}

var flagLetters = []struct {
	bit    uint64
	letter byte
}{
	{0x1, 'W'}, {0x2, 'A'}, {0x4, 'X'}, {0x10, 'M'}, {0x20, 'S'}, {0x40, 'I'},
	{0x80, 'L'}, {0x100, 'O'}, {0x200, 'G'}, {0x400, 'T'}, {0x800, 'C'}, {0x80000000, 'E'},
}

// dumpString defers rendering until a logger formats it.
type dumpString struct{ l *Layout }

func (d dumpString) String() string {
	var sb strings.Builder
	d.l.Dump(&sb)
	return sb.String()
}
