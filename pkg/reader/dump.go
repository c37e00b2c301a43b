package reader

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ianlancetaylor/demangle"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/elflayout/pkg/target"
)

// Dump writes the resolved sections, groups and program headers of f to w.
// Group signatures are shown demangled.
func (f *File) Dump(w io.Writer) {
	fmt.Fprintf(w, "%s %s %s %s, %d sections, %d segments, %d diagnostics\n",
		f.Header.Class, f.Header.Data, f.Header.Type, f.Header.Machine,
		f.Catalog.Len(), len(f.Progs), f.Diagnostics.Len())

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Nr", "Name", "Type", "Addr", "LMA", "Size", "Link", "Info", "Group"})
	for _, s := range f.Catalog.Sections() {
		info := fmt.Sprint(s.Info)
		if !s.RelocTarget.IsNone() {
			info = "-> " + s.RelocTarget.String()
		}
		table.Append([]string{
			fmt.Sprint(s.ID),
			s.Name,
			target.TypeName(f.Policy, s.Type),
			fmt.Sprintf("%#x", s.Addr),
			fmt.Sprintf("%#x", s.LoadAddr),
			humanize.IBytes(s.Size),
			s.Link.String(),
			info,
			demangle.Filter(s.GroupName),
		})
	}
	table.Render()

	if len(f.Groups) > 0 {
		table = tablewriter.NewWriter(w)
		table.SetHeader([]string{"Group", "Signature", "Comdat", "Members"})
		for _, g := range f.Groups {
			members := make([]string, 0, len(g.Members))
			for _, m := range g.Members {
				members = append(members, fmt.Sprint(m))
			}
			table.Append([]string{
				fmt.Sprint(g.Section),
				demangle.Filter(g.Signature),
				fmt.Sprint(g.Comdat()),
				strings.Join(members, " "),
			})
		}
		table.Render()
	}

	if len(f.Progs) > 0 {
		table = tablewriter.NewWriter(w)
		table.SetHeader([]string{"Type", "Flags", "Off", "Vaddr", "Paddr", "Filesz", "Memsz", "Align"})
		for _, p := range f.Progs {
			table.Append([]string{
				strings.TrimPrefix(p.Type.String(), "PT_"),
				p.Flags.String(),
				fmt.Sprintf("%#x", p.Off),
				fmt.Sprintf("%#x", p.Vaddr),
				fmt.Sprintf("%#x", p.Paddr),
				fmt.Sprintf("%#x", p.Filesz),
				fmt.Sprintf("%#x", p.Memsz),
				fmt.Sprintf("%#x", p.Align),
			})
		}
		table.Render()
	}

	for _, e := range f.Diagnostics.Errors() {
		fmt.Fprintln(w, "diagnostic:", e)
	}
}

type dumpString struct{ f *File }

func (d dumpString) String() string {
	var sb strings.Builder
	d.f.Dump(&sb)
	return sb.String()
}
