package layout

import (
	"debug/elf"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/grafana/elflayout/pkg/elfcodec"
	"github.com/grafana/elflayout/pkg/numbering"
	"github.com/grafana/elflayout/pkg/section"
	"github.com/grafana/elflayout/pkg/validation"
)

var ErrSignature = errors.New("group signature symbol not found")

// symbols holds the output symbol order: locals first, each partition in
// input order.
type symbols struct {
	list []section.Symbol
	// remap takes a 1-based input index to a 1-based output index.
	remap       []uint32
	firstGlobal uint32
}

func partitionSymbols(in []section.Symbol) *symbols {
	order := make([]int, len(in))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		la, lb := in[a].Bind == elf.STB_LOCAL, in[b].Bind == elf.STB_LOCAL
		switch {
		case la == lb:
			return 0
		case la:
			return -1
		}
		return 1
	})
	res := &symbols{
		list:        make([]section.Symbol, len(in)),
		remap:       make([]uint32, len(in)+1),
		firstGlobal: 1,
	}
	for out, old := range order {
		res.list[out] = in[old]
		res.remap[old+1] = uint32(out + 1)
		if in[old].Bind == elf.STB_LOCAL {
			res.firstGlobal = uint32(out + 2)
		}
	}
	return res
}

// resolveSignatures points every group section's Info at its signature
// symbol in output order.
func (s *symbols) resolveSignatures(cat *section.Catalog) error {
	for _, g := range cat.ByType(elf.SHT_GROUP) {
		if !numbering.Retained(g) {
			continue
		}
		if g.Info >= 1 && int(g.Info) < len(s.remap) {
			g.Info = s.remap[g.Info]
			continue
		}
		idx := slices.IndexFunc(s.list, func(sym section.Symbol) bool {
			return g.GroupName != "" && sym.Name == g.GroupName
		})
		if idx < 0 {
			return validation.Wrap(validation.CrossReference, uint32(g.ID), g.Name, errors.Wrapf(ErrSignature, "%q", g.GroupName))
		}
		g.Info = uint32(idx + 1)
	}
	return nil
}

// encode builds .symtab, .strtab and, when the numbering has one,
// .symtab_shndx.
func (s *symbols) encode(codec *elfcodec.Codec, num *numbering.Numbering) (symtab, strtab, shndx []byte, err error) {
	strs := section.NewStringTableBuilder()
	extended := num.Extended()
	order := codec.ByteOrder()

	symtab = make([]byte, codec.SymbolSize(), codec.SymbolSize()*(len(s.list)+1))
	if extended {
		shndx = make([]byte, 4, 4*(len(s.list)+1))
	}
	for i, sym := range s.list {
		raw := elfcodec.Symbol{
			Name:  strs.Add(sym.Name),
			Info:  elfcodec.SymInfo(sym.Bind, sym.Type),
			Other: uint8(sym.Visibility) & 0x3,
			Value: sym.Value,
			Size:  sym.Size,
		}
		var ext uint32
		switch sym.Section.Kind() {
		case section.KindNone:
			raw.Shndx = uint16(elf.SHN_UNDEF)
		case section.KindAbsolute:
			raw.Shndx = uint16(elf.SHN_ABS)
		case section.KindCommon:
			raw.Shndx = uint16(elf.SHN_COMMON)
		default:
			idx, ok := num.Resolve(sym.Section)
			if !ok {
				return nil, nil, nil, validation.Wrap(validation.CrossReference, validation.NoSection, "",
					errors.Errorf("symbol %d (%s) references section %v which is not emitted", i+1, sym.Name, sym.Section))
			}
			raw.Shndx = uint16(idx)
			if idx >= numbering.ExtendedThreshold {
				if !extended {
					return nil, nil, nil, validation.Wrap(validation.Capacity, validation.NoSection, "",
						errors.Errorf("symbol %d (%s) needs an extended section index", i+1, sym.Name))
				}
				raw.Shndx = uint16(elf.SHN_XINDEX)
				ext = idx
			}
		}
		if symtab, err = codec.AppendSymbol(symtab, &raw); err != nil {
			return nil, nil, nil, errors.Wrapf(err, "symbol %d (%s)", i+1, sym.Name)
		}
		if extended {
			var b [4]byte
			order.PutUint32(b[:], ext)
			shndx = append(shndx, b[:]...)
		}
	}
	return symtab, strs.Bytes(), shndx, nil
}
