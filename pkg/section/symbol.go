package section

import (
	"debug/elf"

	"github.com/pkg/errors"

	"github.com/grafana/elflayout/pkg/elfcodec"
	"github.com/grafana/elflayout/pkg/validation"
)

// Symbol is a decoded symbol table entry.
type Symbol struct {
	Name       string
	Value      uint64
	Size       uint64
	Bind       elf.SymBind
	Type       elf.SymType
	Visibility elf.SymVis
	Section    Ref
}

// SymbolTableReader returns symbols by index.
type SymbolTableReader interface {
	Len() int
	Symbol(i uint32) (Symbol, error)
}

// SymbolTable reads a SHT_SYMTAB or SHT_DYNSYM payload, consulting an
// optional SHT_SYMTAB_SHNDX payload for SHN_XINDEX entries.
type SymbolTable struct {
	codec  *elfcodec.Codec
	data   []byte
	shndx  []byte
	strtab StringTableReader
	n      int
}

func NewSymbolTable(c *elfcodec.Codec, data []byte, strtab StringTableReader, shndx []byte) (*SymbolTable, error) {
	n, err := validation.CheckEntries(uint64(len(data)), uint64(c.SymbolSize()))
	if err != nil {
		return nil, validation.Wrap(validation.Structural, validation.NoSection, "", err)
	}
	return &SymbolTable{codec: c, data: data, shndx: shndx, strtab: strtab, n: int(n)}, nil
}

func (t *SymbolTable) Len() int { return t.n }

// Raw returns the undecoded entry at i.
func (t *SymbolTable) Raw(i uint32) (elfcodec.Symbol, error) {
	if err := validation.CheckIndex(uint64(i), uint64(t.n)); err != nil {
		return elfcodec.Symbol{}, err
	}
	size := t.codec.SymbolSize()
	return t.codec.DecodeSymbol(t.data[int(i)*size:])
}

func (t *SymbolTable) Symbol(i uint32) (Symbol, error) {
	raw, err := t.Raw(i)
	if err != nil {
		return Symbol{}, err
	}
	name, err := t.strtab.String(raw.Name)
	if err != nil {
		return Symbol{}, err
	}
	ref, err := t.sectionRef(i, raw.Shndx)
	if err != nil {
		return Symbol{}, err
	}
	return Symbol{
		Name:       name,
		Value:      raw.Value,
		Size:       raw.Size,
		Bind:       raw.Bind(),
		Type:       raw.Type(),
		Visibility: raw.Visibility(),
		Section:    ref,
	}, nil
}

func (t *SymbolTable) sectionRef(i uint32, shndx uint16) (Ref, error) {
	switch idx := elf.SectionIndex(shndx); {
	case idx == elf.SHN_UNDEF:
		return None(), nil
	case idx == elf.SHN_ABS:
		return Absolute(), nil
	case idx == elf.SHN_COMMON:
		return Common(), nil
	case idx == elf.SHN_XINDEX:
		off := uint64(i) * 4
		if err := validation.CheckRange(off, 4, uint64(len(t.shndx))); err != nil {
			return None(), errors.Wrapf(err, "symbol %d: extended section index", i)
		}
		return Index(ID(t.codec.ByteOrder().Uint32(t.shndx[off:]))), nil
	case idx >= elf.SHN_LORESERVE:
		return Absolute(), nil
	}
	return Index(ID(shndx)), nil
}
