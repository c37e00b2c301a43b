package section

import (
	"fmt"
)

// RefKind discriminates a Ref.
type RefKind uint8

const (
	KindNone RefKind = iota
	KindAbsolute
	KindCommon
	KindIndex
	KindSynthetic
)

// SyntheticTable names a table the engine creates itself while numbering.
type SyntheticTable uint8

const (
	Symtab SyntheticTable = iota + 1
	Strtab
	SymtabShndx
	Shstrtab
	Dynsym
	Dynstr
)

var syntheticNames = map[SyntheticTable]string{
	Symtab:      ".symtab",
	Strtab:      ".strtab",
	SymtabShndx: ".symtab_shndx",
	Shstrtab:    ".shstrtab",
	Dynsym:      ".dynsym",
	Dynstr:      ".dynstr",
}

func (t SyntheticTable) String() string {
	if n, ok := syntheticNames[t]; ok {
		return n
	}
	return fmt.Sprintf("synthetic(%d)", uint8(t))
}

// Ref is a reference from a section or symbol to another section. The zero
// value references nothing.
type Ref struct {
	kind RefKind
	v    uint32
}

func None() Ref { return Ref{} }

func Absolute() Ref { return Ref{kind: KindAbsolute} }

func Common() Ref { return Ref{kind: KindCommon} }

// Index references the catalog entry with the given ID.
func Index(id ID) Ref { return Ref{kind: KindIndex, v: uint32(id)} }

func Synthetic(t SyntheticTable) Ref { return Ref{kind: KindSynthetic, v: uint32(t)} }

func (r Ref) Kind() RefKind { return r.kind }

func (r Ref) IsNone() bool { return r.kind == KindNone }

// ID returns the referenced catalog ID for KindIndex refs.
func (r Ref) ID() (ID, bool) {
	if r.kind != KindIndex {
		return 0, false
	}
	return ID(r.v), true
}

// Table returns the referenced table for KindSynthetic refs.
func (r Ref) Table() (SyntheticTable, bool) {
	if r.kind != KindSynthetic {
		return 0, false
	}
	return SyntheticTable(r.v), true
}

func (r Ref) String() string {
	switch r.kind {
	case KindNone:
		return "none"
	case KindAbsolute:
		return "abs"
	case KindCommon:
		return "common"
	case KindIndex:
		return fmt.Sprintf("#%d", r.v)
	case KindSynthetic:
		return SyntheticTable(r.v).String()
	}
	return "invalid"
}
