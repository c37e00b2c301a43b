// Package group resolves SHT_GROUP sections read from a file and encodes
// group payloads for writing.
//
// Members of a group form a ring through section.Section.NextInGroup so that
// any member reaches all the others.
package group

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	"github.com/grafana/elflayout/pkg/elfcodec"
	"github.com/grafana/elflayout/pkg/section"
	"github.com/grafana/elflayout/pkg/validation"
)

var (
	ErrNoValidGroups = errors.New("no valid group sections found")
	ErrNotListed     = errors.New("section flagged SHF_GROUP is not listed by any group")
	ErrSize          = errors.New("group size is invalid")
	ErrSignature     = errors.New("group signature not found")
)

// Group is a resolved SHT_GROUP section.
type Group struct {
	Section   section.ID
	Flags     uint32
	Members   []section.ID
	Signature string

	first  section.Ref
	placed int
}

// Comdat reports whether GRP_COMDAT is set.
func (g *Group) Comdat() bool { return g.Flags&elfcodec.GRP_COMDAT != 0 }

// SymbolSource loads the symbol table with the given ID.
type SymbolSource func(id section.ID) (section.SymbolTableReader, error)

// Resolver places sections into the groups of one file.
type Resolver struct {
	cat     *section.Catalog
	diag    *validation.Diagnostics
	guard   *validation.Guard
	symbols SymbolSource
	logger  log.Logger

	groups []*Group
	next   int
}

// NewResolver validates every SHT_GROUP section in cat and decodes the valid
// ones. Invalid groups are dropped with a diagnostic. A file whose groups are
// all invalid is rejected.
func NewResolver(cat *section.Catalog, codec *elfcodec.Codec, diag *validation.Diagnostics, guard *validation.Guard, symbols SymbolSource, logger log.Logger) (*Resolver, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Resolver{cat: cat, diag: diag, guard: guard, symbols: symbols, logger: logger}
	seen := 0
	for _, s := range cat.Sections() {
		if s.Type != elf.SHT_GROUP {
			continue
		}
		seen++
		g, err := r.decode(codec, s)
		if err != nil {
			diag.Report(err)
			continue
		}
		r.groups = append(r.groups, g)
	}
	if seen > 0 && len(r.groups) == 0 {
		return nil, validation.Wrap(validation.Structural, validation.NoSection, "", ErrNoValidGroups)
	}
	level.Debug(r.logger).Log("msg", "groups scanned", "total", seen, "valid", len(r.groups))
	return r, nil
}

// ValidHeader reports whether a group header has a usable shape: size a
// multiple of the entry size and at least two entries long.
func ValidHeader(size, entsize uint64) error {
	if entsize != elfcodec.GroupEntrySize {
		return errors.Wrapf(ErrSize, "entsize %d", entsize)
	}
	if size%elfcodec.GroupEntrySize != 0 || size < 2*elfcodec.GroupEntrySize {
		return errors.Wrapf(ErrSize, "size %d", size)
	}
	return nil
}

func (r *Resolver) decode(codec *elfcodec.Codec, s *section.Section) (*Group, error) {
	if err := ValidHeader(s.Size, s.Entsize); err != nil {
		return nil, validation.Wrap(validation.Structural, uint32(s.ID), s.Name, err)
	}
	if uint64(len(s.Data)) < s.Size {
		return nil, validation.Wrap(validation.Structural, uint32(s.ID), s.Name,
			errors.Wrapf(validation.ErrRange, "group contents %d bytes, header says %d", len(s.Data), s.Size))
	}
	flags, members, err := codec.DecodeGroup(s.Data[:s.Size])
	if err != nil {
		return nil, validation.Wrap(validation.Structural, uint32(s.ID), s.Name, err)
	}
	g := &Group{Section: s.ID, Flags: flags}
	n := uint64(r.cat.Len())
	for _, m := range members {
		var merr error
		switch {
		case validation.CheckIndex(uint64(m), n) != nil:
			merr = errors.Wrapf(validation.ErrIndexOutOfRange, "member %d of %d sections", m, n)
		case m == 0:
			merr = errors.Wrap(validation.ErrIndexOutOfRange, "member is the null section")
		case section.ID(m) == s.ID:
			merr = errors.Wrap(validation.ErrCycle, "group lists itself")
		}
		if merr != nil {
			r.diag.Add(validation.Structural, uint32(s.ID), s.Name, merr)
			continue
		}
		g.Members = append(g.Members, section.ID(m))
	}
	s.GroupFlags = flags
	return g, nil
}

// Groups returns the valid groups in header order.
func (r *Resolver) Groups() []*Group { return r.groups }

// Place links the section id into the group that lists it. Sections without
// SHF_GROUP are ignored.
func (r *Resolver) Place(id section.ID) {
	s := r.cat.Section(id)
	if s == nil || s.Flags&elf.SHF_GROUP == 0 {
		return
	}
	for i := 0; i < len(r.groups); i++ {
		gi := (r.next + i) % len(r.groups)
		g := r.groups[gi]
		if !contains(g.Members, id) {
			continue
		}
		r.next = gi
		r.splice(g, s)
		return
	}
	s.Flags &^= elf.SHF_GROUP
	r.diag.Add(validation.CrossReference, uint32(id), s.Name, ErrNotListed)
}

func contains(ids []section.ID, id section.ID) bool {
	for _, m := range ids {
		if m == id {
			return true
		}
	}
	return false
}

func (r *Resolver) splice(g *Group, s *section.Section) {
	s.Group = section.Index(g.Section)
	if g.placed == 0 {
		g.Signature = r.signature(g)
		g.first = section.Index(s.ID)
		s.NextInGroup = section.Index(s.ID)
	} else {
		first, _ := r.cat.Lookup(g.first)
		s.NextInGroup = first.NextInGroup
		first.NextInGroup = section.Index(s.ID)
	}
	g.placed++
	s.GroupName = g.Signature
	if gs := r.cat.Section(g.Section); gs != nil {
		gs.GroupName = g.Signature
	}
}

// signature mines the group name from the symbol named by the group header.
// Symbols of type STT_SECTION name the section they refer to. When no symbol
// can be read the group section's own name is used.
func (r *Resolver) signature(g *Group) string {
	gs := r.cat.Section(g.Section)
	name, err := r.symbolName(gs)
	if err == nil && name != "" {
		return name
	}
	if err != nil {
		r.diag.Add(validation.CrossReference, uint32(gs.ID), gs.Name, fmt.Errorf("%w: %w", ErrSignature, err))
	}
	return FallbackSignature(gs)
}

// FallbackSignature is the signature used for a group without a readable
// signature symbol.
func FallbackSignature(gs *section.Section) string {
	if gs.Name != "" {
		return gs.Name
	}
	return fmt.Sprintf(".group.%d", gs.ID)
}

func (r *Resolver) symbolName(gs *section.Section) (string, error) {
	if err := r.guard.Enter(uint32(gs.ID)); err != nil {
		return "", err
	}
	defer r.guard.Leave(uint32(gs.ID))

	link, ok := gs.Link.ID()
	if !ok {
		return "", errors.Errorf("group link %v is not a section", gs.Link)
	}
	if r.symbols == nil {
		return "", errors.New("no symbol table source")
	}
	if err := r.guard.Enter(uint32(link)); err != nil {
		return "", err
	}
	defer r.guard.Leave(uint32(link))

	symtab, err := r.symbols(link)
	if err != nil {
		return "", err
	}
	sym, err := symtab.Symbol(gs.Info)
	if err != nil {
		return "", err
	}
	if sym.Type == elf.STT_SECTION {
		target, err := r.cat.Lookup(sym.Section)
		if err != nil {
			return "", err
		}
		return target.Name, nil
	}
	return sym.Name, nil
}

// Members walks the ring that contains id and returns every member once,
// starting with id. A ring that does not close within the catalog size is
// cut where it first repeats.
func Members(cat *section.Catalog, id section.ID) []section.ID {
	s := cat.Section(id)
	if s == nil || s.NextInGroup.IsNone() {
		return nil
	}
	res := []section.ID{id}
	seen := map[section.ID]bool{id: true}
	for cur := s; len(res) <= cat.Len(); {
		next, ok := cur.NextInGroup.ID()
		if !ok || seen[next] {
			break
		}
		n := cat.Section(next)
		if n == nil {
			break
		}
		seen[next] = true
		res = append(res, next)
		cur = n
	}
	return res
}

// MembersOf returns the members of the group section gid in ID order.
func MembersOf(cat *section.Catalog, gid section.ID) []section.ID {
	for _, s := range cat.Sections() {
		if id, ok := s.Group.ID(); ok && id == gid && !s.NextInGroup.IsNone() {
			members := Members(cat, s.ID)
			slices.Sort(members)
			return members
		}
	}
	return nil
}

// Payload encodes the group section gid with members in final index order.
// index maps a member to its final section index; members it maps to zero are
// omitted.
func Payload(codec *elfcodec.Codec, cat *section.Catalog, gid section.ID, index func(section.ID) uint32) []byte {
	gs := cat.Section(gid)
	out := lo.FilterMap(MembersOf(cat, gid), func(m section.ID, _ int) (uint32, bool) {
		idx := index(m)
		return idx, idx != 0
	})
	slices.Sort(out)
	return codec.AppendGroup(nil, gs.GroupFlags, out)
}

// Link rebuilds the member rings of every group section from the members'
// Group references. Members are also flagged SHF_GROUP.
func Link(cat *section.Catalog) {
	rings := make(map[section.ID][]*section.Section)
	for _, s := range cat.Sections() {
		gid, ok := s.Group.ID()
		if !ok {
			continue
		}
		if gs := cat.Section(gid); gs == nil || gs.Type != elf.SHT_GROUP {
			continue
		}
		rings[gid] = append(rings[gid], s)
	}
	for gid, members := range rings {
		gs := cat.Section(gid)
		for i, s := range members {
			s.Flags |= elf.SHF_GROUP
			s.NextInGroup = section.Index(members[(i+1)%len(members)].ID)
			if s.GroupName == "" {
				s.GroupName = gs.GroupName
			}
		}
	}
}
