package validation

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

// DefaultMaxDepth bounds nested section resolution.
const DefaultMaxDepth = 16

// Guard tracks which sections are currently being resolved. It belongs to a
// single parse and is discarded with it.
type Guard struct {
	active   *bitset.BitSet
	depth    int
	maxDepth int
}

// NewGuard returns a guard for a file with n sections. A non-positive
// maxDepth selects DefaultMaxDepth.
func NewGuard(n uint, maxDepth int) *Guard {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Guard{active: bitset.New(n), maxDepth: maxDepth}
}

// Enter marks idx as being resolved. Entering a section that is already
// active, or nesting deeper than the cutoff, is a structural error; in that
// case the guard is left unchanged and Leave must not be called.
func (g *Guard) Enter(idx uint32) error {
	if g.active.Test(uint(idx)) {
		return Wrap(Structural, idx, "", errors.Wrapf(ErrCycle, "section %d", idx))
	}
	if g.depth >= g.maxDepth {
		return Wrap(Structural, idx, "", errors.Wrapf(ErrDepth, "depth %d", g.depth))
	}
	g.active.Set(uint(idx))
	g.depth++
	return nil
}

// Leave undoes a successful Enter.
func (g *Guard) Leave(idx uint32) {
	if !g.active.Test(uint(idx)) {
		return
	}
	g.active.Clear(uint(idx))
	g.depth--
}

func (g *Guard) Depth() int { return g.depth }

// Active reports whether idx is being resolved.
func (g *Guard) Active(idx uint32) bool { return g.active.Test(uint(idx)) }
