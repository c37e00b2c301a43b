package validation

import (
	"math/bits"

	"github.com/pkg/errors"
)

// CheckIndex fails unless idx < count.
func CheckIndex(idx, count uint64) error {
	if idx >= count {
		return errors.Wrapf(ErrIndexOutOfRange, "index %d, count %d", idx, count)
	}
	return nil
}

// CheckEntries returns size/entsize, failing when entsize is zero or does not
// divide size.
func CheckEntries(size, entsize uint64) (uint64, error) {
	if entsize == 0 {
		return 0, errors.Wrapf(ErrEntrySize, "size %d, entsize 0", size)
	}
	if size%entsize != 0 {
		return 0, errors.Wrapf(ErrEntrySize, "size %d, entsize %d", size, entsize)
	}
	return size / entsize, nil
}

// CheckRange fails unless [off, off+size) lies within [0, limit).
func CheckRange(off, size, limit uint64) error {
	end, ok := AddOverflow(off, size)
	if !ok {
		return errors.Wrapf(ErrOverflow, "offset 0x%x + size 0x%x", off, size)
	}
	if end > limit {
		return errors.Wrapf(ErrRange, "[0x%x, 0x%x) beyond 0x%x", off, end, limit)
	}
	return nil
}

// AddOverflow returns a+b and whether the sum fits.
func AddOverflow(a, b uint64) (uint64, bool) {
	s, carry := bits.Add64(a, b, 0)
	return s, carry == 0
}

// MulOverflow returns a*b and whether the product fits.
func MulOverflow(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

// CheckAlign accepts zero or a power of two.
func CheckAlign(align uint64) error {
	if align&(align-1) != 0 {
		return errors.Wrapf(ErrAlignment, "alignment 0x%x", align)
	}
	return nil
}

// AlignUp rounds v up to a multiple of align. Zero and one mean no alignment.
func AlignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align.
func AlignDown(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return v &^ (align - 1)
}
