package sizeclass

import "math/bits"

// reciprocal computes a fixed-point reciprocal (mul, shift=64) for dividing
// by d such that high64(offset*mul) == offset/d for every offset this
// class will ever see. The shift is always 64 so the division reduces to
// taking the high word of a 128-bit product, computed via bits.Mul64 —
// there is no 64-bit overflow to worry about because the multiply is done
// in full 128-bit precision.
//
// The multiplier is the ceiling reciprocal, mul = ceil(2^64/d). A floor
// reciprocal comes out one short at every exact multiple of a d that is not
// a power of two (offset == d yields 0). With the ceiling, the product
// exceeds offset/d by offset*e/(d*2^64), where e = mul*d - 2^64 < d; that
// never reaches the next integer while offset*e < 2^64, which holds here
// since every slab offset is well under 2^32. The exact-over-range claim is
// not taken on faith: buildSmallClasses verifies it exhaustively before the
// class is published.
func reciprocal(d uint64) uint64 {
	if d == 1 {
		return 1
	}
	q, r := bits.Div64(1, 0, d) // floor(2^64 / d), d > 1 so q fits in 64 bits
	if r != 0 {
		q++ // ceil(2^64 / d)
	}
	return q
}

// slotIndex returns floor(offset / itemSize) using the precomputed
// reciprocal, exactly as spec'd: slot_index = (offset * mul) >> shift, with
// shift fixed at 64 so the result is simply the high word of the 128-bit
// product.
func slotIndex(offset, mul uint64) uint64 {
	hi, _ := bits.Mul64(offset, mul)
	return hi
}

// verifyReciprocal brute-forces every offset in [0, bound) and confirms the
// reciprocal formula reproduces plain integer division exactly. bound is
// always a small number of pages' worth of bytes, so this is cheap and runs
// once at package init.
func verifyReciprocal(itemSize, mul, bound uint64) bool {
	for offset := uint64(0); offset < bound; offset++ {
		if slotIndex(offset, mul) != offset/itemSize {
			return false
		}
	}
	return true
}
