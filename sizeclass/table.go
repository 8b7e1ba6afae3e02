package sizeclass

import "fmt"

// SmallClass describes one slab-resident size class.
type SmallClass struct {
	Index    int    // position in Small
	ItemSize uint64 // bytes per slot
	NeedPages uint64 // pages per slab
	Slots    uint64 // slots per slab
	Mul      uint64 // magic multiplier, see magic.go
	Shift    uint   // always 64, kept for documentation/parity with the spec
}

// SlotIndex returns the slot that offset (a byte offset from the slab's
// base address) falls within, using the class's precomputed reciprocal.
// The caller must have already established that offset lies inside a slab
// of this class.
func (c *SmallClass) SlotIndex(offset uint64) uint64 {
	return slotIndex(offset, c.Mul)
}

// smallSizes returns the anchor list: a quantum-8 run up to 128 bytes, then
// every power of two up to MaxSmallSize with three intermediate classes
// before each one, mirroring jemalloc's "four classes per doubling" shape
// referenced in SPEC_FULL.md.
func smallSizes() []uint64 {
	sizes := make([]uint64, 0, 32)
	for s := uint64(8); s <= 128; s += 8 {
		sizes = append(sizes, s)
	}
	for base := uint64(128); base < MaxSmallSize; base *= 2 {
		step := base / 4
		for _, mult := range []uint64{1, 2, 3, 4} {
			sizes = append(sizes, base+mult*step)
		}
	}
	return sizes
}

// Small is the published, verified small-size-class table, ordered by
// ascending ItemSize.
var Small = buildSmallClasses()

func buildSmallClasses() []SmallClass {
	sizes := smallSizes()
	classes := make([]SmallClass, 0, len(sizes))
	for i, itemSize := range sizes {
		pages, slots := fitSlab(itemSize)
		mul := reciprocal(itemSize)
		bound := pages * PageSize
		if !verifyReciprocal(itemSize, mul, bound) {
			panic(fmt.Sprintf("sizeclass: reciprocal verification failed for item size %d", itemSize))
		}
		classes = append(classes, SmallClass{
			Index:     i,
			ItemSize:  itemSize,
			NeedPages: pages,
			Slots:     slots,
			Mul:       mul,
			Shift:     64,
		})
	}
	return classes
}

// fitSlab picks the smallest page count (a power of two, capped at
// maxSlabPages) that yields at least minSlotsPerSlab slots without
// exceeding MaxSlotsPerSlab.
func fitSlab(itemSize uint64) (pages, slots uint64) {
	for pages = 1; pages <= maxSlabPages; pages *= 2 {
		slots = (pages * PageSize) / itemSize
		if slots >= minSlotsPerSlab {
			if slots > MaxSlotsPerSlab {
				// Shrink back down to the bitmap's capacity by giving the
				// slab fewer pages; one page always yields a legal slot
				// count since itemSize <= MaxSmallSize << PageSize.
				for pages > 1 && (pages/2*PageSize)/itemSize >= minSlotsPerSlab {
					pages /= 2
					slots = (pages * PageSize) / itemSize
				}
			}
			return pages, slots
		}
	}
	return pages / 2, slots
}

// ClassForSize returns the smallest small class whose ItemSize can hold
// size, and true if one exists (size <= MaxSmallSize).
func ClassForSize(size uint64) (*SmallClass, bool) {
	if size == 0 || size > MaxSmallSize {
		return nil, false
	}
	// Small is sorted ascending; linear scan is fine for ~32 entries and
	// keeps this file free of a second, derived lookup structure to keep in
	// sync with Small.
	for i := range Small {
		if Small[i].ItemSize >= size {
			return &Small[i], true
		}
	}
	return nil, false
}

// IsSmall reports whether size is served by the slab path.
func IsSmall(size uint64) bool {
	return size > 0 && size <= MaxSmallSize
}

// LargePages rounds size up to a whole number of pages for the large
// (non-slab) allocation path.
func LargePages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}
