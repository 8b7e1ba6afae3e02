// Package extent implements the allocator's per-page-run descriptor: a
// contiguous run of pages carved from a huge page (or, for huge
// allocations, spanning several), tagged either as a slab of equal-size
// slots or as a single large object.
package extent

import (
	"math/bits"
)

// Addr is a page-aligned (or, within a slot, byte-granular) address in the
// allocator's simulated address space. The allocator never dereferences an
// Addr itself; region providers translate it to real memory.
type Addr uint64

// Kind discriminates a slab extent (small, equal-size slots) from a large
// extent (one allocation spanning the whole extent).
type Kind int

const (
	// KindLarge marks an extent backing a single large (or huge) allocation.
	KindLarge Kind = iota
	// KindSlab marks an extent whose pages are sliced into equal-size slots.
	KindSlab
)

const bitmapWords = 8 // 8 * 64 = 512 bits, sizeclass.MaxSlotsPerSlab

// Finalizer is invoked by destroy with the allocation's address and its
// recorded used capacity.
type Finalizer func(ptr Addr, usedCapacity uint64)

// Extent is the compact descriptor for one page-run. Every field is
// guarded by the owning bin's mutex (slab fields) or the owning arena's
// mutex (large fields, and the shared header fields below); Extent itself
// has no lock.
type Extent struct {
	ArenaIndex int
	Base       Addr
	Size       uint64 // bytes, a multiple of PageSize
	HPDIndex   int    // index of the owning HPD within its arena; -1 for a huge extent (the arena tracks its tail HPD separately)

	kind      Kind
	sizeClass int // valid iff kind == KindSlab

	// Slab fields.
	bitmap    [bitmapWords]uint64
	freeSlots uint32
	slots     uint32
	itemSize  uint64

	// Large fields.
	usedCapacity uint64
	finalizer    Finalizer
}

// NewSlab returns a slab extent with every slot marked free.
func NewSlab(arenaIndex int, base Addr, size uint64, hpdIndex, sizeClass int, slots uint32, itemSize uint64) *Extent {
	if slots > uint32(bitmapWords*64) {
		panic("extent: slab slot count exceeds bitmap capacity")
	}
	return &Extent{
		ArenaIndex: arenaIndex,
		Base:       base,
		Size:       size,
		HPDIndex:   hpdIndex,
		kind:       KindSlab,
		sizeClass:  sizeClass,
		freeSlots:  slots,
		slots:      slots,
		itemSize:   itemSize,
	}
}

// NewLarge returns a large extent.
func NewLarge(arenaIndex int, base Addr, size uint64, hpdIndex int) *Extent {
	return &Extent{
		ArenaIndex: arenaIndex,
		Base:       base,
		Size:       size,
		HPDIndex:   hpdIndex,
		kind:       KindLarge,
	}
}

// IsSlab reports whether e is a slab extent.
func (e *Extent) IsSlab() bool { return e.kind == KindSlab }

// IsLarge reports whether e is a large extent.
func (e *Extent) IsLarge() bool { return e.kind == KindLarge }

// SizeClass returns the slab size class index. Only valid for slabs.
func (e *Extent) SizeClass() int { return e.sizeClass }

// Slots returns the total slot count. Only valid for slabs.
func (e *Extent) Slots() uint32 { return e.slots }

// FreeSlots returns the number of currently-free slots. Only valid for slabs.
func (e *Extent) FreeSlots() uint32 { return e.freeSlots }

// ItemSize returns the per-slot size. Only valid for slabs.
func (e *Extent) ItemSize() uint64 { return e.itemSize }

// Contains reports whether ptr falls within this extent's byte range.
func (e *Extent) Contains(ptr Addr) bool {
	return ptr >= e.Base && ptr < e.Base+Addr(e.Size)
}

// popcount returns the number of set (occupied) bits in the bitmap.
func (e *Extent) popcount() uint32 {
	var n uint32
	for _, w := range e.bitmap {
		n += uint32(bits.OnesCount64(w))
	}
	return n
}

// checkInvariant panics if the bitmap and free-slot counter have drifted
// apart; called after every mutation in debug builds' worth of paranoia —
// cheap enough (8 words) to leave on unconditionally.
func (e *Extent) checkInvariant() {
	if e.popcount()+e.freeSlots != e.slots {
		panic("extent: bitmap/freeSlots invariant violated")
	}
}

// Allocate finds the first free slot, marks it used, and returns its index.
// The caller (the owning bin) must already know a free slot exists.
func (e *Extent) Allocate() (index uint32, ok bool) {
	for w := 0; w < bitmapWords; w++ {
		if e.bitmap[w] == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^e.bitmap[w])
		idx := uint32(w*64 + bit)
		if idx >= e.slots {
			continue
		}
		e.bitmap[w] |= 1 << uint(bit)
		e.freeSlots--
		e.checkInvariant()
		return idx, true
	}
	return 0, false
}

// Free clears the bit for index, which must have been set.
func (e *Extent) Free(index uint32) {
	w, bit := index/64, index%64
	mask := uint64(1) << bit
	if e.bitmap[w]&mask == 0 {
		panic("extent: double free of slot")
	}
	e.bitmap[w] &^= mask
	e.freeSlots++
	e.checkInvariant()
}

// Full reports whether every slot is occupied.
func (e *Extent) Full() bool { return e.freeSlots == 0 }

// Empty reports whether every slot is free.
func (e *Extent) Empty() bool { return e.freeSlots == e.slots }

// SlotAddr returns the address of slot index within the slab.
func (e *Extent) SlotAddr(index uint32) Addr {
	return e.Base + Addr(uint64(index)*e.itemSize)
}

// UsedCapacity returns the recorded used-capacity of a large extent.
func (e *Extent) UsedCapacity() uint64 {
	if !e.IsLarge() {
		panic("extent: UsedCapacity on a non-large extent")
	}
	return e.usedCapacity
}

// SetUsedCapacity records n as the used capacity of a large extent.
// Requires n <= e.Size.
func (e *Extent) SetUsedCapacity(n uint64) {
	if !e.IsLarge() {
		panic("extent: SetUsedCapacity on a non-large extent")
	}
	if n > e.Size {
		panic("extent: used capacity exceeds extent size")
	}
	e.usedCapacity = n
}

// GetFinalizer returns the registered finalizer, or nil.
func (e *Extent) GetFinalizer() Finalizer {
	if !e.IsLarge() {
		panic("extent: Finalizer on a non-large extent")
	}
	return e.finalizer
}

// SetFinalizer registers fn as the finalizer for a large extent.
func (e *Extent) SetFinalizer(fn Finalizer) {
	if !e.IsLarge() {
		panic("extent: SetFinalizer on a non-large extent")
	}
	e.finalizer = fn
}

// Shrink reduces a large extent's size to newSize (a multiple of PageSize,
// newSize <= e.Size). Used by the arena's shrink-large path.
func (e *Extent) Shrink(newSize uint64) {
	if !e.IsLarge() {
		panic("extent: Shrink on a non-large extent")
	}
	if newSize > e.Size {
		panic("extent: Shrink to a larger size")
	}
	e.Size = newSize
	if e.usedCapacity > newSize {
		e.usedCapacity = newSize
	}
}

// Grow increases a large extent's size to newSize. Used by the arena's
// grow-large path once the HPD has granted the extra pages.
func (e *Extent) Grow(newSize uint64) {
	if !e.IsLarge() {
		panic("extent: Grow on a non-large extent")
	}
	if newSize < e.Size {
		panic("extent: Grow to a smaller size")
	}
	e.Size = newSize
}
