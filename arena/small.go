package arena

import (
	"github.com/shenjiangwei/coreheap/emap"
	"github.com/shenjiangwei/coreheap/extent"
	"github.com/shenjiangwei/coreheap/sizeclass"
)

// AllocSmall serves a small (slab-resident) allocation by delegating to
// the bin for class's size class.
func (a *Arena) AllocSmall(class *sizeclass.SmallClass, zero bool) (extent.Addr, bool) {
	ptr, ok := a.bins[class.Index].Alloc(a)
	if !ok {
		return 0, false
	}
	if zero {
		buf := a.provider.Bytes(ptr, class.ItemSize)
		for i := range buf {
			buf[i] = 0
		}
	}
	return ptr, true
}

// Free validates ptr against the emap and routes the release to the
// owning bin (small) or directly to the HPD/huge path (large), per spec
// §4.1's free algorithm. It reports whether ptr was a known allocation.
func (a *Arena) Free(ptr extent.Addr) bool {
	pd := a.emap.Lookup(ptr)
	if !pd.Valid() || pd.ArenaIndex() != a.Index {
		return false
	}

	if pd.IsSlab() {
		e, ok := a.ExtentAt(pd.ExtentIndex())
		if !ok || !e.Contains(ptr) {
			return false
		}
		offset := uint64(ptr - e.Base)
		slot := uint32(sizeclass.Small[pd.SizeClass()].SlotIndex(offset))
		fullyEmpty := a.bins[pd.SizeClass()].Free(pd.ExtentIndex(), slot)
		if fullyEmpty {
			a.freeSlabExtent(pd.ExtentIndex())
		}
		return true
	}

	e, ok := a.ExtentAt(pd.ExtentIndex())
	if !ok || e.Base != ptr {
		return false
	}
	a.freeLargeExtent(e, pd.ExtentIndex())
	return true
}

// freeSlabExtent tears down a slab extent the owning bin just reported as
// fully empty: unregister it from the emap and release its pages.
func (a *Arena) freeSlabExtent(extentIndex int) {
	e, ok := a.ExtentAt(extentIndex)
	if !ok {
		return
	}
	a.emap.Clear(e.Base, uint32(e.Size/sizeclass.PageSize))
	a.mu.Lock()
	a.freeExtentSlot(extentIndex)
	offset := uint32((e.Base - a.hpds[e.HPDIndex].h.Base) / sizeclass.PageSize)
	a.releaseHPDPages(e.HPDIndex, offset, uint32(e.Size/sizeclass.PageSize))
	a.mu.Unlock()
}

func (a *Arena) freeLargeExtent(e *extent.Extent, extentIndex int) {
	a.emap.Clear(e.Base, uint32(e.Size/sizeclass.PageSize))
	a.mu.Lock()
	a.freeExtentSlot(extentIndex)
	if e.HPDIndex < 0 {
		a.releaseHuge(extentIndex, e.Base, e.Size/sizeclass.PageSize)
	} else {
		offset := uint32((e.Base - a.hpds[e.HPDIndex].h.Base) / sizeclass.PageSize)
		a.releaseHPDPages(e.HPDIndex, offset, uint32(e.Size/sizeclass.PageSize))
	}
	a.mu.Unlock()
}

// Lookup exposes the arena's emap handle for callers (tcache, metaslot)
// that need the page descriptor for an address without going through
// Free.
func (a *Arena) Lookup(ptr extent.Addr) emap.PageDescriptor {
	return a.emap.Lookup(ptr)
}
