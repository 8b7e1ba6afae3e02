package arena

import (
	"github.com/shenjiangwei/coreheap/emap"
	"github.com/shenjiangwei/coreheap/extent"
	"github.com/shenjiangwei/coreheap/hpd"
	"github.com/shenjiangwei/coreheap/sizeclass"
)

// AllocLarge serves a large (possibly huge) allocation: pages :=
// ceil(size/PageSize) pages, carved either from a single HPD or, when
// pages exceeds PagesInHugePage, split across whole huge pages plus a
// tracked tail (spec §4.1's huge-allocation algorithm).
func (a *Arena) AllocLarge(size uint64, zero bool) (extent.Addr, bool) {
	if size == 0 || size > sizeclass.MaxAllocationSize {
		return 0, false
	}
	pages := sizeclass.LargePages(size)

	isHuge := pages > sizeclass.PagesInHugePage

	a.mu.Lock()
	var (
		base     extent.Addr
		hpdIndex int
		offset   uint32
		ok       bool
	)
	if isHuge {
		base, hpdIndex, offset, ok = a.reserveHuge(pages)
	} else {
		hpdIndex, offset, ok = a.reserveHPD(uint32(pages))
		if ok {
			base = a.hpds[hpdIndex].h.Base + extent.Addr(uint64(offset)*sizeclass.PageSize)
		}
	}
	if !ok {
		a.mu.Unlock()
		return 0, false
	}

	sentinelHPDIndex := hpdIndex
	if isHuge {
		sentinelHPDIndex = -1
	}
	e := extent.NewLarge(a.Index, base, pages*sizeclass.PageSize, sentinelHPDIndex)
	extentIdx := a.newExtentSlot(e)
	if isHuge {
		tailPages := pages - ((pages-1)/sizeclass.PagesInHugePage)*sizeclass.PagesInHugePage
		a.hugeTails[extentIdx] = hugeTail{hpdIndex: hpdIndex, offset: offset, pages: uint32(tailPages)}
	}
	a.mu.Unlock()

	if !a.emap.Remap(e, a.Index, extentIdx, sizeclass.PageSize) {
		a.mu.Lock()
		a.freeExtentSlot(extentIdx)
		if isHuge {
			a.releaseHuge(extentIdx, base, pages)
		} else {
			a.releaseHPDPages(hpdIndex, offset, uint32(pages))
		}
		a.mu.Unlock()
		return 0, false
	}

	if zero {
		buf := a.provider.Bytes(base, pages*sizeclass.PageSize)
		for i := range buf {
			buf[i] = 0
		}
	}
	e.SetUsedCapacity(size)
	return base, true
}

// reserveHuge implements spec §4.1's huge-allocation split: extraHugePages
// leading whole huge pages (untracked by any HPD) plus a tail of the
// remaining 1..PagesInHugePage pages reserved from a freshly created HPD, so
// the tail's unused pages remain allocatable to others.
func (a *Arena) reserveHuge(pages uint64) (base extent.Addr, tailHPDIndex int, tailOffset uint32, ok bool) {
	extraHugePages := (pages - 1) / sizeclass.PagesInHugePage
	tailPages := pages - extraHugePages*sizeclass.PagesInHugePage

	regionBase, acquired := a.provider.Acquire(int(extraHugePages + 1))
	if !acquired {
		return 0, 0, 0, false
	}
	tailBase := regionBase + extent.Addr(extraHugePages*sizeclass.HugePageSize)
	tail := hpd.New(tailBase, a.nextEpoch())
	off, found := tail.Find(uint32(tailPages))
	if !found {
		// tailPages is always <= PagesInHugePage by construction; a fresh
		// HPD should always have room.
		a.provider.Release(regionBase, int(extraHugePages+1))
		return 0, 0, 0, false
	}
	tail.Reserve(off, uint32(tailPages))
	tailIdx := a.newHPDSlot(tail)
	a.reinsert(tailIdx, tail)
	return regionBase, tailIdx, off, true
}

// releaseHuge releases a huge extent's leading whole huge pages directly
// to the provider and its tracked tail pages via the normal HPD path.
func (a *Arena) releaseHuge(extentIndex int, base extent.Addr, pages uint64) {
	tail, ok := a.hugeTails[extentIndex]
	if !ok {
		panic("arena: huge extent missing its tail-HPD bookkeeping")
	}
	a.releaseHPDPages(tail.hpdIndex, tail.offset, tail.pages)
	delete(a.hugeTails, extentIndex)

	extraHugePages := (pages - 1) / sizeclass.PagesInHugePage
	a.provider.Release(base, int(extraHugePages+1))
}

// ResizeLarge implements spec §4.1's shrink/grow: shrinking always
// succeeds, growing only if the owning HPD has enough contiguous free
// pages immediately following the extent. Huge extents (HPDIndex == -1)
// are not resizable.
func (a *Arena) ResizeLarge(e *extent.Extent, extentIndex int, newSize uint64) bool {
	if !e.IsLarge() || e.HPDIndex < 0 {
		return false
	}
	newPages := sizeclass.LargePages(newSize)
	oldPages := e.Size / sizeclass.PageSize
	if newPages == oldPages {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.hpds[e.HPDIndex]
	offset := uint32((e.Base - entry.h.Base) / sizeclass.PageSize)

	if newPages < oldPages {
		a.emap.Clear(e.Base+extent.Addr(newPages*sizeclass.PageSize), uint32(oldPages-newPages))
		a.removeFromHeap(e.HPDIndex)
		entry.h.Release(offset+uint32(newPages), uint32(oldPages-newPages))
		a.reinsert(e.HPDIndex, entry.h)
		e.Shrink(newPages * sizeclass.PageSize)
		return true
	}

	delta := uint32(newPages - oldPages)
	a.removeFromHeap(e.HPDIndex)
	grew := entry.h.ExtendUp(offset+uint32(oldPages), delta)
	a.reinsert(e.HPDIndex, entry.h)
	if !grew {
		return false
	}
	startingPD := emap.NewPageDescriptor(a.Index, extentIndex, false, 0).Next(uint32(oldPages))
	if !a.emap.Map(e.Base+extent.Addr(oldPages*sizeclass.PageSize), delta, startingPD) {
		a.removeFromHeap(e.HPDIndex)
		entry.h.Release(offset+uint32(oldPages), delta)
		a.reinsert(e.HPDIndex, entry.h)
		return false
	}
	e.Grow(newPages * sizeclass.PageSize)
	return true
}
