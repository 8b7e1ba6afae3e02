// Package arena implements the per-(cpu, pointerness) owner of huge-page
// descriptors and extents: it routes small allocations to bins, serves
// large and huge allocations directly, and is the join point every free
// passes through (spec §4.1).
package arena

import (
	"math/bits"
	"sync"

	"github.com/shenjiangwei/coreheap/bin"
	"github.com/shenjiangwei/coreheap/emap"
	"github.com/shenjiangwei/coreheap/extent"
	"github.com/shenjiangwei/coreheap/hpd"
	"github.com/shenjiangwei/coreheap/region"
	"github.com/shenjiangwei/coreheap/sizeclass"
)

// hpdEntry tracks one HPD this arena owns: the descriptor itself and which
// free-space-class heap (if any) currently holds it. class is -1 when the
// HPD is full and therefore untracked by any heap.
type hpdEntry struct {
	h     *hpd.HPD
	class int
}

// hugeTail records, for a huge extent, which pool-indexed HPD tracks its
// trailing (non-whole-huge-page) pages and at what offset within it —
// spec §4.1's "leading pages are not represented by HPDs" design.
type hugeTail struct {
	hpdIndex int
	offset   uint32
	pages    uint32
}

// Arena owns one CPU/pointerness slot's worth of memory.
type Arena struct {
	Index            int
	ContainsPointers bool

	provider region.Provider
	emap     *emap.Map

	mu               sync.Mutex
	heaps            [hpd.NumFreeSpaceClasses]hpd.FreeRangeHeap
	filter           uint64
	hpds             []*hpdEntry
	freeHpdIdx       []int
	hpdIndexByPtr    map[*hpd.HPD]int
	nextEpochCounter uint64

	extents       []*extent.Extent
	freeExtentIdx []int
	hugeTails     map[int]hugeTail

	bins []*bin.Bin
}

// New returns an arena ready to serve allocations, with one bin per small
// size class already constructed.
func New(index int, containsPointers bool, provider region.Provider, em *emap.Map) *Arena {
	bins := make([]*bin.Bin, len(sizeclass.Small))
	for i := range sizeclass.Small {
		bins[i] = bin.New(&sizeclass.Small[i])
	}
	return &Arena{
		Index:            index,
		ContainsPointers: containsPointers,
		provider:         provider,
		emap:             em,
		hpdIndexByPtr:    make(map[*hpd.HPD]int),
		hugeTails:        make(map[int]hugeTail),
		bins:             bins,
	}
}

// nextEpoch assigns an epoch at HPD-acquisition time: every HPD this arena
// ever creates gets a strictly increasing epoch the moment it is pulled
// from the region provider, which is the open question in spec §9 this
// repo resolves in favor of (epochHPDCmp only needs a total order, and
// acquisition time is the simplest policy that gives one).
func (a *Arena) nextEpoch() uint64 {
	e := a.nextEpochCounter
	a.nextEpochCounter++
	return e
}

func (a *Arena) newHPDSlot(h *hpd.HPD) int {
	var idx int
	if n := len(a.freeHpdIdx); n > 0 {
		idx = a.freeHpdIdx[n-1]
		a.freeHpdIdx = a.freeHpdIdx[:n-1]
		a.hpds[idx] = &hpdEntry{h: h, class: -1}
	} else {
		idx = len(a.hpds)
		a.hpds = append(a.hpds, &hpdEntry{h: h, class: -1})
	}
	a.hpdIndexByPtr[h] = idx
	return idx
}

// reinsert places h (at pool index idx) into the heap matching its
// current longest free range, or leaves it untracked if full.
func (a *Arena) reinsert(idx int, h *hpd.HPD) {
	entry := a.hpds[idx]
	if h.Full() {
		entry.class = -1
		return
	}
	c := hpd.FreeSpaceClass(h.LongestFreeRange())
	a.heaps[c].PushHPD(h)
	a.filter |= uint64(1) << uint(c)
	entry.class = c
}

// removeFromHeap takes h (at pool index idx) out of whatever heap
// currently tracks it, if any.
func (a *Arena) removeFromHeap(idx int) {
	entry := a.hpds[idx]
	if entry.class < 0 {
		return
	}
	a.heaps[entry.class].Remove(entry.h)
	if a.heaps[entry.class].Empty() {
		a.filter &^= uint64(1) << uint(entry.class)
	}
	entry.class = -1
}

// reserveHPD finds or creates an HPD with at least pages contiguous free
// pages, reserves them, and returns its pool index and the page offset
// within it. This is the best-fit search of spec §4.1: mask the filter to
// heaps whose longest free range can satisfy the request, take the
// lowest (smallest-sufficient) set bit, and pop the oldest (lowest-epoch)
// HPD from that heap.
func (a *Arena) reserveHPD(pages uint32) (hpdIndex int, offset uint32, ok bool) {
	startClass := hpd.FreeSpaceClass(pages)
	if startClass < 64 {
		mask := a.filter &^ ((uint64(1) << uint(startClass)) - 1)
		for mask != 0 {
			c := bits.TrailingZeros64(mask)
			mask &^= uint64(1) << uint(c)

			// Free-space-class bucketing is a monotonic approximation (see
			// hpd.FreeSpaceClass): a candidate's longest run may fall in
			// this bucket without actually covering a contiguous
			// pages-sized gap. Drain the bucket fully rather than putting a
			// miss straight back: reinserting immediately would put it
			// right back in front of PopBest and loop forever when it's
			// the bucket's only member. Misses are collected and restored
			// only after the whole bucket has been tried once.
			var missed []*hpd.HPD
			for !a.heaps[c].Empty() {
				candidate := a.heaps[c].PopBest()
				if a.heaps[c].Empty() {
					a.filter &^= uint64(1) << uint(c)
				}
				idx := a.hpdIndexByPtr[candidate]
				a.hpds[idx].class = -1
				if off, found := candidate.Find(pages); found {
					candidate.Reserve(off, pages)
					a.reinsert(idx, candidate)
					for _, m := range missed {
						a.reinsert(a.hpdIndexByPtr[m], m)
					}
					return idx, off, true
				}
				missed = append(missed, candidate)
			}
			for _, m := range missed {
				a.reinsert(a.hpdIndexByPtr[m], m)
			}
		}
	}

	base, acquired := a.provider.Acquire(1)
	if !acquired {
		return 0, 0, false
	}
	fresh := hpd.New(base, a.nextEpoch())
	off, found := fresh.Find(pages)
	if !found {
		a.provider.Release(base, 1)
		return 0, 0, false
	}
	fresh.Reserve(off, pages)
	idx := a.newHPDSlot(fresh)
	a.reinsert(idx, fresh)
	return idx, off, true
}

// releaseHPDPages returns [offset, offset+pages) on the HPD at hpdIndex to
// the free pool, releasing the whole huge page to the region provider if
// that empties it.
func (a *Arena) releaseHPDPages(hpdIndex int, offset, pages uint32) {
	entry := a.hpds[hpdIndex]
	a.removeFromHeap(hpdIndex)
	entry.h.Release(offset, pages)
	if entry.h.Empty() {
		a.provider.Release(entry.h.Base, 1)
		delete(a.hpdIndexByPtr, entry.h)
		a.hpds[hpdIndex] = nil
		a.freeHpdIdx = append(a.freeHpdIdx, hpdIndex)
		return
	}
	a.reinsert(hpdIndex, entry.h)
}

func (a *Arena) newExtentSlot(e *extent.Extent) int {
	if n := len(a.freeExtentIdx); n > 0 {
		idx := a.freeExtentIdx[n-1]
		a.freeExtentIdx = a.freeExtentIdx[:n-1]
		a.extents[idx] = e
		return idx
	}
	a.extents = append(a.extents, e)
	return len(a.extents) - 1
}

func (a *Arena) freeExtentSlot(idx int) {
	a.extents[idx] = nil
	a.freeExtentIdx = append(a.freeExtentIdx, idx)
}

// ExtentAt returns the live extent tracked at idx. Used by the thread
// cache and by destroy/realloc paths that already resolved idx via the
// emap.
func (a *Arena) ExtentAt(idx int) (*extent.Extent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.extents) || a.extents[idx] == nil {
		return nil, false
	}
	return a.extents[idx], true
}

// AllocSlab implements bin.SlabSource: it reserves NeedPages contiguous
// pages for sizeClass, carves a slab extent out of them, and registers it
// in the emap.
func (a *Arena) AllocSlab(sizeClass int) (*extent.Extent, int, bool) {
	class := &sizeclass.Small[sizeClass]

	a.mu.Lock()
	hpdIndex, offset, ok := a.reserveHPD(uint32(class.NeedPages))
	if !ok {
		a.mu.Unlock()
		Error("arena %d: out of memory reserving a slab for size class %d", a.Index, sizeClass)
		return nil, 0, false
	}
	base := a.hpds[hpdIndex].h.Base + extent.Addr(uint64(offset)*sizeclass.PageSize)
	e := extent.NewSlab(a.Index, base, class.NeedPages*sizeclass.PageSize, hpdIndex, class.Index, uint32(class.Slots), class.ItemSize)
	extentIdx := a.newExtentSlot(e)
	a.mu.Unlock()

	if !a.emap.Remap(e, a.Index, extentIdx, sizeclass.PageSize) {
		a.mu.Lock()
		a.freeExtentSlot(extentIdx)
		a.releaseHPDPages(hpdIndex, offset, uint32(class.NeedPages))
		a.mu.Unlock()
		return nil, 0, false
	}
	return e, extentIdx, true
}

// FreeSlab implements bin.SlabSource: a bin calls it for a freshly minted
// slab its get_slab race made unnecessary (spec §4.2 step 4). That extent
// was never registered as "in use" beyond the emap mapping AllocSlab just
// performed, so undoing that mapping and releasing its pages is all that
// is needed. Slabs that become empty through Free are torn down by
// freeSlabExtent instead.
func (a *Arena) FreeSlab(e *extent.Extent, extentIndex int) {
	a.emap.Clear(e.Base, uint32(e.Size/sizeclass.PageSize))
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeExtentSlot(extentIndex)
	offset := uint32((e.Base - a.hpds[e.HPDIndex].h.Base) / sizeclass.PageSize)
	a.releaseHPDPages(e.HPDIndex, offset, uint32(e.Size/sizeclass.PageSize))
}
