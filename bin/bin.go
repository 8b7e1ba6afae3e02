// Package bin implements the per-(arena, small-size-class) slab cache: a
// "current" partial slab, a heap of other partial slabs ordered by
// address, and the alloc/free state machine described in spec §4.2.
package bin

import (
	"container/heap"
	"sync"

	"github.com/shenjiangwei/coreheap/extent"
	"github.com/shenjiangwei/coreheap/sizeclass"
)

// SlabSource is the arena-side collaborator a Bin reaches into when neither
// its current slab nor its partial heap can satisfy an allocation. Calls
// into it can be slow (they may reach the region provider), so a Bin
// always makes them with its own mutex released — see getSlab.
type SlabSource interface {
	AllocSlab(sizeClass int) (e *extent.Extent, extentIndex int, ok bool)
	FreeSlab(e *extent.Extent, extentIndex int)
}

type slabEntry struct {
	extent    *extent.Extent
	index     int // this extent's index in the arena's extent pool
	heapIndex int
}

// addressHeap is a container/heap min-heap of slab entries ordered by base
// address, the bin's "key-ordered heap of other partial slabs" (spec §3).
type addressHeap []*slabEntry

var _ heap.Interface = (*addressHeap)(nil)

func (h addressHeap) Len() int { return len(h) }

func (h addressHeap) Less(i, j int) bool { return h[i].extent.Base < h[j].extent.Base }

func (h addressHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *addressHeap) Push(x interface{}) {
	e := x.(*slabEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *addressHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// Bin serves alloc and free for one small size class within one arena,
// under its own mutex.
type Bin struct {
	mu      sync.Mutex
	class   *sizeclass.SmallClass
	current *slabEntry
	heap    addressHeap
	byIndex map[int]*slabEntry
}

// New returns an empty bin for class.
func New(class *sizeclass.SmallClass) *Bin {
	return &Bin{class: class, byIndex: make(map[int]*slabEntry)}
}

// Class returns the size class this bin serves.
func (b *Bin) Class() *sizeclass.SmallClass { return b.class }

// Alloc returns the address of a fresh slot for this size class, pulling a
// slab from the current/heap/source chain as needed.
func (b *Bin) Alloc(source SlabSource) (ptr extent.Addr, ok bool) {
	b.mu.Lock()
	entry, ok := b.getSlab(source)
	if !ok {
		b.mu.Unlock()
		return 0, false
	}

	idx, allocated := entry.extent.Allocate()
	if !allocated {
		b.mu.Unlock()
		// current/heap invariant (a)/(b) guarantee whatever getSlab hands
		// back has a free slot; reaching here means that invariant broke.
		panic("bin: selected slab unexpectedly has no free slot")
	}
	if b.current == entry && entry.extent.Full() {
		b.current = nil
	}
	b.mu.Unlock()
	return entry.extent.SlotAddr(idx), true
}

// getSlab implements the §4.2/§5 "get_slab" protocol: try current, then
// the partial heap, and only then release the mutex and ask source for a
// fresh slab, re-acquiring before touching any bin state again.
func (b *Bin) getSlab(source SlabSource) (*slabEntry, bool) {
	if b.current != nil && b.current.extent.FreeSlots() > 0 {
		return b.current, true
	}
	if b.heap.Len() > 0 {
		entry := heap.Pop(&b.heap).(*slabEntry)
		b.current = entry
		return entry, true
	}

	b.mu.Unlock()
	e, extentIndex, ok := source.AllocSlab(b.class.Index)
	b.mu.Lock()
	if !ok {
		return nil, false
	}

	if b.current != nil && b.current.extent.FreeSlots() > 0 {
		// Another thread raced us while the mutex was released and already
		// installed a usable current; hand the freshly made slab back
		// rather than leaking it.
		source.FreeSlab(e, extentIndex)
		return b.current, true
	}

	entry := &slabEntry{extent: e, index: extentIndex, heapIndex: -1}
	b.byIndex[extentIndex] = entry
	b.current = entry
	return entry, true
}

// Free clears slot within the extent identified by extentIndex, maintains
// the current/heap bookkeeping, and reports whether the extent became
// fully empty — the caller (the arena) should then release its pages.
func (b *Bin) Free(extentIndex int, slot uint32) (extentFullyEmpty bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.byIndex[extentIndex]
	if !ok {
		panic("bin: free of a slot in an extent this bin does not own")
	}
	wasFull := entry.extent.Full()
	entry.extent.Free(slot)

	if entry == b.current {
		if entry.extent.Empty() {
			b.current = nil
			delete(b.byIndex, extentIndex)
			return true
		}
		return false
	}

	if entry.extent.Empty() {
		if entry.extent.Slots() > 1 && entry.heapIndex >= 0 {
			heap.Remove(&b.heap, entry.heapIndex)
		}
		delete(b.byIndex, extentIndex)
		return true
	}

	if wasFull && entry.extent.Slots() > 1 {
		heap.Push(&b.heap, entry)
	}
	return false
}

// Extent returns the live extent tracked under extentIndex, for callers
// that need to recompute a slot index or inspect slab state directly.
func (b *Bin) Extent(extentIndex int) (*extent.Extent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.byIndex[extentIndex]
	if !ok {
		return nil, false
	}
	return entry.extent, true
}
