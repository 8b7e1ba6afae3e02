package bin

import (
	"testing"

	"github.com/shenjiangwei/coreheap/extent"
	"github.com/shenjiangwei/coreheap/sizeclass"
)

// fakeSource hands out freshly minted slab extents and records which ones
// were given back via FreeSlab, the way a real arena's AllocSlab/FreeSlab
// would but without any HPD/region plumbing.
type fakeSource struct {
	class    *sizeclass.SmallClass
	nextBase extent.Addr
	nextIdx  int
	freed    []int

	// installCurrent, if set, is invoked once (and cleared) the next time
	// AllocSlab runs, simulating another thread installing a usable
	// current while this bin's mutex was released.
	installCurrent func()
}

func (s *fakeSource) AllocSlab(sizeClass int) (*extent.Extent, int, bool) {
	if s.installCurrent != nil {
		fn := s.installCurrent
		s.installCurrent = nil
		fn()
	}
	base := s.nextBase
	s.nextBase += extent.Addr(s.class.NeedPages * sizeclass.PageSize)
	idx := s.nextIdx
	s.nextIdx++
	e := extent.NewSlab(0, base, s.class.NeedPages*sizeclass.PageSize, idx, s.class.Index, uint32(s.class.Slots), s.class.ItemSize)
	return e, idx, true
}

func (s *fakeSource) FreeSlab(e *extent.Extent, extentIndex int) {
	s.freed = append(s.freed, extentIndex)
}

func smallClassWithSlots(t *testing.T, minSlots uint64) *sizeclass.SmallClass {
	t.Helper()
	for i := range sizeclass.Small {
		if sizeclass.Small[i].Slots >= minSlots {
			return &sizeclass.Small[i]
		}
	}
	t.Fatal("no small class with enough slots for this test")
	return nil
}

func TestBinAllocFreeRoundTrip(t *testing.T) {
	class := smallClassWithSlots(t, 4)
	b := New(class)
	src := &fakeSource{class: class, nextBase: 4096 * 100}

	p, ok := b.Alloc(src)
	if !ok {
		t.Fatal("Alloc failed")
	}
	e, ok := b.Extent(0)
	if !ok {
		t.Fatal("expected extent 0 to be tracked")
	}
	if !e.Contains(p) {
		t.Fatal("allocated pointer must lie within its extent")
	}

	offset := uint64(p - e.Base)
	slot := uint32(class.SlotIndex(offset))
	if empty := b.Free(0, slot); !empty {
		t.Fatal("freeing the slab's only live slot should report fully empty")
	}
	if b.current != nil {
		t.Fatal("current should be cleared once it goes fully empty")
	}
}

func TestBinFillsSlabThenRequestsNew(t *testing.T) {
	class := smallClassWithSlots(t, 2)
	b := New(class)
	src := &fakeSource{class: class, nextBase: 4096 * 200}

	var ptrs []extent.Addr
	for i := uint64(0); i < class.Slots; i++ {
		p, ok := b.Alloc(src)
		if !ok {
			t.Fatalf("Alloc %d failed", i)
		}
		ptrs = append(ptrs, p)
	}
	if b.current != nil {
		t.Fatal("current should be cleared once its slab is full")
	}
	if first, ok := b.Extent(0); !ok || !first.Full() {
		t.Fatal("slab should be full after allocating every slot")
	}

	// The next Alloc must fetch a second slab since the first is full.
	p, ok := b.Alloc(src)
	if !ok {
		t.Fatal("Alloc after filling the first slab failed")
	}
	if len(src.freed) != 0 {
		t.Fatal("no slab should have been returned to the source yet")
	}
	if b.current == nil || b.current.index != 1 {
		t.Fatalf("expected the second slab (index 1) to become current, got %+v", b.current)
	}
	_ = p
	_ = ptrs
}

func TestBinFreeReinsertsIntoHeap(t *testing.T) {
	class := smallClassWithSlots(t, 2)
	b := New(class)
	src := &fakeSource{class: class, nextBase: 4096 * 300}

	// Fill the first slab completely so current is cleared.
	var firstSlabPtrs []extent.Addr
	for i := uint64(0); i < class.Slots; i++ {
		p, ok := b.Alloc(src)
		if !ok {
			t.Fatalf("Alloc %d failed", i)
		}
		firstSlabPtrs = append(firstSlabPtrs, p)
	}
	if b.current != nil {
		t.Fatal("current should be nil once the slab filled")
	}

	// Free one slot from the now-detached full slab: it should transition
	// to having exactly one free slot and, not being current, get pushed
	// into the partial heap.
	e, ok := b.Extent(0)
	if !ok {
		t.Fatal("extent 0 should still be tracked")
	}
	offset := uint64(firstSlabPtrs[0] - e.Base)
	slot := uint32(class.SlotIndex(offset))
	if empty := b.Free(0, slot); empty {
		t.Fatal("freeing one of several slots should not report fully empty")
	}
	if b.heap.Len() != 1 {
		t.Fatalf("heap length = %d, want 1", b.heap.Len())
	}

	// A subsequent Alloc should reuse the heap slab rather than minting a
	// third one.
	if _, ok := b.Alloc(src); !ok {
		t.Fatal("Alloc should succeed by reusing the heap entry")
	}
	// Extent 0 had exactly one free slot, so the reuse fills it again and
	// it is dropped as current.
	if b.current != nil {
		t.Fatalf("current should be cleared once the reused slab is full again, got %+v", b.current)
	}
	if reused, ok := b.Extent(0); !ok || !reused.Full() {
		t.Fatal("the allocation should have landed in extent 0, filling it again")
	}
	if len(src.freed) != 0 || src.nextIdx != 1 {
		t.Fatal("the heap slab should satisfy the allocation without touching the source")
	}
}

func TestBinRaceFeedsFreshSlabBack(t *testing.T) {
	class := smallClassWithSlots(t, 2)
	b := New(class)
	src := &fakeSource{class: class, nextBase: 4096 * 400}

	// Simulate another thread installing a usable current while this
	// call's mutex is released around AllocSlab.
	src.installCurrent = func() {
		racer := extent.NewSlab(0, 4096*999, class.NeedPages*sizeclass.PageSize, 77, class.Index, uint32(class.Slots), class.ItemSize)
		b.mu.Lock()
		b.current = &slabEntry{extent: racer, index: 77, heapIndex: -1}
		b.byIndex[77] = b.current
		b.mu.Unlock()
	}

	p, ok := b.Alloc(src)
	if !ok {
		t.Fatal("Alloc failed")
	}
	e, ok := b.Extent(77)
	if !ok || !e.Contains(p) {
		t.Fatal("allocation should have landed in the raced-in current (extent 77)")
	}
	if len(src.freed) != 1 || src.freed[0] != 0 {
		t.Fatalf("expected the freshly minted slab (index 0) to be returned to the source, got %v", src.freed)
	}
}

func TestBinFreeOfUntrackedExtentPanics(t *testing.T) {
	class := smallClassWithSlots(t, 2)
	b := New(class)
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic freeing from an extent this bin never tracked")
		}
	}()
	b.Free(42, 0)
}
