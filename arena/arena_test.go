package arena

import (
	"testing"
	"time"

	"github.com/shenjiangwei/coreheap/emap"
	"github.com/shenjiangwei/coreheap/region"
	"github.com/shenjiangwei/coreheap/sizeclass"
)

func newTestArena(capHugePages uint64) *Arena {
	provider := region.NewSimulated(capHugePages * sizeclass.HugePageSize)
	return New(0, false, provider, emap.New())
}

func TestSmallAllocFreeRoundTrip(t *testing.T) {
	a := newTestArena(4)
	class, ok := sizeclass.ClassForSize(50)
	if !ok {
		t.Fatal("ClassForSize(50) failed")
	}

	p, ok := a.AllocSmall(class, false)
	if !ok {
		t.Fatal("AllocSmall failed")
	}
	pd := a.Lookup(p)
	if !pd.Valid() || !pd.IsSlab() {
		t.Fatal("allocated pointer should resolve to a valid slab descriptor")
	}

	if !a.Free(p) {
		t.Fatal("Free of a live small allocation should succeed")
	}
	if a.Lookup(p).Valid() {
		// Whole-slab teardown only happens once the slab is fully empty;
		// with a single outstanding allocation it should be exactly that.
		t.Fatal("after freeing the only live slot, the slab's pages should be unmapped")
	}

	q, ok := a.AllocSmall(class, false)
	if !ok {
		t.Fatal("second AllocSmall failed")
	}
	if q != p {
		t.Fatalf("expected slab reuse to hand back the same address, got %d want %d", q, p)
	}
}

func TestSmallAllocZeroesMemory(t *testing.T) {
	a := newTestArena(4)
	class, _ := sizeclass.ClassForSize(50)

	p, ok := a.AllocSmall(class, false)
	if !ok {
		t.Fatal("AllocSmall failed")
	}
	e, _ := a.ExtentAt(a.Lookup(p).ExtentIndex())
	buf := a.provider.Bytes(p, e.ItemSize())
	for i := range buf {
		buf[i] = 0xFF
	}
	a.Free(p)

	q, ok := a.AllocSmall(class, true)
	if !ok {
		t.Fatal("AllocSmall(zero=true) failed")
	}
	zbuf := a.provider.Bytes(q, class.ItemSize)
	for i, b := range zbuf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, b)
		}
	}
}

func TestLargeAllocFree(t *testing.T) {
	a := newTestArena(4)
	p, ok := a.AllocLarge(10*sizeclass.PageSize, false)
	if !ok {
		t.Fatal("AllocLarge failed")
	}
	pd := a.Lookup(p)
	if !pd.Valid() || pd.IsSlab() {
		t.Fatal("large allocation should resolve to a non-slab descriptor")
	}
	e, _ := a.ExtentAt(pd.ExtentIndex())
	if e.Base != p {
		t.Fatal("large extent's base should be exactly the returned pointer")
	}

	if !a.Free(p) {
		t.Fatal("Free of a live large allocation should succeed")
	}
	if a.Lookup(p).Valid() {
		t.Fatal("freed large allocation should be unmapped")
	}
}

// TestLargeInPlaceShrink mirrors spec §8 scenario S3.
func TestLargeInPlaceShrink(t *testing.T) {
	a := newTestArena(4)
	p, ok := a.AllocLarge(35*sizeclass.PageSize, false)
	if !ok {
		t.Fatal("AllocLarge failed")
	}
	pd := a.Lookup(p)
	e, _ := a.ExtentAt(pd.ExtentIndex())

	if !a.ResizeLarge(e, pd.ExtentIndex(), 10*sizeclass.PageSize) {
		t.Fatal("ResizeLarge (shrink) should succeed")
	}
	if e.Base != p {
		t.Fatal("shrink must not move the extent")
	}
	if !a.Lookup(p + 9*sizeclass.PageSize).Valid() {
		t.Fatal("page 9 should still be mapped after shrinking to 10 pages")
	}
	if a.Lookup(p + 10*sizeclass.PageSize).Valid() {
		t.Fatal("page 10 should be unmapped after shrinking to 10 pages")
	}
}

// TestLargeGrowBlockedByNeighbor mirrors spec §8 scenario S4.
func TestLargeGrowBlockedByNeighbor(t *testing.T) {
	a := newTestArena(4)
	pa, ok := a.AllocLarge(20*sizeclass.PageSize, false)
	if !ok {
		t.Fatal("AllocLarge a failed")
	}
	if _, ok := a.AllocLarge(5*sizeclass.PageSize, false); !ok {
		t.Fatal("AllocLarge b failed")
	}

	pdA := a.Lookup(pa)
	eA, _ := a.ExtentAt(pdA.ExtentIndex())
	sizeBefore := eA.Size

	if a.ResizeLarge(eA, pdA.ExtentIndex(), 21*sizeclass.PageSize) {
		t.Fatal("growing into an already-occupied neighbor must fail")
	}
	if eA.Size != sizeBefore {
		t.Fatal("a failed resize must leave the extent's size unchanged")
	}
}

func TestLargeGrowIntoFreeSpace(t *testing.T) {
	a := newTestArena(4)
	p, ok := a.AllocLarge(10*sizeclass.PageSize, false)
	if !ok {
		t.Fatal("AllocLarge failed")
	}
	pd := a.Lookup(p)
	e, _ := a.ExtentAt(pd.ExtentIndex())

	if !a.ResizeLarge(e, pd.ExtentIndex(), 12*sizeclass.PageSize) {
		t.Fatal("growing into free space directly after the extent should succeed")
	}
	if !a.Lookup(p + 11*sizeclass.PageSize).Valid() {
		t.Fatal("page 11 should be mapped after growing to 12 pages")
	}
}

// TestHugeAllocFreeReallocSameAddr mirrors spec §8 scenario S5.
func TestHugeAllocFreeReallocSameAddr(t *testing.T) {
	a := newTestArena(4)
	n := uint64(sizeclass.PagesInHugePage + 1)

	p, ok := a.AllocLarge(n*sizeclass.PageSize, false)
	if !ok {
		t.Fatal("huge AllocLarge failed")
	}
	pd := a.Lookup(p)
	if !pd.Valid() {
		t.Fatal("huge allocation should be mapped")
	}

	if !a.Free(p) {
		t.Fatal("Free of huge allocation should succeed")
	}

	p2, ok := a.AllocLarge(n*sizeclass.PageSize, false)
	if !ok {
		t.Fatal("second huge AllocLarge failed")
	}
	if p2 != p {
		t.Fatalf("expected the freed huge region to be reused, got %d want %d", p2, p)
	}
}

func TestAllocLargeRejectsOutOfRangeSize(t *testing.T) {
	a := newTestArena(4)
	// AllocSmall only ever receives a valid class from the thread-cache
	// front end, so the size bounds checked here are AllocLarge's own.
	if _, ok := a.AllocLarge(0, false); ok {
		t.Fatal("AllocLarge(0) should fail")
	}
	if _, ok := a.AllocLarge(sizeclass.MaxAllocationSize+1, false); ok {
		t.Fatal("AllocLarge beyond MaxAllocationSize should fail")
	}
}

// TestReserveHPDFallsThroughPastExhaustedBucket reproduces a fragmented
// HPD whose longest free run lands in the same FreeSpaceClass bucket as a
// request it cannot satisfy: FreeSpaceClass is a ceiling-log2 bucketing,
// so a 70-page run and a 100-page request both land in class 7 even
// though 70 < 100. reserveHPD must drain that bucket and fall through to
// acquiring a fresh huge page rather than looping on the same candidate.
func TestReserveHPDFallsThroughPastExhaustedBucket(t *testing.T) {
	a := newTestArena(4)

	// Leaves exactly a 70-page free tail on the first huge page.
	if _, ok := a.AllocLarge(442*sizeclass.PageSize, false); !ok {
		t.Fatal("setup AllocLarge failed")
	}

	done := make(chan bool, 1)
	go func() {
		_, ok := a.AllocLarge(100*sizeclass.PageSize, false)
		done <- ok
	}()

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("AllocLarge should succeed by falling through to a fresh huge page")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reserveHPD hung retrying an exhausted free-space-class bucket instead of falling through to the region provider")
	}
}

func TestFreeOfUnknownPointerFails(t *testing.T) {
	a := newTestArena(4)
	if a.Free(123456) {
		t.Fatal("Free of an address the arena never handed out should fail")
	}
}
