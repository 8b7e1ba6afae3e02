package tcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/coreheap/extent"
	"github.com/shenjiangwei/coreheap/region"
	"github.com/shenjiangwei/coreheap/sizeclass"
)

func fixedCPU(id int) func() int {
	return func() int { return id }
}

func newTestTCache(capHugePages uint64) *TCache {
	provider := region.NewSimulated(capHugePages * sizeclass.HugePageSize)
	return New(provider, fixedCPU(0))
}

func TestAllocFreeRoundTrip(t *testing.T) {
	tc := newTestTCache(4)
	p, ok := tc.Alloc(50, false, false)
	require.True(t, ok, "Alloc failed")
	require.True(t, tc.Free(p), "Free of a live allocation should succeed")

	q, ok := tc.Alloc(50, false, false)
	require.True(t, ok, "second Alloc failed")
	require.Equal(t, p, q, "expected reused address")
}

func TestFreeOfNullIsNoop(t *testing.T) {
	tc := newTestTCache(4)
	require.True(t, tc.Free(0), "Free(0) must be a no-op success")
}

func TestAllocZeroSizeFails(t *testing.T) {
	tc := newTestTCache(4)
	_, ok := tc.Alloc(0, false, false)
	require.False(t, ok, "Alloc(0) should fail")
}

// TestSmallAppendableCapacity mirrors spec §8 scenario S2's general law
// (not its literal numbers, which assume a size-class table this repo's
// table does not reproduce exactly): get_capacity(p[0..n]) == slot_size
// right after alloc_appendable(n), and 0 for any other end offset.
func TestSmallAppendableCapacity(t *testing.T) {
	tc := newTestTCache(4)
	p, ok := tc.AllocAppendable(5, false, false, nil)
	require.True(t, ok, "AllocAppendable failed")
	class, found := sizeclass.ClassForSize(5)
	require.True(t, found)

	got := tc.GetCapacity(p, 0, 5)
	require.NotZero(t, got, "get_capacity(p[0..5]) should be nonzero right after alloc_appendable(5)")
	require.Equal(t, class.ItemSize, got, "get_capacity(p[0..5]) should equal the slot size")

	require.Zero(t, tc.GetCapacity(p, 0, 6), "get_capacity with the wrong end offset must return 0")
	require.Equal(t, class.ItemSize-5, tc.GetCapacity(p, 5, 5))
}

func TestExtendMonotonicity(t *testing.T) {
	tc := newTestTCache(4)
	p, ok := tc.AllocAppendable(5, false, false, nil)
	require.True(t, ok, "AllocAppendable failed")

	newUsed, ok := tc.Extend(p, 5, 3)
	require.True(t, ok, "Extend within slot capacity should succeed")
	require.Equal(t, uint64(8), newUsed)
	require.NotZero(t, tc.GetCapacity(p, 0, 8), "capacity should reflect the extended used length")

	// A stale sliceEnd (not matching the now-current used capacity) must
	// fail and must not change used capacity.
	_, ok = tc.Extend(p, 5, 1)
	require.False(t, ok, "Extend with a stale sliceEnd must fail")
	require.NotZero(t, tc.GetCapacity(p, 0, 8), "a failing Extend must leave used capacity unchanged")
}

// TestFinalizerOnDestroy mirrors spec §8 scenario S7.
func TestFinalizerOnDestroy(t *testing.T) {
	tc := newTestTCache(4)

	var gotPtr extent.Addr
	var gotSize uint64
	fired := false
	finalizer := func(ptr extent.Addr, usedCapacity uint64) {
		fired = true
		gotPtr = ptr
		gotSize = usedCapacity
	}

	p, ok := tc.AllocAppendable(45, false, false, finalizer)
	require.True(t, ok, "AllocAppendable failed")
	require.True(t, tc.Destroy(p), "Destroy should succeed")
	require.True(t, fired, "finalizer should have run")
	require.Equal(t, p, gotPtr)
	require.Equal(t, uint64(45), gotSize)
}

func TestDestroyWithoutFinalizerStillFrees(t *testing.T) {
	tc := newTestTCache(4)
	p, ok := tc.AllocAppendable(45, false, false, nil)
	require.True(t, ok, "AllocAppendable failed")
	require.True(t, tc.Destroy(p), "Destroy should succeed even with no finalizer registered")
}

func TestReallocLargeInPlaceShrink(t *testing.T) {
	tc := newTestTCache(4)
	p, ok := tc.Alloc(35*sizeclass.PageSize, false, false)
	require.True(t, ok, "Alloc failed")

	q, ok := tc.Realloc(p, 10*sizeclass.PageSize, false)
	require.True(t, ok, "Realloc (shrink) should succeed")
	require.Equal(t, p, q, "an in-place shrink must not move the allocation")
}

func TestReallocGrowsAcrossSizeClass(t *testing.T) {
	tc := newTestTCache(4)
	p, ok := tc.Alloc(16, false, false)
	require.True(t, ok, "Alloc failed")

	buf := tc.provider.Bytes(p, 16)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	q, ok := tc.Realloc(p, 2000, false)
	require.True(t, ok, "Realloc (grow across class) should succeed")

	got := tc.provider.Bytes(q, 16)
	want := make([]byte, 16)
	for i := range want {
		want[i] = byte(i + 1)
	}
	require.Equal(t, want, got, "data should survive a realloc move")
}

func TestReallocToZeroFrees(t *testing.T) {
	tc := newTestTCache(4)
	p, ok := tc.Alloc(50, false, false)
	require.True(t, ok, "Alloc failed")

	_, ok = tc.Realloc(p, 0, false)
	require.True(t, ok, "Realloc(ptr, 0, _) should report success")
	require.False(t, tc.emap.Lookup(p).Valid(), "Realloc(ptr, 0, _) should have freed the allocation")
}

func TestReallocOfNullAllocs(t *testing.T) {
	tc := newTestTCache(4)
	p, ok := tc.Realloc(0, 50, false)
	require.True(t, ok, "Realloc(nil, size, _) should behave like Alloc")
	require.NotZero(t, p)
}

func TestGetCapacityOfUnknownPointerIsZero(t *testing.T) {
	tc := newTestTCache(4)
	require.Zero(t, tc.GetCapacity(123456, 0, 5), "get_capacity on an address the allocator never handed out must be 0")
}

func TestContainsPointersRoutesToDistinctArena(t *testing.T) {
	tc := newTestTCache(8)
	p, ok := tc.Alloc(50, false, false)
	require.True(t, ok, "Alloc(containsPointers=false) failed")
	q, ok := tc.Alloc(50, true, false)
	require.True(t, ok, "Alloc(containsPointers=true) failed")

	pdP := tc.emap.Lookup(p)
	pdQ := tc.emap.Lookup(q)
	require.NotEqual(t, pdQ.ArenaIndex(), pdP.ArenaIndex(), "pointer-containing and pointer-free allocations must land in different arenas")
}

// TestExtendLargeIntoFreedNeighbor mirrors spec §8 scenario S6: a large
// appendable allocation filled to capacity can't extend past its slot
// until the adjacent "deadzone" extent is freed, at which point the
// extend succeeds and reports the whole-page-rounded new capacity.
func TestExtendLargeIntoFreedNeighbor(t *testing.T) {
	tc := newTestTCache(4)

	p, ok := tc.AllocAppendable(4*sizeclass.PageSize, false, false, nil)
	require.True(t, ok, "AllocAppendable failed")
	deadzone, ok := tc.Alloc(sizeclass.PageSize, false, false)
	require.True(t, ok, "deadzone Alloc failed")

	_, ok = tc.Extend(p, 4*sizeclass.PageSize, 1)
	require.False(t, ok, "Extend must fail while the neighboring deadzone is still live")

	require.True(t, tc.Free(deadzone), "freeing the deadzone should succeed")

	newUsed, ok := tc.Extend(p, 4*sizeclass.PageSize, 1)
	require.True(t, ok, "Extend should succeed once the deadzone is freed")
	require.Equal(t, uint64(4*sizeclass.PageSize+1), newUsed)

	got := tc.GetCapacity(p, 0, newUsed)
	want := uint64(4*sizeclass.PageSize) + sizeclass.PageSize
	require.Equal(t, want, got)
}

func TestAllocZeroesMemory(t *testing.T) {
	tc := newTestTCache(4)
	p, ok := tc.Alloc(50, false, false)
	require.True(t, ok, "Alloc failed")

	buf := tc.provider.Bytes(p, 50)
	for i := range buf {
		buf[i] = 0xAB
	}
	tc.Free(p)

	q, ok := tc.Alloc(50, false, true)
	require.True(t, ok, "Alloc(zero=true) failed")

	zbuf := tc.provider.Bytes(q, 50)
	require.Equal(t, make([]byte, 50), zbuf)
}
