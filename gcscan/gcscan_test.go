package gcscan

import (
	"testing"

	"github.com/shenjiangwei/coreheap/region"
	"github.com/shenjiangwei/coreheap/sizeclass"
	"github.com/shenjiangwei/coreheap/tcache"
)

func TestScanOfUnknownAddressIsNotLive(t *testing.T) {
	tc := tcache.New(region.NewSimulated(4*sizeclass.HugePageSize), func() int { return 0 })
	s := New(tc.Emap(), tc)

	got := s.Scan(123456)
	if got.Live {
		t.Fatal("an address the allocator never handed out should not scan as live")
	}
}

func TestScanOfLiveAllocation(t *testing.T) {
	tc := tcache.New(region.NewSimulated(4*sizeclass.HugePageSize), func() int { return 0 })
	s := New(tc.Emap(), tc)

	p, ok := tc.Alloc(50, true, false)
	if !ok {
		t.Fatal("Alloc failed")
	}
	got := s.Scan(p)
	if !got.Live {
		t.Fatal("a live small allocation should scan as live")
	}
	if !got.IsSlab {
		t.Fatal("a small allocation's extent should be a slab")
	}
	if !got.ContainsPointers {
		t.Fatal("an allocation made with containsPointers=true should report it on scan")
	}
}

func TestScanAfterFreeIsNotLive(t *testing.T) {
	tc := tcache.New(region.NewSimulated(4*sizeclass.HugePageSize), func() int { return 0 })
	s := New(tc.Emap(), tc)

	p, ok := tc.Alloc(50, false, false)
	if !ok {
		t.Fatal("Alloc failed")
	}
	tc.Free(p)

	if s.Scan(p).Live {
		t.Fatal("a freed allocation should not scan as live")
	}
}
