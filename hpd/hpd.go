// Package hpd implements the huge-page descriptor: per-huge-page
// reservation tracking, longest-free-run bookkeeping, and the
// log-scale free-space-class heaps the arena uses for best-fit placement.
package hpd

import (
	"math/bits"

	"github.com/shenjiangwei/coreheap/extent"
	"github.com/shenjiangwei/coreheap/sizeclass"
)

const pagesInHugePage = sizeclass.PagesInHugePage
const bitmapWords = pagesInHugePage / 64

// HPD is one huge page's descriptor: which of its fixed number of pages are
// reserved, and the longest contiguous free run.
type HPD struct {
	Base   extent.Addr
	Epoch  uint64

	reserved  [bitmapWords]uint64
	used      uint32
	longest   uint32

	heapIndex int // maintained by FreeRangeHeap for container/heap
}

// New returns an HPD for the huge page starting at base, entirely free.
func New(base extent.Addr, epoch uint64) *HPD {
	return &HPD{
		Base:      base,
		Epoch:     epoch,
		longest:   pagesInHugePage,
		heapIndex: -1,
	}
}

// Full reports whether every page is reserved.
func (h *HPD) Full() bool { return h.longest == 0 }

// Empty reports whether no page is reserved.
func (h *HPD) Empty() bool { return h.used == 0 }

// LongestFreeRange returns the longest contiguous run of free pages.
func (h *HPD) LongestFreeRange() uint32 { return h.longest }

// UsedPages returns the number of currently reserved pages.
func (h *HPD) UsedPages() uint32 { return h.used }

func (h *HPD) bitSet(i uint32) bool {
	return h.reserved[i/64]&(1<<(i%64)) != 0
}

func (h *HPD) setBit(i uint32) {
	h.reserved[i/64] |= 1 << (i % 64)
}

func (h *HPD) clearBit(i uint32) {
	h.reserved[i/64] &^= 1 << (i % 64)
}

// recompute scans the bitmap and updates longest. Pages is bounded at 512
// so a linear scan is cheap and exact (invariant (d) in spec §3).
func (h *HPD) recompute() {
	var best, run uint32
	for i := uint32(0); i < pagesInHugePage; i++ {
		if h.bitSet(i) {
			run = 0
			continue
		}
		run++
		if run > best {
			best = run
		}
	}
	h.longest = best
}

// Find returns the page offset of the first free run of at least pages
// contiguous pages, or ok=false if none exists.
func (h *HPD) Find(pages uint32) (offset uint32, ok bool) {
	var run, start uint32
	inRun := false
	for i := uint32(0); i < pagesInHugePage; i++ {
		if h.bitSet(i) {
			run = 0
			inRun = false
			continue
		}
		if !inRun {
			start = i
			inRun = true
		}
		run++
		if run >= pages {
			return start, true
		}
	}
	return 0, false
}

// Reserve marks [offset, offset+pages) used. Callers must have already
// confirmed the range is free (e.g. via Find).
func (h *HPD) Reserve(offset, pages uint32) {
	for i := offset; i < offset+pages; i++ {
		if h.bitSet(i) {
			panic("hpd: reserve overlaps an already-reserved page")
		}
		h.setBit(i)
	}
	h.used += pages
	h.recompute()
}

// Release marks [offset, offset+pages) free.
func (h *HPD) Release(offset, pages uint32) {
	for i := offset; i < offset+pages; i++ {
		if !h.bitSet(i) {
			panic("hpd: release of an already-free page")
		}
		h.clearBit(i)
	}
	h.used -= pages
	h.recompute()
}

// ExtendUp attempts to reserve delta additional pages immediately
// following an already-reserved range ending at endOffset (exclusive). It
// is the primitive behind the arena's grow-large path.
func (h *HPD) ExtendUp(endOffset, delta uint32) bool {
	if endOffset+delta > pagesInHugePage {
		return false
	}
	for i := endOffset; i < endOffset+delta; i++ {
		if h.bitSet(i) {
			return false
		}
	}
	h.Reserve(endOffset, delta)
	return true
}

// FreeSpaceClass buckets a page count onto a log-scale class: the smallest
// c such that 2^c >= pages. It is monotonic non-decreasing in pages, which
// is all the arena's best-fit search (see arena.reserveHPD) relies on —
// candidates are re-checked against the real bitmap before being trusted,
// so any bucketing slack only costs a possibly-suboptimal pick, never
// correctness.
func FreeSpaceClass(pages uint32) int {
	if pages <= 1 {
		return 0
	}
	return bits.Len32(pages - 1)
}

// NumFreeSpaceClasses is the number of distinct FreeSpaceClass buckets a
// single huge page's longest free range can land in.
const NumFreeSpaceClasses = 10 // bits.Len32(PagesInHugePage-1) + 1
