// Package emap implements the page-to-descriptor map: a concurrent,
// two-level radix trie from page-aligned address to PageDescriptor.
// Reads are lock-free; writes that need to allocate a leaf table take an
// internal mutex, as spec §4.4/§5 require.
//
// Grounded on the Go runtime's own two-level arena map
// (CongLeSolutionX-go_community/src/runtime/mheap.go's
// `arenas [1<<L1Bits]*[1<<L2Bits]*heapArena`) and the "tiered summary ...
// effectively a radix tree" description in mpagealloc.go.
package emap

import (
	"sync"
	"sync/atomic"

	"github.com/shenjiangwei/coreheap/extent"
)

const (
	// AddressBits is the effective user address space width the trie
	// covers (spec §6: "48-bit effective user address space").
	AddressBits = 48
	pageShift   = 12 // log2(sizeclass.PageSize)
	pageBits    = AddressBits - pageShift

	rootBits = 18
	leafBits = pageBits - rootBits

	rootSize = 1 << rootBits
	leafSize = 1 << leafBits
)

type leaf struct {
	words [leafSize]atomic.Uint64
}

// Map is the page-to-descriptor radix trie.
type Map struct {
	mu   sync.Mutex // guards leaf-table allocation only
	root []atomic.Pointer[leaf]
}

// New returns an empty Map.
func New() *Map {
	return &Map{root: make([]atomic.Pointer[leaf], rootSize)}
}

func split(addr extent.Addr) (rootIdx, leafIdx uint64) {
	page := uint64(addr) >> pageShift
	return page >> leafBits, page & (leafSize - 1)
}

// Lookup rounds addr down to page granularity and returns its stored
// descriptor, or Empty if addr is unmapped.
func (m *Map) Lookup(addr extent.Addr) PageDescriptor {
	rootIdx, leafIdx := split(addr)
	l := m.root[rootIdx].Load()
	if l == nil {
		return Empty
	}
	return PageDescriptor(l.words[leafIdx].Load())
}

func (m *Map) leafFor(rootIdx uint64) (l *leaf, ok bool) {
	if l := m.root[rootIdx].Load(); l != nil {
		return l, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.root[rootIdx].Load(); l != nil {
		return l, true
	}
	l, allocated := allocLeaf()
	if !allocated {
		return nil, false
	}
	m.root[rootIdx].Store(l)
	return l, true
}

// allocLeaf allocates a leaf table, recovering from a runtime out-of-memory
// panic so Map can report failure through its return value instead of
// crashing the process, per spec §4.4's "returns false on allocation
// failure inside the trie".
func allocLeaf() (l *leaf, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return &leaf{}, true
}

// Map sets the descriptors for pageCount pages starting at base. The
// descriptor stored for page i is startingPD.Next(i). Returns false if a
// leaf table could not be allocated.
func (m *Map) Map(base extent.Addr, pageCount uint32, startingPD PageDescriptor) bool {
	startPage := uint64(base) >> pageShift
	for i := uint32(0); i < pageCount; i++ {
		page := startPage + uint64(i)
		rootIdx, leafIdx := page>>leafBits, page&(leafSize-1)
		l, ok := m.leafFor(rootIdx)
		if !ok {
			// Roll back whatever this call already wrote so a partial
			// failure doesn't leave stale descriptors behind.
			m.clearRange(base, i)
			return false
		}
		l.words[leafIdx].Store(uint64(startingPD.Next(i)))
	}
	return true
}

// Clear resets pageCount descriptors starting at base back to Empty.
func (m *Map) Clear(base extent.Addr, pageCount uint32) {
	m.clearRange(base, pageCount)
}

func (m *Map) clearRange(base extent.Addr, pageCount uint32) {
	startPage := uint64(base) >> pageShift
	for i := uint32(0); i < pageCount; i++ {
		page := startPage + uint64(i)
		rootIdx, leafIdx := page>>leafBits, page&(leafSize-1)
		l := m.root[rootIdx].Load()
		if l == nil {
			continue
		}
		l.words[leafIdx].Store(uint64(Empty))
	}
}

// Remap is sugar over Map, deriving the page count and starting descriptor
// from e itself.
func (m *Map) Remap(e *extent.Extent, arenaIndex, extentIndex int, pageSize uint64) bool {
	sizeClass := 0
	if e.IsSlab() {
		sizeClass = e.SizeClass()
	}
	pd := NewPageDescriptor(arenaIndex, extentIndex, e.IsSlab(), sizeClass)
	pages := uint32(e.Size / pageSize)
	return m.Map(e.Base, pages, pd)
}
