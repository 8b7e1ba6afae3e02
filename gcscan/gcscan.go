// Package gcscan is a deliberately minimal stand-in for the tracing
// garbage-collector pass spec §1 and §9 name as an external collaborator:
// "the source's collect() garbage-collection pass is stubbed; scanning and
// marking are out of scope here." The core only has to expose a lookup
// primitive for a real collector to build root-enumeration and marking on
// top of; this package is that primitive plus the bookkeeping a collector
// would need to decide whether an extent is worth tracing at all
// (IsSlab/ContainsPointers), nothing more.
package gcscan

import (
	"github.com/shenjiangwei/coreheap/arena"
	"github.com/shenjiangwei/coreheap/emap"
	"github.com/shenjiangwei/coreheap/extent"
)

// Lookup resolves addr to the descriptor for the page it falls in,
// exactly as a collector's pointer-scan step would to decide whether a
// candidate root or interior pointer lands inside a live allocation.
type Lookup interface {
	Lookup(addr extent.Addr) emap.PageDescriptor
}

// ArenaSet resolves a page descriptor's arena index back to the arena
// that owns it, so a scan can reach the extent the descriptor names.
type ArenaSet interface {
	ArenaAt(index int) (*arena.Arena, bool)
}

// Scanner is the inert, stubbed collector surface: it can answer "does
// this address point into a live allocation, and if so which extent and
// does that arena hold pointers," but performs no root enumeration, no
// marking, and no sweeping of its own.
type Scanner struct {
	lookup Lookup
	arenas ArenaSet
}

// New returns a Scanner over the given emap-lookup and arena-resolution
// collaborators.
func New(lookup Lookup, arenas ArenaSet) *Scanner {
	return &Scanner{lookup: lookup, arenas: arenas}
}

// Classification describes what a scanned address resolves to.
type Classification struct {
	Live             bool
	ArenaIndex       int
	ExtentIndex      int
	ContainsPointers bool
	IsSlab           bool
}

// Scan classifies addr: whether it lands inside a live allocation and, if
// so, which arena/extent owns it and whether that arena's allocations may
// themselves hold pointers (so a real collector would need to recurse
// into it). It never marks or frees anything — per spec §9, scanning and
// marking are explicitly out of scope for this core.
func (s *Scanner) Scan(addr extent.Addr) Classification {
	pd := s.lookup.Lookup(addr)
	if !pd.Valid() {
		return Classification{}
	}
	a, ok := s.arenas.ArenaAt(pd.ArenaIndex())
	if !ok {
		return Classification{}
	}
	return Classification{
		Live:             true,
		ArenaIndex:       pd.ArenaIndex(),
		ExtentIndex:      pd.ExtentIndex(),
		ContainsPointers: a.ContainsPointers,
		IsSlab:           pd.IsSlab(),
	}
}
