// Package region is the allocator's external memory-provider collaborator:
// it hands out regions of whole huge pages on demand and reclaims them on
// release. Simulated regions start on huge-page boundaries; Mmap regions
// are only page-aligned (see Mmap). The core (arena, hpd, extent) never talks to the operating
// system directly — it only ever calls through a Provider.
package region

import "github.com/shenjiangwei/coreheap/extent"

// Provider supplies and reclaims memory regions of whole huge pages.
type Provider interface {
	// Acquire hands back the base address of hugePages contiguous huge
	// pages, or ok=false on failure (out of address space / out of
	// memory).
	Acquire(hugePages int) (base extent.Addr, ok bool)

	// Release returns a region previously returned by Acquire. base and
	// hugePages must match a prior Acquire call exactly.
	Release(base extent.Addr, hugePages int)

	// Bytes returns a live, read/write view of length bytes starting at
	// addr, for zeroing, copying, and metadata tail-byte encoding. addr
	// and addr+length must lie entirely within a region currently held
	// from this provider.
	Bytes(addr extent.Addr, length uint64) []byte
}
