package region

import (
	"sync"

	"github.com/shenjiangwei/coreheap/extent"
	"github.com/shenjiangwei/coreheap/sizeclass"
)

// Simulated is an in-process Provider backed by plain Go byte slices. It
// never fails for lack of OS resources (only when a caller-supplied cap is
// exhausted), which makes allocator unit tests deterministic and portable,
// and it gives zeroing/copy/metadata code a real []byte to operate on —
// the same role bnclabs/gostore's cgo-malloc-backed mem_pool.go plays for
// that project's arena, minus the cgo dependency.
type Simulated struct {
	mu       sync.Mutex
	next     extent.Addr
	capBytes uint64 // 0 means unbounded
	used     uint64
	segments []simSegment
	freed    map[uint64][]extent.Addr // size -> recently released bases, LIFO
}

type simSegment struct {
	base extent.Addr
	data []byte
	live bool
}

// NewSimulated returns a Simulated provider. capBytes, if non-zero, bounds
// the total memory it will ever hand out, so tests can exercise the
// allocator's OOM path without actually exhausting host memory. Its
// address space starts one huge page above zero, so no region (and no
// allocation carved from one) ever sits at the null address.
func NewSimulated(capBytes uint64) *Simulated {
	return &Simulated{next: sizeclass.HugePageSize, capBytes: capBytes, freed: make(map[uint64][]extent.Addr)}
}

// Acquire prefers handing back a same-size region this provider recently
// released over growing its backing store, the way a real anonymous-mmap
// allocator commonly recycles virtual address ranges through a free list.
// This keeps the simulated provider deterministic for round-trip tests
// (spec §8: "alloc(n) again can return the same address") without relying
// on host OS mmap behavior.
func (s *Simulated) Acquire(hugePages int) (extent.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := uint64(hugePages) * sizeclass.HugePageSize
	if s.capBytes != 0 && s.used+size > s.capBytes {
		Error("simulated region: out of memory, requested %d bytes, used %d/%d", size, s.used, s.capBytes)
		return 0, false
	}

	if recycled := s.freed[size]; len(recycled) > 0 {
		base := recycled[len(recycled)-1]
		s.freed[size] = recycled[:len(recycled)-1]
		for i := range s.segments {
			if s.segments[i].base == base {
				s.segments[i].live = true
				break
			}
		}
		s.used += size
		Debug("simulated region: recycled %d huge pages at %d", hugePages, base)
		return base, true
	}

	base := s.next
	s.segments = append(s.segments, simSegment{base: base, data: make([]byte, size), live: true})
	s.next += extent.Addr(size)
	s.used += size
	Debug("simulated region: acquired %d huge pages at %d", hugePages, base)
	return base, true
}

func (s *Simulated) Release(base extent.Addr, hugePages int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, seg := range s.segments {
		if seg.base == base {
			s.used -= uint64(len(seg.data))
			s.segments[i].live = false
			s.freed[uint64(len(seg.data))] = append(s.freed[uint64(len(seg.data))], base)
			Debug("simulated region: released %d huge pages at %d", hugePages, base)
			return
		}
	}
	Error("simulated region: release of unknown base %d", base)
}

func (s *Simulated) Bytes(addr extent.Addr, length uint64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seg := range s.segments {
		if !seg.live {
			continue
		}
		segEnd := seg.base + extent.Addr(len(seg.data))
		if addr >= seg.base && addr+extent.Addr(length) <= segEnd {
			off := uint64(addr - seg.base)
			return seg.data[off : off+length]
		}
	}
	panic(ErrOutOfRange)
}
