//go:build linux || freebsd

package region

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/shenjiangwei/coreheap/extent"
	"github.com/shenjiangwei/coreheap/sizeclass"
)

// Mmap is the production Provider: it satisfies Acquire/Release with real
// anonymous mappings via golang.org/x/sys/unix, the way
// joshuapare/hivekit's hive/dirty/flush_unix.go reaches for unix.Msync —
// here for Mmap/Munmap/Madvise instead. Each region is a single mapping of
// exactly hugePages*HugePageSize bytes at whatever address mmap returns:
// page-aligned, not aligned to a huge-page boundary.
type Mmap struct {
	mu       sync.Mutex
	mappings map[extent.Addr][]byte
}

// NewMmap returns a production region provider backed by anonymous mmap.
func NewMmap() *Mmap {
	return &Mmap{mappings: make(map[extent.Addr][]byte)}
}

func (m *Mmap) Acquire(hugePages int) (extent.Addr, bool) {
	size := hugePages * sizeclass.HugePageSize

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		Error("mmap region: Mmap(%d bytes) failed: %v", size, err)
		return 0, false
	}

	// Best-effort: ask the kernel to back this mapping with real huge
	// pages where it can. Failure here is not fatal — the mapping is
	// already usable as ordinary pages.
	if err := unix.Madvise(data, unix.MADV_HUGEPAGE); err != nil {
		Debug("mmap region: MADV_HUGEPAGE not honored: %v", err)
	}

	base := extent.Addr(uintptr(unsafe.Pointer(&data[0])))

	m.mu.Lock()
	m.mappings[base] = data
	m.mu.Unlock()

	Debug("mmap region: acquired %d huge pages at %#x", hugePages, uint64(base))
	return base, true
}

func (m *Mmap) Release(base extent.Addr, hugePages int) {
	m.mu.Lock()
	data, ok := m.mappings[base]
	if ok {
		delete(m.mappings, base)
	}
	m.mu.Unlock()

	if !ok {
		Error("mmap region: release of unmapped base %#x", uint64(base))
		return
	}
	if err := unix.Munmap(data); err != nil {
		Error("mmap region: Munmap(%#x) failed: %v", uint64(base), err)
	}
}

func (m *Mmap) Bytes(addr extent.Addr, length uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	for base, data := range m.mappings {
		end := base + extent.Addr(len(data))
		if addr >= base && addr+extent.Addr(length) <= end {
			off := uint64(addr - base)
			return data[off : off+length]
		}
	}
	panic(ErrOutOfRange)
}
