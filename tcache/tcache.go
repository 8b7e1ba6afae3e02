// Package tcache implements the thread-cache front end (spec §4.6): the
// thin, C-ABI-shaped entry point a language runtime calls into —
// alloc/alloc_appendable/free/destroy/realloc/get_capacity/extend — that
// picks an arena by `(cpu_id << 1) | contains_pointers` for fresh
// allocations and by emap lookup for everything that already has a
// pointer.
//
// Grounded on the teacher's mpool.MemoryPool: a thin struct wrapping the
// core allocator, tracking its own stats, exposing the same handful of
// verbs. Unlike mpool's fixed size-banded pre-allocation, arenas here are
// constructed lazily on first touch per spec §3's Lifecycles ("created
// once per (cpu_id, pointerness) pair on first touch, under a one-time
// init mutex").
package tcache

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/shenjiangwei/coreheap/arena"
	"github.com/shenjiangwei/coreheap/emap"
	"github.com/shenjiangwei/coreheap/extent"
	"github.com/shenjiangwei/coreheap/metaslot"
	"github.com/shenjiangwei/coreheap/region"
	"github.com/shenjiangwei/coreheap/sizeclass"
)

// Finalizer is run by Destroy for an appendable allocation that registered
// one.
type Finalizer = metaslot.Finalizer

// Stats mirrors the teacher's PoolStats shape: simple running counters a
// caller can sample for observability, not used for any allocation
// decision.
type Stats struct {
	Allocs   uint64
	Frees    uint64
	Destroys uint64
	Reallocs uint64
}

// TCache is the process-wide thread-cache front end. It owns the shared
// emap and finalizer table, and lazily constructs one arena per
// (cpu, pointerness) pair. It does not own per-thread state beyond that —
// spec §4.6: "does not own state beyond a cached emap handle."
type TCache struct {
	provider   region.Provider
	emap       *emap.Map
	finalizers *metaslot.Finalizers
	cpuID      func() int
	numCPU     int

	initMu sync.Mutex // one-time init mutex, spec §5
	arenas []*arena.Arena

	stats Stats
}

// New returns a TCache backed by provider. cpuID, if nil, defaults to a
// round-robin approximation of "current CPU" — Go exposes no portable
// getcpu(2) equivalent, so this is policy the front end owns, per spec
// §4.6 and DESIGN.md.
func New(provider region.Provider, cpuID func() int) *TCache {
	n := runtime.NumCPU()
	if cpuID == nil {
		cpuID = roundRobinCPU(n)
	}
	return &TCache{
		provider:   provider,
		emap:       emap.New(),
		finalizers: metaslot.NewFinalizers(),
		cpuID:      cpuID,
		numCPU:     n,
		arenas:     make([]*arena.Arena, n*2),
	}
}

// roundRobinCPU returns a cpuID function that cycles through [0, n) on
// every call, approximating per-call CPU affinity without a real
// getcpu(2) binding.
func roundRobinCPU(n int) func() int {
	var counter uint64
	return func() int {
		if n <= 0 {
			return 0
		}
		return int(atomic.AddUint64(&counter, 1) % uint64(n))
	}
}

// Stats returns a snapshot of the running counters.
func (t *TCache) Stats() Stats {
	return Stats{
		Allocs:   atomic.LoadUint64(&t.stats.Allocs),
		Frees:    atomic.LoadUint64(&t.stats.Frees),
		Destroys: atomic.LoadUint64(&t.stats.Destroys),
		Reallocs: atomic.LoadUint64(&t.stats.Reallocs),
	}
}

func (t *TCache) arenaIndex(containsPointers bool) int {
	idx := (t.cpuID() % t.numCPU) << 1
	if containsPointers {
		idx |= 1
	}
	return idx
}

// arenaFor returns the arena for this (cpu, pointerness) slot, constructing
// it under the one-time init mutex if this is the first touch.
func (t *TCache) arenaFor(containsPointers bool) *arena.Arena {
	idx := t.arenaIndex(containsPointers)

	t.initMu.Lock()
	defer t.initMu.Unlock()
	if t.arenas[idx] == nil {
		t.arenas[idx] = arena.New(idx, containsPointers, t.provider, t.emap)
		Debug("tcache: constructed arena %d (containsPointers=%v)", idx, containsPointers)
	}
	return t.arenas[idx]
}

func (t *TCache) arenaAt(idx int) *arena.Arena {
	t.initMu.Lock()
	defer t.initMu.Unlock()
	if idx < 0 || idx >= len(t.arenas) {
		return nil
	}
	return t.arenas[idx]
}

// ArenaAt exposes arena resolution by index for external collaborators
// that only need a lookup primitive against the core — the tracing
// garbage-collector pass spec §1 treats as out of scope (see package
// gcscan).
func (t *TCache) ArenaAt(index int) (*arena.Arena, bool) {
	a := t.arenaAt(index)
	return a, a != nil
}

// Emap exposes the shared page-to-descriptor map, the "cached emap
// handle" spec §4.6 says the front end carries.
func (t *TCache) Emap() *emap.Map {
	return t.emap
}

// Alloc implements the alloc(size, contains_pointers, zero) entry point.
func (t *TCache) Alloc(size uint64, containsPointers, zero bool) (extent.Addr, bool) {
	if size == 0 || size > sizeclass.MaxAllocationSize {
		return 0, false
	}
	a := t.arenaFor(containsPointers)

	var (
		ptr extent.Addr
		ok  bool
	)
	if sizeclass.IsSmall(size) {
		class, found := sizeclass.ClassForSize(size)
		if !found {
			return 0, false
		}
		ptr, ok = a.AllocSmall(class, zero)
	} else {
		ptr, ok = a.AllocLarge(size, zero)
	}
	if ok {
		atomic.AddUint64(&t.stats.Allocs, 1)
	} else {
		Error("tcache: alloc(%d) failed, arena %d out of memory", size, a.Index)
	}
	return ptr, ok
}

// AllocAppendable implements alloc_appendable(size, contains_pointers,
// zero, finalizer): like Alloc, but records usedCapacity = size and
// (if non-nil) a finalizer, choosing a size class large enough to carry
// the metadata for the small path (spec §4.5).
func (t *TCache) AllocAppendable(size uint64, containsPointers, zero bool, finalizer Finalizer) (extent.Addr, bool) {
	if size == 0 || size > sizeclass.MaxAllocationSize {
		return 0, false
	}
	a := t.arenaFor(containsPointers)

	if class, ok := metaslot.ChooseAppendableClass(size, finalizer != nil); ok {
		ptr, ok := a.AllocSmall(class, zero)
		if !ok {
			Error("tcache: alloc_appendable(%d) failed, arena %d out of memory", size, a.Index)
			return 0, false
		}
		slot := t.provider.Bytes(ptr, class.ItemSize)
		metaslot.Write(slot, class.ItemSize, size, finalizer != nil)
		if finalizer != nil {
			t.finalizers.Set(ptr, finalizer)
		}
		atomic.AddUint64(&t.stats.Allocs, 1)
		return ptr, true
	}

	ptr, ok := a.AllocLarge(size, zero)
	if !ok {
		Error("tcache: alloc_appendable(%d) failed, arena %d out of memory", size, a.Index)
		return 0, false
	}
	if finalizer != nil {
		pd := a.Lookup(ptr)
		e, _ := a.ExtentAt(pd.ExtentIndex())
		e.SetFinalizer(extent.Finalizer(finalizer))
	}
	atomic.AddUint64(&t.stats.Allocs, 1)
	return ptr, true
}

// slabSlot resolves ptr (which may be any address inside a slab slot, per
// the free() contract) back to its slot's base address and size class.
func (t *TCache) slabSlot(a *arena.Arena, pd emap.PageDescriptor, ptr extent.Addr) (base extent.Addr, class *sizeclass.SmallClass, ok bool) {
	e, found := a.ExtentAt(pd.ExtentIndex())
	if !found || !e.Contains(ptr) {
		return 0, nil, false
	}
	class = &sizeclass.Small[pd.SizeClass()]
	offset := uint64(ptr - e.Base)
	slotIdx := class.SlotIndex(offset)
	return e.SlotAddr(uint32(slotIdx)), class, true
}

// clearSlabMetadata erases any appendable length-field left in a slab
// slot before it is freed, so a subsequent plain Alloc reusing the slot
// does not leave stale metadata a later get_capacity/extend could
// misread (metaslot.Clear's doc comment).
func (t *TCache) clearSlabMetadata(slotBase extent.Addr, class *sizeclass.SmallClass) {
	hasFinalizer := t.finalizers.Has(slotBase)
	slot := t.provider.Bytes(slotBase, class.ItemSize)
	if _, ok := metaslot.Read(slot, class.ItemSize, hasFinalizer); ok {
		metaslot.Clear(slot, class.ItemSize, hasFinalizer)
	}
}

// Free implements free(ptr): a no-op for the null pointer, otherwise
// routes to the owning arena by emap lookup.
func (t *TCache) Free(ptr extent.Addr) bool {
	if ptr == 0 {
		return true
	}
	pd := t.emap.Lookup(ptr)
	if !pd.Valid() {
		return false
	}
	a := t.arenaAt(pd.ArenaIndex())
	if a == nil {
		return false
	}

	if pd.IsSlab() {
		if slotBase, class, ok := t.slabSlot(a, pd, ptr); ok {
			t.clearSlabMetadata(slotBase, class)
		}
	}

	ok := a.Free(ptr)
	if ok {
		atomic.AddUint64(&t.stats.Frees, 1)
	}
	return ok
}

// Destroy implements destroy(ptr): runs any registered finalizer with the
// allocation's recorded used capacity, then frees it (spec §8 scenario
// S7). ptr must be the exact base returned by alloc/alloc_appendable.
func (t *TCache) Destroy(ptr extent.Addr) bool {
	if ptr == 0 {
		return true
	}
	pd := t.emap.Lookup(ptr)
	if !pd.Valid() {
		return false
	}
	a := t.arenaAt(pd.ArenaIndex())
	if a == nil {
		return false
	}

	if pd.IsSlab() {
		class := &sizeclass.Small[pd.SizeClass()]
		hadFinalizer := t.finalizers.Has(ptr)
		slot := t.provider.Bytes(ptr, class.ItemSize)
		used, hasInfo := metaslot.Read(slot, class.ItemSize, hadFinalizer)
		if !hasInfo {
			used = class.ItemSize
		}
		metaslot.Clear(slot, class.ItemSize, hadFinalizer)
		if fn, ok := t.finalizers.Take(ptr); ok {
			fn(ptr, used)
		}
	} else {
		e, found := a.ExtentAt(pd.ExtentIndex())
		if found {
			if fn := e.GetFinalizer(); fn != nil {
				fn(ptr, e.UsedCapacity())
				e.SetFinalizer(nil)
			}
		}
	}

	ok := a.Free(ptr)
	if ok {
		atomic.AddUint64(&t.stats.Destroys, 1)
	}
	return ok
}

// Realloc implements realloc(ptr, size, contains_pointers). size == 0
// frees; ptr == 0 allocs; otherwise it preserves min(size, old used
// capacity) bytes, in place when the request fits the existing slot
// (small, same class) or the existing page run (large, same page count or
// growable), and via alloc+copy+free otherwise.
func (t *TCache) Realloc(ptr extent.Addr, size uint64, containsPointers bool) (extent.Addr, bool) {
	if size == 0 {
		t.Free(ptr)
		return 0, true
	}
	if ptr == 0 {
		return t.Alloc(size, containsPointers, false)
	}

	pd := t.emap.Lookup(ptr)
	if !pd.Valid() {
		return 0, false
	}
	a := t.arenaAt(pd.ArenaIndex())
	if a == nil {
		return 0, false
	}

	defer func() {
		atomic.AddUint64(&t.stats.Reallocs, 1)
	}()

	if pd.IsSlab() {
		return t.reallocSmall(a, pd, ptr, size, containsPointers)
	}
	return t.reallocLarge(a, pd, ptr, size, containsPointers)
}

func (t *TCache) reallocSmall(a *arena.Arena, pd emap.PageDescriptor, ptr extent.Addr, size uint64, containsPointers bool) (extent.Addr, bool) {
	class := &sizeclass.Small[pd.SizeClass()]
	hasFinalizer := t.finalizers.Has(ptr)
	slot := t.provider.Bytes(ptr, class.ItemSize)
	oldUsed, hasInfo := metaslot.Read(slot, class.ItemSize, hasFinalizer)
	if !hasInfo {
		oldUsed = class.ItemSize
	}

	if newClass, ok := sizeclass.ClassForSize(size); ok && newClass.Index == class.Index {
		if hasInfo {
			metaslot.Write(slot, class.ItemSize, size, hasFinalizer)
		}
		return ptr, true
	}

	newPtr, ok := t.Alloc(size, containsPointers, false)
	if !ok {
		return 0, false
	}
	n := oldUsed
	if size < n {
		n = size
	}
	if n > 0 {
		copy(t.provider.Bytes(newPtr, n), t.provider.Bytes(ptr, n))
	}
	if fn, took := t.finalizers.Take(ptr); took {
		t.finalizers.Set(newPtr, fn)
	}
	t.Free(ptr)
	return newPtr, true
}

func (t *TCache) reallocLarge(a *arena.Arena, pd emap.PageDescriptor, ptr extent.Addr, size uint64, containsPointers bool) (extent.Addr, bool) {
	e, found := a.ExtentAt(pd.ExtentIndex())
	if !found {
		return 0, false
	}
	oldUsed := e.UsedCapacity()

	if !sizeclass.IsSmall(size) {
		newPages := sizeclass.LargePages(size)
		oldPages := e.Size / sizeclass.PageSize
		if newPages == oldPages {
			e.SetUsedCapacity(size)
			return ptr, true
		}
		if a.ResizeLarge(e, pd.ExtentIndex(), size) {
			e.SetUsedCapacity(size)
			return ptr, true
		}
	}

	newPtr, ok := t.Alloc(size, containsPointers, false)
	if !ok {
		return 0, false
	}
	n := oldUsed
	if size < n {
		n = size
	}
	if n > 0 {
		copy(t.provider.Bytes(newPtr, n), t.provider.Bytes(ptr, n))
	}
	if fn := e.GetFinalizer(); fn != nil {
		newPd := a.Lookup(newPtr)
		if newE, ok := a.ExtentAt(newPd.ExtentIndex()); ok {
			newE.SetFinalizer(fn)
		}
		e.SetFinalizer(nil)
	}
	t.Free(ptr)
	return newPtr, true
}

// GetCapacity implements get_capacity(slice): ptr is the allocation's
// base address and sliceBegin/sliceEnd are byte offsets from it (spec §8's
// p[begin..end] notation). Returns 0 unless sliceEnd equals the recorded
// used capacity, or ptr is unknown to the allocator.
func (t *TCache) GetCapacity(ptr extent.Addr, sliceBegin, sliceEnd uint64) uint64 {
	pd := t.emap.Lookup(ptr)
	if !pd.Valid() {
		return 0
	}
	a := t.arenaAt(pd.ArenaIndex())
	if a == nil {
		return 0
	}

	if pd.IsSlab() {
		class := &sizeclass.Small[pd.SizeClass()]
		slot := t.provider.Bytes(ptr, class.ItemSize)
		return metaslot.GetCapacity(class.ItemSize, slot, t.finalizers.Has(ptr), sliceBegin, sliceEnd)
	}

	e, found := a.ExtentAt(pd.ExtentIndex())
	if !found {
		return 0
	}
	used := e.UsedCapacity()
	if used == 0 || sliceEnd != used {
		return 0
	}
	return e.Size - sliceBegin
}

// Extend implements extend(slice, delta): succeeds only if slice passes
// the same predicate as GetCapacity and there is room, possibly via an
// in-place large grow.
func (t *TCache) Extend(ptr extent.Addr, sliceEnd, delta uint64) (newUsed uint64, ok bool) {
	pd := t.emap.Lookup(ptr)
	if !pd.Valid() {
		return 0, false
	}
	a := t.arenaAt(pd.ArenaIndex())
	if a == nil {
		return 0, false
	}

	if pd.IsSlab() {
		class := &sizeclass.Small[pd.SizeClass()]
		slot := t.provider.Bytes(ptr, class.ItemSize)
		return metaslot.Extend(class.ItemSize, slot, t.finalizers.Has(ptr), sliceEnd, delta)
	}

	e, found := a.ExtentAt(pd.ExtentIndex())
	if !found {
		return 0, false
	}
	used := e.UsedCapacity()
	if used == 0 || sliceEnd != used {
		return used, false
	}
	target := used + delta
	if target <= e.Size {
		e.SetUsedCapacity(target)
		return target, true
	}
	if a.ResizeLarge(e, pd.ExtentIndex(), target) {
		e.SetUsedCapacity(target)
		return target, true
	}
	return used, false
}
