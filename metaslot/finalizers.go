package metaslot

import (
	"sync"

	"github.com/shenjiangwei/coreheap/extent"
)

// Finalizer is a callback run on destroy for an object that was allocated
// with a non-nil finalizer passed to AllocAppendable.
type Finalizer func(addr extent.Addr, usedCapacity uint64)

// Finalizers is an address-keyed table of pending finalizer callbacks for
// small appendable allocations. See the package doc for why this exists
// instead of a raw pointer in the slot's tail bytes.
type Finalizers struct {
	mu    sync.Mutex
	byPtr map[extent.Addr]Finalizer
}

// NewFinalizers returns an empty table.
func NewFinalizers() *Finalizers {
	return &Finalizers{byPtr: make(map[extent.Addr]Finalizer)}
}

// Set records fn as the finalizer for addr, overwriting any previous
// registration.
func (f *Finalizers) Set(addr extent.Addr, fn Finalizer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byPtr[addr] = fn
}

// Take removes and returns the finalizer registered for addr, if any.
func (f *Finalizers) Take(addr extent.Addr) (Finalizer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn, ok := f.byPtr[addr]
	if ok {
		delete(f.byPtr, addr)
	}
	return fn, ok
}

// Has reports whether addr currently has a registered finalizer.
func (f *Finalizers) Has(addr extent.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byPtr[addr]
	return ok
}
