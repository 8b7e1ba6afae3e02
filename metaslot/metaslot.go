// Package metaslot implements the appendable/finalizable metadata
// protocol (spec §4.5): recording, for a small allocation, an optional
// used-capacity and an optional finalizer, without a per-object header.
//
// The used-capacity is recorded as a "free byte count" (itemSize minus
// used capacity) in the last one or two bytes of the slot itself, exactly
// as spec §4.5 describes. A finalizer's presence reserves the slot's last
// 8 bytes ahead of the length field, but — unlike the spec's literal
// "pointer occupies the last bytes of the slot" — the callback itself
// lives in a side table keyed by address (finalizers.go), because a Go
// func value cannot be reconstructed from raw bytes the way a C function
// pointer can. Capacity/size-class arithmetic (ChooseAppendableClass,
// metadataBytes) still reserves those bytes, so the slot accounting this
// package exposes behaves exactly as if the pointer were stored inline.
package metaslot

import (
	"encoding/binary"

	"github.com/shenjiangwei/coreheap/sizeclass"
)

// finalizerBytes is how many trailing bytes a finalizer reserves, sized
// like a native pointer.
const finalizerBytes = 8

// lengthFieldBytes returns how many bytes the free-byte-count field needs
// to represent any value in [0, itemSize), crossing from one byte to two
// once itemSize reaches 256 — spec §9's "add one extra byte if crossing
// 256" rule.
func lengthFieldBytes(itemSize uint64) uint64 {
	if itemSize >= 256 {
		return 2
	}
	return 1
}

// metadataBytes returns how many trailing bytes of a slot of the given
// itemSize are reserved for the free-byte-count field plus (optionally)
// the finalizer.
func metadataBytes(itemSize uint64, hasFinalizer bool) uint64 {
	n := lengthFieldBytes(itemSize)
	if hasFinalizer {
		n += finalizerBytes
	}
	return n
}

// ChooseAppendableClass returns the smallest small class that can hold
// size bytes of user data plus its own metadata overhead, bumping up a
// class at a time until the metadata fits — re-deriving metadataBytes at
// each candidate since lengthFieldBytes can itself grow as the candidate
// class crosses the 256-byte boundary.
func ChooseAppendableClass(size uint64, hasFinalizer bool) (*sizeclass.SmallClass, bool) {
	first, ok := sizeclass.ClassForSize(size)
	if !ok {
		return nil, false
	}
	for i := first.Index; i < len(sizeclass.Small); i++ {
		cand := &sizeclass.Small[i]
		if size+metadataBytes(cand.ItemSize, hasFinalizer) <= cand.ItemSize {
			return cand, true
		}
	}
	return nil, false
}

// tailOffset returns the offset within a slot of itemSize bytes where the
// free-byte-count field begins.
func tailOffset(itemSize uint64, hasFinalizer bool) uint64 {
	off := itemSize - lengthFieldBytes(itemSize)
	if hasFinalizer {
		off -= finalizerBytes
	}
	return off
}

// Write records usedCapacity into slot's tail bytes. slot must be a
// len(itemSize) view of the physical slot.
func Write(slot []byte, itemSize, usedCapacity uint64, hasFinalizer bool) {
	if usedCapacity > itemSize {
		panic("metaslot: used capacity exceeds item size")
	}
	freeBytes := itemSize - usedCapacity
	raw := freeBytes + 1 // 0 is reserved to mean "no info recorded"
	off := tailOffset(itemSize, hasFinalizer)
	if lengthFieldBytes(itemSize) == 1 {
		slot[off] = byte(raw)
	} else {
		binary.LittleEndian.PutUint16(slot[off:], uint16(raw))
	}
}

// Clear erases the tail metadata, marking the slot as carrying no
// appendable info. Called when a slot is freed so a stale length doesn't
// leak into the next occupant if Alloc (not AllocAppendable) reuses it.
func Clear(slot []byte, itemSize uint64, hasFinalizer bool) {
	off := tailOffset(itemSize, hasFinalizer)
	if lengthFieldBytes(itemSize) == 1 {
		slot[off] = 0
	} else {
		binary.LittleEndian.PutUint16(slot[off:], 0)
	}
}

// Read returns the recorded used capacity and whether any info is
// recorded at all.
func Read(slot []byte, itemSize uint64, hasFinalizer bool) (usedCapacity uint64, ok bool) {
	off := tailOffset(itemSize, hasFinalizer)
	var raw uint64
	if lengthFieldBytes(itemSize) == 1 {
		raw = uint64(slot[off])
	} else {
		raw = uint64(binary.LittleEndian.Uint16(slot[off:]))
	}
	if raw == 0 {
		return 0, false
	}
	freeBytes := raw - 1
	return itemSize - freeBytes, true
}

// GetCapacity implements the get_capacity contract: the number of bytes
// addressable from sliceBegin to the slot's physical end, or 0 unless
// sliceEnd equals the recorded used capacity (the "last-slice-wins"
// invariant, spec §8).
func GetCapacity(itemSize uint64, slot []byte, hasFinalizer bool, sliceBegin, sliceEnd uint64) uint64 {
	used, ok := Read(slot, itemSize, hasFinalizer)
	if !ok || used == 0 || sliceEnd != used {
		return 0
	}
	return itemSize - sliceBegin
}

// Extend implements the extend contract for a small slot: it succeeds
// only if sliceEnd matches the recorded used capacity and the slot has
// room for delta more bytes, in which case it writes the new used
// capacity and returns it.
func Extend(itemSize uint64, slot []byte, hasFinalizer bool, sliceEnd, delta uint64) (newUsed uint64, ok bool) {
	used, have := Read(slot, itemSize, hasFinalizer)
	if !have || used == 0 || sliceEnd != used {
		return used, false
	}
	newUsed = used + delta
	if newUsed > itemSize {
		return used, false
	}
	Write(slot, itemSize, newUsed, hasFinalizer)
	return newUsed, true
}
