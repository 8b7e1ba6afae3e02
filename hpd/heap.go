package hpd

import "container/heap"

// FreeRangeHeap is a container/heap-backed min-heap of HPDs, ordered by
// Epoch so the oldest (most-reused) HPD within a free-space class is
// always the best-fit pick, per spec §4.1's tie-break rule.
type FreeRangeHeap struct {
	items []*HPD
}

var _ heap.Interface = (*FreeRangeHeap)(nil)

func (h *FreeRangeHeap) Len() int { return len(h.items) }

func (h *FreeRangeHeap) Less(i, j int) bool {
	return h.items[i].Epoch < h.items[j].Epoch
}

func (h *FreeRangeHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].heapIndex = i
	h.items[j].heapIndex = j
}

func (h *FreeRangeHeap) Push(x interface{}) {
	item := x.(*HPD)
	item.heapIndex = len(h.items)
	h.items = append(h.items, item)
}

func (h *FreeRangeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIndex = -1
	h.items = old[:n-1]
	return item
}

// PushHPD inserts h into the heap.
func (fh *FreeRangeHeap) PushHPD(h *HPD) {
	heap.Push(fh, h)
}

// PopBest removes and returns the best (oldest) HPD in the heap.
func (fh *FreeRangeHeap) PopBest() *HPD {
	return heap.Pop(fh).(*HPD)
}

// Remove removes h from the heap. h must currently be a member.
func (fh *FreeRangeHeap) Remove(h *HPD) {
	heap.Remove(fh, h.heapIndex)
}

// Empty reports whether the heap has no members.
func (fh *FreeRangeHeap) Empty() bool { return len(fh.items) == 0 }
