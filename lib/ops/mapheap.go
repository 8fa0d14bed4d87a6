// This file provides the priority queue used to schedule time-based
// removals (see ExpireAfter).
//
// The implementation combines a binary heap with a hash map: O(log n) for
// due-time operations (push, pop, reschedule), O(1) for key lookups and
// O(log n) for key-based removal, which is exactly the mix an eviction
// sweeper needs - pop whatever is due next, but drop a schedule immediately
// when its item is removed or rescheduled by hand.
package ops

import "container/heap"

// heapItem is one scheduled key with its due time.
type heapItem[K comparable] struct {
	key   K
	due   int64 // unix nanoseconds
	index int   // position in the heap, maintained by the heap package
}

// mapHeap is a min-heap of due times with key-based access.
// Not safe for concurrent use; callers synchronize externally.
type mapHeap[K comparable] struct {
	items   []*heapItem[K]
	itemMap map[K]*heapItem[K]
}

func newMapHeap[K comparable]() *mapHeap[K] {
	return &mapHeap[K]{
		itemMap: make(map[K]*heapItem[K]),
	}
}

// Len returns the number of scheduled keys (part of heap.Interface).
func (h *mapHeap[K]) Len() int { return len(h.items) }

// Less orders items by due time, earliest first (part of heap.Interface).
func (h *mapHeap[K]) Less(i, j int) bool {
	return h.items[i].due < h.items[j].due
}

// Swap exchanges items at positions i and j (part of heap.Interface).
func (h *mapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push adds an item to the heap (part of heap.Interface).
func (h *mapHeap[K]) Push(x interface{}) {
	item := x.(*heapItem[K])
	item.index = len(h.items)
	h.items = append(h.items, item)
	h.itemMap[item.key] = item
}

// Pop removes and returns the earliest-due item (part of heap.Interface).
func (h *mapHeap[K]) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	h.items = old[:n-1]
	delete(h.itemMap, item.key)
	return item
}

// schedule adds a key or reschedules an existing one.
func (h *mapHeap[K]) schedule(key K, due int64) {
	if item, exists := h.itemMap[key]; exists {
		item.due = due
		heap.Fix(h, item.index)
		return
	}
	heap.Push(h, &heapItem[K]{key: key, due: due})
}

// unschedule removes a key's schedule. Reports whether one existed.
func (h *mapHeap[K]) unschedule(key K) bool {
	item, exists := h.itemMap[key]
	if !exists {
		return false
	}
	heap.Remove(h, item.index)
	return true
}

// peek returns the earliest-due item without removing it.
func (h *mapHeap[K]) peek() (K, int64, bool) {
	if len(h.items) == 0 {
		var zero K
		return zero, 0, false
	}
	return h.items[0].key, h.items[0].due, true
}

// popDue removes and returns all keys due at or before now.
func (h *mapHeap[K]) popDue(now int64) []K {
	var due []K
	for len(h.items) > 0 && h.items[0].due <= now {
		item := heap.Pop(h).(*heapItem[K])
		due = append(due, item.key)
	}
	return due
}

// contains reports whether a key is scheduled.
func (h *mapHeap[K]) contains(key K) bool {
	_, exists := h.itemMap[key]
	return exists
}
