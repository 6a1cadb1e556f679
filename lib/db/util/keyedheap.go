package util

import "container/heap"

// KeyedHeap is a min-heap of keys ordered by a uint64 priority that also
// supports lookup and removal by key. It is not safe for concurrent use.
type KeyedHeap[K comparable] struct {
	entries heapEntries[K]
	pos     map[K]*heapEntry[K]
}

type heapEntry[K comparable] struct {
	key      K
	priority uint64
	index    int
}

// heapEntries implements heap.Interface
type heapEntries[K comparable] []*heapEntry[K]

func (h heapEntries[K]) Len() int           { return len(h) }
func (h heapEntries[K]) Less(i, j int) bool { return h[i].priority < h[j].priority }
func (h heapEntries[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *heapEntries[K]) Push(x any) {
	e := x.(*heapEntry[K])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *heapEntries[K]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// NewKeyedHeap creates an empty heap
func NewKeyedHeap[K comparable]() *KeyedHeap[K] {
	return &KeyedHeap[K]{pos: make(map[K]*heapEntry[K])}
}

// Len returns the number of keys in the heap
func (h *KeyedHeap[K]) Len() int { return len(h.entries) }

// Set inserts key or moves it to a new priority
func (h *KeyedHeap[K]) Set(key K, priority uint64) {
	if e, ok := h.pos[key]; ok {
		e.priority = priority
		heap.Fix(&h.entries, e.index)
		return
	}
	e := &heapEntry[K]{key: key, priority: priority}
	h.pos[key] = e
	heap.Push(&h.entries, e)
}

// Min returns the key with the lowest priority without removing it
func (h *KeyedHeap[K]) Min() (K, uint64, bool) {
	if len(h.entries) == 0 {
		var zero K
		return zero, 0, false
	}
	e := h.entries[0]
	return e.key, e.priority, true
}

// PopMin removes and returns the key with the lowest priority
func (h *KeyedHeap[K]) PopMin() (K, uint64, bool) {
	if len(h.entries) == 0 {
		var zero K
		return zero, 0, false
	}
	e := heap.Pop(&h.entries).(*heapEntry[K])
	delete(h.pos, e.key)
	return e.key, e.priority, true
}

// Remove deletes key and returns its priority
func (h *KeyedHeap[K]) Remove(key K) (uint64, bool) {
	e, ok := h.pos[key]
	if !ok {
		return 0, false
	}
	heap.Remove(&h.entries, e.index)
	delete(h.pos, key)
	return e.priority, true
}

// Priority returns the priority of key
func (h *KeyedHeap[K]) Priority(key K) (uint64, bool) {
	e, ok := h.pos[key]
	if !ok {
		return 0, false
	}
	return e.priority, true
}
