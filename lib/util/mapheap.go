package util

import (
	"container/heap"
	"strconv"
)

// HeapItem is an entry of a MapHeap
type HeapItem[V any] struct {
	Key      uint64 // Unique identifier of the entry
	Priority int64  // Ordering key, smallest first
	Value    V
	index    int // Index in the heap, maintained by the heap package
}

func (i *HeapItem[V]) String() string {
	return "{Key: " + strconv.FormatUint(i.Key, 10) + ", Priority: " + strconv.FormatInt(i.Priority, 10) + "}"
}

// MapHeap is a min-heap that also supports O(1) lookup and O(log n) removal
// by key. It backs deadline scheduling where entries are usually cancelled
// long before they reach the top of the heap.
//
// Not safe for concurrent use.
type MapHeap[V any] struct {
	items itemHeap[V]
	index map[uint64]*HeapItem[V]
}

// NewMapHeap creates an empty heap
func NewMapHeap[V any]() *MapHeap[V] {
	return &MapHeap[V]{
		items: make(itemHeap[V], 0),
		index: make(map[uint64]*HeapItem[V]),
	}
}

// Len returns the number of entries
func (m *MapHeap[V]) Len() int { return len(m.items) }

// Add inserts an entry or updates priority and value of an existing one
func (m *MapHeap[V]) Add(key uint64, priority int64, value V) {
	if it, exists := m.index[key]; exists {
		it.Priority = priority
		it.Value = value
		heap.Fix(&m.items, it.index)
		return
	}

	it := &HeapItem[V]{Key: key, Priority: priority, Value: value}
	heap.Push(&m.items, it)
	m.index[key] = it
}

// RemoveByKey removes the entry with the given key
func (m *MapHeap[V]) RemoveByKey(key uint64) (*HeapItem[V], bool) {
	it, exists := m.index[key]
	if !exists {
		return nil, false
	}
	heap.Remove(&m.items, it.index)
	delete(m.index, key)
	return it, true
}

// Peek returns the entry with the smallest priority without removing it
func (m *MapHeap[V]) Peek() (*HeapItem[V], bool) {
	if len(m.items) == 0 {
		return nil, false
	}
	return m.items[0], true
}

// PopMin removes and returns the entry with the smallest priority
func (m *MapHeap[V]) PopMin() (*HeapItem[V], bool) {
	if len(m.items) == 0 {
		return nil, false
	}
	it := heap.Pop(&m.items).(*HeapItem[V])
	delete(m.index, it.Key)
	return it, true
}

// PopUntil removes and returns all entries with a priority <= limit in priority order
func (m *MapHeap[V]) PopUntil(limit int64) []*HeapItem[V] {
	var out []*HeapItem[V]
	for len(m.items) > 0 && m.items[0].Priority <= limit {
		it, _ := m.PopMin()
		out = append(out, it)
	}
	return out
}

// Contains checks if a key exists
func (m *MapHeap[V]) Contains(key uint64) bool {
	_, exists := m.index[key]
	return exists
}

// GetByKey retrieves an entry by its key without removing it
func (m *MapHeap[V]) GetByKey(key uint64) (*HeapItem[V], bool) {
	it, exists := m.index[key]
	return it, exists
}

// --------------------------------------------------------------------------
// heap.Interface adapter
// --------------------------------------------------------------------------

type itemHeap[V any] []*HeapItem[V]

func (h itemHeap[V]) Len() int           { return len(h) }
func (h itemHeap[V]) Less(i, j int) bool { return h[i].Priority < h[j].Priority }

func (h itemHeap[V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap[V]) Push(x interface{}) {
	it := x.(*HeapItem[V])
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap[V]) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // Avoid memory leak
	it.index = -1
	*h = old[:n-1]
	return it
}
