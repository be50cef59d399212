// Package ring provides a fixed-capacity circular buffer with a key index.
//
// Slots live in a preallocated array; an index maps each key to its slot.
// Putting a new key into a full buffer overwrites the oldest slot and drops
// that slot's key from the index. Putting an existing key updates it in place
// without changing its age.
package ring

import "iter"

type slot[K comparable, V any] struct {
	key K
	val V
}

// Buffer is not safe for concurrent use; callers hold their own lock.
type Buffer[K comparable, V any] struct {
	slots []slot[K, V]
	index map[K]int
	head  int
	size  int
}

// New returns an empty buffer. Capacity below 1 is treated as 1.
func New[K comparable, V any](capacity int) *Buffer[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[K, V]{
		slots: make([]slot[K, V], capacity),
		index: make(map[K]int, capacity),
	}
}

// Put stores v under key. When a new key displaces the oldest entry, the
// displaced entry is returned with evicted=true.
func (b *Buffer[K, V]) Put(key K, v V) (oldKey K, oldVal V, evicted bool) {
	if pos, ok := b.index[key]; ok {
		b.slots[pos].val = v
		return oldKey, oldVal, false
	}
	var pos int
	if b.size == len(b.slots) {
		pos = b.head
		old := b.slots[pos]
		delete(b.index, old.key)
		oldKey, oldVal, evicted = old.key, old.val, true
		b.head = (b.head + 1) % len(b.slots)
	} else {
		pos = (b.head + b.size) % len(b.slots)
		b.size++
	}
	b.slots[pos] = slot[K, V]{key: key, val: v}
	b.index[key] = pos
	return oldKey, oldVal, evicted
}

// Get returns the value stored under key.
func (b *Buffer[K, V]) Get(key K) (V, bool) {
	pos, ok := b.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return b.slots[pos].val, true
}

// Contains reports whether key is buffered.
func (b *Buffer[K, V]) Contains(key K) bool {
	_, ok := b.index[key]
	return ok
}

// Delete removes key and compacts the remaining entries, preserving order.
// It costs O(capacity).
func (b *Buffer[K, V]) Delete(key K) bool {
	if _, ok := b.index[key]; !ok {
		return false
	}
	kept := make([]slot[K, V], 0, b.size-1)
	for i := 0; i < b.size; i++ {
		s := b.slots[(b.head+i)%len(b.slots)]
		if s.key != key {
			kept = append(kept, s)
		}
	}
	clear(b.slots)
	clear(b.index)
	copy(b.slots, kept)
	for i, s := range kept {
		b.index[s.key] = i
	}
	b.head = 0
	b.size = len(kept)
	return true
}

// Oldest returns the entry that the next overflow would evict.
func (b *Buffer[K, V]) Oldest() (K, V, bool) {
	if b.size == 0 {
		var k K
		var v V
		return k, v, false
	}
	s := b.slots[b.head]
	return s.key, s.val, true
}

// All iterates entries oldest first.
func (b *Buffer[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := 0; i < b.size; i++ {
			s := b.slots[(b.head+i)%len(b.slots)]
			if !yield(s.key, s.val) {
				return
			}
		}
	}
}

// After returns the values newer than key, oldest first. found is false when
// key is not buffered.
func (b *Buffer[K, V]) After(key K) (vals []V, found bool) {
	pos, ok := b.index[key]
	if !ok {
		return nil, false
	}
	offset := (pos - b.head + len(b.slots)) % len(b.slots)
	for i := offset + 1; i < b.size; i++ {
		vals = append(vals, b.slots[(b.head+i)%len(b.slots)].val)
	}
	return vals, true
}

// Values returns all values oldest first.
func (b *Buffer[K, V]) Values() []V {
	out := make([]V, 0, b.size)
	for _, v := range b.All() {
		out = append(out, v)
	}
	return out
}

// Len is the number of buffered entries.
func (b *Buffer[K, V]) Len() int { return b.size }

// Cap is the fixed capacity.
func (b *Buffer[K, V]) Cap() int { return len(b.slots) }

// Reset drops every entry.
func (b *Buffer[K, V]) Reset() {
	clear(b.slots)
	clear(b.index)
	b.head = 0
	b.size = 0
}
