// Package ringbuf provides a fixed-capacity circular buffer.
package ringbuf

// Buffer holds the most recent Cap() values pushed into it.
// When full, pushing evicts the oldest value. Not safe for concurrent use.
type Buffer[T any] struct {
	items []T
	head  int // index of the oldest item
	size  int
}

// New creates a buffer holding at most capacity items.
// A capacity below 1 yields a buffer that retains nothing.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item if the buffer is full.
func (b *Buffer[T]) Push(v T) {
	if len(b.items) == 0 {
		return
	}
	if b.size < len(b.items) {
		b.items[(b.head+b.size)%len(b.items)] = v
		b.size++
		return
	}
	b.items[b.head] = v
	b.head = (b.head + 1) % len(b.items)
}

// Len returns the number of items currently held.
func (b *Buffer[T]) Len() int {
	return b.size
}

// Cap returns the maximum number of items the buffer holds.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Each calls fn for every item from oldest to newest.
func (b *Buffer[T]) Each(fn func(T)) {
	for i := 0; i < b.size; i++ {
		fn(b.items[(b.head+i)%len(b.items)])
	}
}

// Slice returns a copy of the items, oldest first.
func (b *Buffer[T]) Slice() []T {
	out := make([]T, 0, b.size)
	b.Each(func(v T) {
		out = append(out, v)
	})
	return out
}
