package session

// Buffer keeps the most recent entries up to a fixed capacity.
type Buffer[T any] struct {
	items []T
	max   int
}

func NewBuffer[T any](max int) *Buffer[T] {
	if max < 1 {
		max = 1
	}
	return &Buffer[T]{max: max}
}

// Add appends v, dropping the oldest entry once the buffer is full.
func (b *Buffer[T]) Add(v T) {
	b.items = append(b.items, v)
	if len(b.items) > b.max {
		b.items = append(b.items[:0], b.items[len(b.items)-b.max:]...)
	}
}

// Items returns a copy, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

// Last returns the newest entry.
func (b *Buffer[T]) Last() (T, bool) {
	var zero T
	if len(b.items) == 0 {
		return zero, false
	}
	return b.items[len(b.items)-1], true
}

func (b *Buffer[T]) Len() int {
	return len(b.items)
}

func (b *Buffer[T]) Clear() {
	b.items = b.items[:0]
}
