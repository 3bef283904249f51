// Package ring provides a fixed capacity ring buffer
package ring

// Buffer is a ring buffer of values.  When full, each Append overwrites the
// least recent value.  It is not concurrent safe.
type Buffer[T any] struct {
	buf    []T
	cursor int
	filled bool
}

// New creates a buffer holding at most size values
func New[T any](size int) *Buffer[T] {
	b := &Buffer[T]{}
	b.Init(size)
	return b
}

// Init creates a new backing slice and resets the internal state of the buffer.
// It may be called multiple times
func (b *Buffer[T]) Init(size int) {
	if size < 1 {
		size = 1
	}
	b.buf = make([]T, size)
	b.filled = false
	b.cursor = 0
}

// Cap is the capacity of the buffer
func (b *Buffer[T]) Cap() int {
	return len(b.buf)
}

// Len is the number of values held
func (b *Buffer[T]) Len() int {
	if b.filled {
		return len(b.buf)
	}
	return b.cursor
}

// Append adds a value to the buffer
func (b *Buffer[T]) Append(v T) {
	if b.cursor == len(b.buf) {
		b.cursor = 0
		b.filled = true
	}
	b.buf[b.cursor] = v
	b.cursor++
}

// Head gets the most recent addition.  ok is false if the buffer is empty
func (b *Buffer[T]) Head() (v T, ok bool) {
	if b.Len() == 0 {
		return v, false
	}
	return b.buf[b.cursor-1], true
}

// Tail gets the least recent addition.  ok is false if the buffer is empty
func (b *Buffer[T]) Tail() (v T, ok bool) {
	switch {
	case b.Len() == 0:
		return v, false
	case b.filled && b.cursor < len(b.buf):
		return b.buf[b.cursor], true
	default:
		return b.buf[0], true
	}
}

// Contiguous returns a copy of the values in the buffer from least to most recent
func (b *Buffer[T]) Contiguous() []T {
	out := make([]T, 0, b.Len())
	if b.filled {
		out = append(out, b.buf[b.cursor:]...)
	}
	return append(out, b.buf[:b.cursor]...)
}
