// Package ring provides a fixed-capacity circular buffer. The analytics
// pipeline keeps most of its state in bounded windows (price history,
// feature vectors, alert audit trails), all backed by this type.
package ring

// Ring holds the most recent Cap() values pushed into it. Older values are
// overwritten in FIFO order. Not safe for concurrent use; every ring is
// owned by exactly one goroutine.
type Ring[T any] struct {
	buf  []T
	head int // next write slot
	full bool
}

// New returns an empty ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest value once the ring is full.
func (r *Ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 {
		r.full = true
	}
}

// Len reports how many values are currently stored.
func (r *Ring[T]) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.head
}

// Cap reports the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Values returns a copy of the stored values, oldest first.
func (r *Ring[T]) Values() []T {
	if !r.full {
		return append([]T(nil), r.buf[:r.head]...)
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	return append(out, r.buf[:r.head]...)
}

// Last returns a copy of the newest n values, oldest first. If fewer than n
// values are stored it returns all of them.
func (r *Ring[T]) Last(n int) []T {
	vals := r.Values()
	if n >= len(vals) {
		return vals
	}
	return vals[len(vals)-n:]
}

// Latest returns the most recently pushed value.
func (r *Ring[T]) Latest() (T, bool) {
	var zero T
	if r.Len() == 0 {
		return zero, false
	}
	idx := (r.head - 1 + len(r.buf)) % len(r.buf)
	return r.buf[idx], true
}

// Clear drops all values and zeroes the backing array so pointer elements
// become collectable.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.full = false
}
