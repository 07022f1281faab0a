package session

// ring is a fixed-size ring buffer that keeps the most recent entries.
type ring[T any] struct {
	items []T
	head  int // next write position
	count int // entries written, capped at len(items)
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{items: make([]T, size)}
}

func (r *ring[T]) add(v T) {
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
}

// list returns the entries oldest first.
func (r *ring[T]) list() []T {
	if r.count == 0 {
		return nil
	}
	result := make([]T, r.count)
	if r.count < len(r.items) {
		copy(result, r.items[:r.count])
	} else {
		// Full: head is the oldest entry.
		n := copy(result, r.items[r.head:])
		copy(result[n:], r.items[:r.head])
	}
	return result
}

// maxTrackedSessions bounds how many session ids keep history after they
// have been disposed.
const maxTrackedSessions = 1024
