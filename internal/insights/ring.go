package insights

// ring is a growable circular buffer. Storage is reused across pushes and
// pops; it only reallocates when full.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 4 {
		capacity = 4
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) Len() int { return r.size }

func (r *ring[T]) PushBack(v T) {
	if r.size == len(r.buf) {
		r.grow()
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
}

func (r *ring[T]) Front() T {
	return r.buf[r.head]
}

func (r *ring[T]) Back() T {
	return r.buf[(r.head+r.size-1)%len(r.buf)]
}

// At returns the i-th element counting from the front.
func (r *ring[T]) At(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring[T]) PopFront() T {
	var zero T
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v
}

func (r *ring[T]) PopBack() T {
	var zero T
	idx := (r.head + r.size - 1) % len(r.buf)
	v := r.buf[idx]
	r.buf[idx] = zero
	r.size--
	return v
}

func (r *ring[T]) grow() {
	next := make([]T, len(r.buf)*2)
	for i := 0; i < r.size; i++ {
		next[i] = r.At(i)
	}
	r.buf = next
	r.head = 0
}
