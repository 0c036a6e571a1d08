package queue

// Fifo implements a first-in first-out (FIFO) queue.
//
// Fifo is not safe for concurrent use. Callers that share a Fifo between goroutines
// must guard it with their own lock.
type Fifo[T any] struct {
	elements []T
}

// NewFifo creates a new Fifo with the specified initial capacity and returns a pointer to it.
func NewFifo[T any](initialSize int) *Fifo[T] {
	if initialSize < 0 {
		initialSize = 1
	}

	return &Fifo[T]{
		elements: make([]T, 0, initialSize),
	}
}

// Enqueue adds the specified element to the back of the queue.
func (q *Fifo[T]) Enqueue(elem T) {
	q.elements = append(q.elements, elem)
}

// Dequeue removes and returns the element at the front of the queue.
//
// If the queue is empty, then Dequeue returns the zero value of T and false.
func (q *Fifo[T]) Dequeue() (T, bool) {
	var zero T
	if len(q.elements) == 0 {
		return zero, false
	}

	elem := q.elements[0]
	q.elements[0] = zero
	q.elements = q.elements[1:]

	return elem, true
}

// DequeueN removes and returns up to n elements from the front of the queue, oldest first.
func (q *Fifo[T]) DequeueN(n int) []T {
	if n <= 0 || len(q.elements) == 0 {
		return nil
	}

	if n > len(q.elements) {
		n = len(q.elements)
	}

	removed := make([]T, n)
	copy(removed, q.elements[:n])

	var zero T
	for i := 0; i < n; i++ {
		q.elements[i] = zero
	}
	q.elements = q.elements[n:]

	return removed
}

// Peek returns but does not remove the element at the front of the queue.
//
// If the queue is empty, then Peek returns the zero value of T and false.
func (q *Fifo[T]) Peek() (T, bool) {
	if len(q.elements) == 0 {
		var zero T
		return zero, false
	}

	return q.elements[0], true
}

// Range calls f on each element from front to back until f returns false.
func (q *Fifo[T]) Range(f func(T) bool) {
	for _, elem := range q.elements {
		if !f(elem) {
			return
		}
	}
}

// Drain removes and returns every element in the queue, oldest first.
func (q *Fifo[T]) Drain() []T {
	return q.DequeueN(len(q.elements))
}

// Len returns the number of elements in the queue.
func (q *Fifo[T]) Len() int {
	return len(q.elements)
}
