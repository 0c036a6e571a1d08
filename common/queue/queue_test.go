package queue_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/kernel-broker/common/queue"
)

var _ = Describe("Fifo Tests", func() {
	It("Will create a new, empty queue correctly", func() {
		q := queue.NewFifo[string](1)
		Expect(q).ToNot(BeNil())
		Expect(q.Len()).To(Equal(0))

		val, ok := q.Dequeue()
		Expect(ok).To(BeFalse())
		Expect(val).To(Equal(""))

		val, ok = q.Peek()
		Expect(ok).To(BeFalse())
		Expect(val).To(Equal(""))
	})

	It("Will dequeue elements in the order in which they were enqueued", func() {
		q := queue.NewFifo[string](1)
		alphabet := "abcdefghijklmnopqrstuvwxyz"

		for i := 0; i < len(alphabet); i++ {
			q.Enqueue(alphabet[i : i+1])
			Expect(q.Len()).To(Equal(i + 1))

			val, ok := q.Peek()
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal("a"))
		}

		for i := 0; i < len(alphabet); i++ {
			Expect(q.Len()).To(Equal(len(alphabet) - i))

			val, ok := q.Dequeue()
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal(alphabet[i : i+1]))
		}

		Expect(q.Len()).To(Equal(0))
	})

	It("Will correctly handle intermingled 'enqueue' and 'dequeue' operations", func() {
		q := queue.NewFifo[string](1)

		q.Enqueue("a")
		q.Enqueue("b")

		val, ok := q.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(val).To(Equal("a"))

		q.Enqueue("c")
		Expect(q.Len()).To(Equal(2))

		val, ok = q.Peek()
		Expect(ok).To(BeTrue())
		Expect(val).To(Equal("b"))

		val, _ = q.Dequeue()
		Expect(val).To(Equal("b"))
		val, _ = q.Dequeue()
		Expect(val).To(Equal("c"))

		_, ok = q.Dequeue()
		Expect(ok).To(BeFalse())
	})

	Context("DequeueN", func() {
		It("Will remove the oldest elements first", func() {
			q := queue.NewFifo[int](4)
			for i := 0; i < 5; i++ {
				q.Enqueue(i)
			}

			removed := q.DequeueN(3)
			Expect(removed).To(Equal([]int{0, 1, 2}))
			Expect(q.Len()).To(Equal(2))

			val, ok := q.Peek()
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal(3))
		})

		It("Will clamp n to the length of the queue", func() {
			q := queue.NewFifo[int](2)
			q.Enqueue(7)
			q.Enqueue(8)

			Expect(q.DequeueN(10)).To(Equal([]int{7, 8}))
			Expect(q.Len()).To(Equal(0))
			Expect(q.DequeueN(1)).To(BeNil())
		})

		It("Will return nil for non-positive n", func() {
			q := queue.NewFifo[int](2)
			q.Enqueue(1)

			Expect(q.DequeueN(0)).To(BeNil())
			Expect(q.DequeueN(-1)).To(BeNil())
			Expect(q.Len()).To(Equal(1))
		})
	})

	It("Will drain every element", func() {
		q := queue.NewFifo[string](2)
		q.Enqueue("x")
		q.Enqueue("y")

		Expect(q.Drain()).To(Equal([]string{"x", "y"}))
		Expect(q.Len()).To(Equal(0))
	})

	It("Will range from front to back and stop early", func() {
		q := queue.NewFifo[int](3)
		q.Enqueue(1)
		q.Enqueue(2)
		q.Enqueue(3)

		seen := make([]int, 0)
		q.Range(func(v int) bool {
			seen = append(seen, v)
			return v < 2
		})

		Expect(seen).To(Equal([]int{1, 2}))
	})
})
