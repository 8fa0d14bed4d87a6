// This file provides a lock-free Multi-Producer Single-Consumer (MPSC) queue
// used by stages that decouple upstream publication from downstream
// consumption (see ops.Buffered).
//
// Guarantees:
//
//   - Lock-free writes: any number of goroutines may Push concurrently
//   - Unbounded: the queue grows as needed, limited only by memory
//   - Single consumer: one goroutine drains values via the Recv() channel
//   - Per-producer order: values pushed by one goroutine are received in
//     push order; ordering across concurrent producers is whichever CAS
//     lands first
package stream

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// qnode is a single element of the queue's linked list.
type qnode[T any] struct {
	value T
	next  atomic.Pointer[qnode[T]]
}

// MPSC is a lock-free multi-producer single-consumer queue built on a linked
// list of nodes appended with atomic compare-and-swap.
type MPSC[T any] struct {
	head     atomic.Pointer[qnode[T]]
	tail     atomic.Pointer[qnode[T]]
	out      chan T
	consumer sync.WaitGroup
	closed   atomic.Bool

	// wakes the consumer when it has drained the list and sleeps
	mu   sync.Mutex
	cond *sync.Cond
}

// NewMPSC creates the queue and starts its consumer goroutine.
func NewMPSC[T any]() *MPSC[T] {
	sentinel := &qnode[T]{}

	q := &MPSC[T]{
		out: make(chan T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push appends a value. Returns false if the queue is closed.
//
// Thread-safety: safe to call from any number of goroutines concurrently.
func (q *MPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	newNode := &qnode[T]{value: value}

	var backoff uint8
	for {
		tailNode := q.tail.Load()

		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// Appended. The tail CAS may lose to a helping producer,
				// which is fine: tail converges either way.
				q.tail.CompareAndSwap(tailNode, newNode)
				q.cond.Signal()
				return true
			}
		} else {
			// another producer appended but has not advanced tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// Exponential backoff under contention: spin while cheap, then
		// yield so other producers can finish their CAS.
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// consume drains the linked list into the output channel and frees nodes.
func (q *MPSC[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		hasItems := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}

			hasItems = true
			value := next.value

			// advance head so the old node can be collected
			q.head.Store(next)

			q.out <- value

			var zero T
			next.value = zero
		}

		if !hasItems && q.closed.Load() {
			return
		}

		if !hasItems {
			q.mu.Lock()
			// re-check once the lock is held: a producer may have
			// signalled between the drain and here
			head := q.head.Load()
			if head.next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the receive channel. The channel is closed once the queue is
// closed and fully drained.
func (q *MPSC[T]) Recv() <-chan T {
	return q.out
}

// Close stops further writes. Values already queued are still delivered.
func (q *MPSC[T]) Close() {
	q.closed.Store(true)
	q.cond.Signal()
}

// Closed reports whether the queue has been closed.
func (q *MPSC[T]) Closed() bool {
	return q.closed.Load()
}
