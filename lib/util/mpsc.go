package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// mpscNode is a single element of the queue
type mpscNode[T any] struct {
	value T
	next  atomic.Pointer[mpscNode[T]]
}

// MPSCQueue is a lock-free multi-producer single-consumer queue.
//
// Producers append to a linked list with CAS operations. A single
// forwarding goroutine hands the values to the consumer through the Recv()
// channel, so the consumer can select on it together with other events.
//
// Values pushed by one producer are delivered in push order. Values of
// different producers are ordered by the completion of their Push calls.
type MPSCQueue[T any] struct {
	head   atomic.Pointer[mpscNode[T]]
	tail   atomic.Pointer[mpscNode[T]]
	out    chan T
	closed atomic.Bool
	done   chan struct{}

	// wakes the forwarder when it found the list empty
	mu   sync.Mutex
	cond *sync.Cond
}

// NewMPSCQueue creates a queue and starts its forwarding goroutine
func NewMPSCQueue[T any]() *MPSCQueue[T] {
	sentinel := &mpscNode[T]{}
	q := &MPSCQueue[T]{
		out:  make(chan T),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.forward()
	return q
}

// Push appends a value. It returns false if the queue is closed. A Push
// racing with Close may be accepted but never delivered, consumers that
// need an answer must also watch for shutdown.
//
// Thread-safety: Push may be called from any number of goroutines.
func (q *MPSCQueue[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}
	var spins uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				q.wake()
				return true
			}
		} else {
			// another producer appended but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// wake signals the forwarder. The signal is sent while holding the mutex so
// it cannot fall between the forwarder's emptiness check and its Wait.
func (q *MPSCQueue[T]) wake() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// forward moves values from the list to the output channel until the queue
// is closed and drained
func (q *MPSCQueue[T]) forward() {
	defer close(q.done)
	defer close(q.out)

	var zero T
	for {
		head := q.head.Load()
		next := head.next.Load()
		if next != nil {
			q.head.Store(next)
			q.out <- next.value
			next.value = zero
			continue
		}

		q.mu.Lock()
		for q.head.Load().next.Load() == nil && !q.closed.Load() {
			q.cond.Wait()
		}
		drained := q.head.Load().next.Load() == nil
		q.mu.Unlock()

		if drained {
			return
		}
	}
}

// Recv returns the channel delivering the queued values. It is closed after
// Close once every value pushed before has been delivered.
func (q *MPSCQueue[T]) Recv() <-chan T {
	return q.out
}

// Close rejects further pushes. Values already queued are still delivered.
func (q *MPSCQueue[T]) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.wake()
}

// Done is closed when the forwarder has exited
func (q *MPSCQueue[T]) Done() <-chan struct{} {
	return q.done
}

// IsClosed reports whether Close was called
func (q *MPSCQueue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the approximate number of queued values. O(n), for diagnostics only.
func (q *MPSCQueue[T]) Len() int {
	count := 0
	for n := q.head.Load().next.Load(); n != nil; n = n.next.Load() {
		count++
	}
	return count
}
