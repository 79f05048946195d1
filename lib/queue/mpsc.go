package queue

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node is a single linked list element
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is an unbounded multi-producer single-consumer queue. Producers
// append to a linked list with CAS, a pump goroutine moves items from the list
// to the Recv channel.
type LockFreeMPSC[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	out    chan *T
	closed atomic.Bool
	done   chan struct{}

	// producers between their closed check and the append
	pushing atomic.Int32

	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates a queue and starts its pump goroutine. The goroutine
// exits after Close once every pending item was received.
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &node[T]{}

	q := &LockFreeMPSC[T]{
		out:  make(chan *T),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.pump()

	return q
}

// Push appends an item. It returns false if the item is nil or the queue is
// closed.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil {
		return false
	}

	q.pushing.Add(1)
	defer q.pushing.Add(-1)
	if q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	var backoff uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// another producer may already have moved the tail, that's fine
				q.tail.CompareAndSwap(tail, n)
				q.wake()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin a little under low contention, yield under high contention
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// wake signals the pump. The signal is sent with the lock held, otherwise it
// can slip in between the pump's emptiness check and its Wait.
func (q *LockFreeMPSC[T]) wake() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// pump moves items from the list to the out channel
func (q *LockFreeMPSC[T]) pump() {
	defer close(q.done)
	defer close(q.out)

	for {
		moved := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			moved = true

			value := next.value
			q.head.Store(next)
			q.out <- value

			// the node is now the sentinel, drop the reference for the gc
			next.value = nil
		}

		if !moved && q.closed.Load() {
			// a producer that saw the queue open may still be appending
			for q.pushing.Load() != 0 {
				runtime.Gosched()
			}
			if q.head.Load().next.Load() == nil {
				return
			}
			continue
		}

		if !moved {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel items are delivered on. It is closed after Close
// once the queue ran empty.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close rejects further pushes. Pending items are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.wake()
}

// Done is closed when the pump goroutine has exited, i.e. the queue was
// closed and fully drained.
func (q *LockFreeMPSC[T]) Done() <-chan struct{} {
	return q.done
}

// IsClosed reports whether Close was called.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len counts the items not yet handed to the pump. O(n), debugging only.
func (q *LockFreeMPSC[T]) Len() int {
	count := 0
	for cur := q.head.Load().next.Load(); cur != nil; cur = cur.next.Load() {
		count++
	}
	return count
}
