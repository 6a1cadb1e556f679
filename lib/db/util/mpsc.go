package util

import (
	"sync"
	"sync/atomic"
)

type mpscNode[T any] struct {
	value *T
	next  *mpscNode[T]
}

// MPSCQueue is an unbounded multi-producer single-consumer queue. Producers
// push onto a lock-free stack; a pump goroutine takes the whole stack at once,
// restores push order and hands the values out through Recv. Values pushed by
// one producer are received in the order they were pushed.
//
// Thread-safety: Push and Close may be called from any goroutine, Recv must
// be drained by a single consumer.
type MPSCQueue[T any] struct {
	top     atomic.Pointer[mpscNode[T]]
	wake    chan struct{}
	out     chan *T
	aborted chan struct{}
	abort   sync.Once
	closed  atomic.Bool
	queued  atomic.Int64
}

// NewMPSCQueue creates a queue and starts its pump goroutine
func NewMPSCQueue[T any]() *MPSCQueue[T] {
	q := &MPSCQueue[T]{
		wake:    make(chan struct{}, 1),
		out:     make(chan *T),
		aborted: make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push adds value to the queue. It returns false if value is nil or the
// queue is closed.
func (q *MPSCQueue[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}
	n := &mpscNode[T]{value: value}
	q.queued.Add(1)
	for {
		n.next = q.top.Load()
		if q.top.CompareAndSwap(n.next, n) {
			break
		}
	}
	q.signal()
	return true
}

func (q *MPSCQueue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MPSCQueue[T]) pump() {
	defer close(q.out)
	for {
		batch := q.top.Swap(nil)
		if batch == nil {
			if q.closed.Load() && q.top.Load() == nil {
				return
			}
			select {
			case <-q.wake:
			case <-q.aborted:
				return
			}
			continue
		}

		// the stack is newest first
		var ordered *mpscNode[T]
		for batch != nil {
			next := batch.next
			batch.next = ordered
			ordered = batch
			batch = next
		}
		for n := ordered; n != nil; n = n.next {
			// counted as received once offered, so Len never lags a receive
			q.queued.Add(-1)
			select {
			case q.out <- n.value:
			case <-q.aborted:
				return
			}
			n.value = nil
		}
	}
}

// Recv returns the channel values are delivered on. It is closed once the
// queue is closed and drained, or aborted.
func (q *MPSCQueue[T]) Recv() <-chan *T {
	return q.out
}

// Close stops accepting values. Values already queued are still delivered.
func (q *MPSCQueue[T]) Close() {
	q.closed.Store(true)
	q.signal()
}

// Abort closes the queue and drops every value not delivered yet
func (q *MPSCQueue[T]) Abort() {
	q.closed.Store(true)
	q.abort.Do(func() { close(q.aborted) })
}

// IsClosed reports whether Close or Abort was called
func (q *MPSCQueue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of values pushed and not yet offered to the
// consumer. It is zero once every pushed value was received.
func (q *MPSCQueue[T]) Len() int {
	return int(q.queued.Load())
}
