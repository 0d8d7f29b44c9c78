// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package queue

import (
	"sync"
)

// ConcurrentQueue is an unbounded blocking FIFO connecting a producer
// channel to a consumer channel through an internal overflow buffer.
// Pushes never block; pops block until an item or shutdown.  After Stop
// the output channel is closed, so a blocked receiver always observes
// shutdown instead of hanging on an empty queue.
type ConcurrentQueue[T any] struct {
	started  sync.Once
	stopped  sync.Once
	chanIn   chan T
	chanOut  chan T
	overflow []T

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewConcurrentQueue constructs a ConcurrentQueue.  The bufferSize
// parameter sizes the in/out channels; items beyond that spill into the
// overflow slice rather than blocking the producer.
func NewConcurrentQueue[T any](bufferSize int) *ConcurrentQueue[T] {
	return &ConcurrentQueue[T]{
		chanIn:  make(chan T, bufferSize),
		chanOut: make(chan T, bufferSize),
		quit:    make(chan struct{}),
	}
}

// ChanIn returns the channel items are pushed onto.
func (q *ConcurrentQueue[T]) ChanIn() chan<- T {
	return q.chanIn
}

// ChanOut returns the channel items are popped from.  It is closed once
// the queue has fully shut down.
func (q *ConcurrentQueue[T]) ChanOut() <-chan T {
	return q.chanOut
}

// Start launches the goroutine that pumps items from the input side to
// the output side, buffering internally when the consumer falls behind.
func (q *ConcurrentQueue[T]) Start() {
	q.started.Do(q.start)
}

func (q *ConcurrentQueue[T]) start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(q.chanOut)

	out:
		for {
			nextElement, ok := q.next()
			if !ok {
				// Queue empty: wait for a push or shutdown.
				select {
				case item, ok := <-q.chanIn:
					if !ok {
						break out
					}

					// Try the fast path to the consumer
					// before touching the overflow buffer.
					select {
					case q.chanOut <- item:
					default:
						q.overflow = append(q.overflow, item)
					}

				case <-q.quit:
					break out
				}

				continue
			}

			select {
			case item, ok := <-q.chanIn:
				if !ok {
					break out
				}
				q.overflow = append(q.overflow, item)

			case q.chanOut <- nextElement:
				q.pop()

			case <-q.quit:
				break out
			}
		}
	}()
}

// next returns the element at the head of the overflow buffer, if any.
func (q *ConcurrentQueue[T]) next() (T, bool) {
	if len(q.overflow) == 0 {
		var zero T
		return zero, false
	}
	return q.overflow[0], true
}

// pop removes the head of the overflow buffer.
func (q *ConcurrentQueue[T]) pop() {
	var zero T
	q.overflow[0] = zero // avoid leak
	q.overflow = q.overflow[1:]
}

// Stop signals the pump goroutine to exit and waits for it.  Items
// still buffered are dropped; receivers see the output channel close.
// Stop is idempotent.
func (q *ConcurrentQueue[T]) Stop() {
	q.stopped.Do(func() {
		close(q.quit)
		q.wg.Wait()
	})
}
