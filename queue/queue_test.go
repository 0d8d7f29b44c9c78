// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestQueueOrdering asserts items pop in push order even when the
// producer runs far ahead of the consumer.
func TestQueueOrdering(t *testing.T) {
	t.Parallel()

	q := NewConcurrentQueue[int](2)
	q.Start()
	defer q.Stop()

	const n = 1000
	for i := 0; i < n; i++ {
		q.ChanIn() <- i
	}

	for i := 0; i < n; i++ {
		select {
		case item := <-q.ChanOut():
			require.Equal(t, i, item)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for item %d", i)
		}
	}
}

// TestQueueStopUnblocksReceiver asserts a receiver blocked on an empty
// queue observes shutdown rather than hanging.
func TestQueueStopUnblocksReceiver(t *testing.T) {
	t.Parallel()

	q := NewConcurrentQueue[string](1)
	q.Start()

	done := make(chan struct{})
	go func() {
		_, ok := <-q.ChanOut()
		require.False(t, ok)
		close(done)
	}()

	// Give the receiver time to block.
	time.Sleep(50 * time.Millisecond)
	q.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("receiver still blocked after Stop")
	}
}

// TestQueueStopIdempotent asserts double Stop does not panic or hang.
func TestQueueStopIdempotent(t *testing.T) {
	t.Parallel()

	q := NewConcurrentQueue[int](1)
	q.Start()
	q.ChanIn() <- 1
	q.Stop()
	q.Stop()
}
