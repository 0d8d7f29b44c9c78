// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bdv

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CallbackExpireCount is the number of consecutive liveness probes a
// callback may fail before it is considered dead and its session
// becomes eligible for garbage collection.
const CallbackExpireCount = 5

// DefaultPollTimeout bounds how long a single long poll blocks before
// returning an empty result to the client.
const DefaultPollTimeout = 50 * time.Second

// ErrCallbackShutdown is returned by Respond when the callback has been
// shut down while a poll was in flight.
var ErrCallbackShutdown = errors.New("callback shut down")

// SocketCallback is the long-poll notification channel of a single
// view.  Notifications accumulate in an internal buffer until the
// remote client polls; a bounded counter of unacknowledged liveness
// probes decides whether the client is still listening.
//
// The probe mutex serves double duty: Respond holds it for the full
// duration of a poll, so a probe that fails to take the lock knows a
// poll is in flight and reports the callback alive without touching
// the counter.
type SocketCallback struct {
	probeMtx    sync.Mutex
	count       atomic.Uint32
	expireCount uint32

	bufMtx sync.Mutex
	buf    []Notification

	// wake holds a single pending wakeup for a blocked poller.
	wake chan struct{}

	quit     chan struct{}
	shutdown sync.Once
}

// NewSocketCallback returns a callback expiring after expireCount
// failed liveness probes.  Zero selects CallbackExpireCount.
func NewSocketCallback(expireCount uint32) *SocketCallback {
	if expireCount == 0 {
		expireCount = CallbackExpireCount
	}
	return &SocketCallback{
		expireCount: expireCount,
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
}

// IsValid performs a non-blocking liveness probe.  If the probe lock is
// taken a poll is in flight and the callback is trivially alive.
// Otherwise the probe counts against the callback, and once
// expireCount consecutive probes accumulate without an intervening
// reset the callback is reported dead.
func (c *SocketCallback) IsValid() bool {
	if c.probeMtx.TryLock() {
		defer c.probeMtx.Unlock()

		if c.count.Add(1) >= c.expireCount {
			return false
		}
	}
	return true
}

// ResetCounter zeroes the liveness counter.  Called on any successful
// interaction with the remote client.
func (c *SocketCallback) ResetCounter() {
	c.count.Store(0)
}

// Emit wakes a blocked poller so it can retrieve buffered
// notifications.  It never blocks.
func (c *SocketCallback) Emit() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Push appends a notification to the buffer and wakes any blocked
// poller.
func (c *SocketCallback) Push(n Notification) {
	c.bufMtx.Lock()
	c.buf = append(c.buf, n)
	c.bufMtx.Unlock()
	c.Emit()
}

// drain empties the notification buffer, returning its contents.
func (c *SocketCallback) drain() []Notification {
	c.bufMtx.Lock()
	defer c.bufMtx.Unlock()

	if len(c.buf) == 0 {
		return nil
	}
	ntfns := c.buf
	c.buf = nil
	return ntfns
}

// Respond blocks until notifications are available, the timeout
// elapses, or the callback shuts down, and returns the notifications
// accumulated since the last successful poll.  Receiving a poll at all
// proves the client is listening, so the liveness counter resets on
// entry.
//
// The probe lock is held for the duration, so concurrent IsValid
// probes observe the in-flight poll and return true.
func (c *SocketCallback) Respond(timeout time.Duration) ([]Notification, error) {
	c.probeMtx.Lock()
	defer c.probeMtx.Unlock()

	c.ResetCounter()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if ntfns := c.drain(); len(ntfns) != 0 {
			return ntfns, nil
		}

		select {
		case <-c.wake:
			// Buffer may have filled; loop and drain.

		case <-timer.C:
			return nil, nil

		case <-c.quit:
			return nil, ErrCallbackShutdown
		}
	}
}

// Shutdown signals any in-flight responder and then blocks until no
// responder remains by acquiring the probe lock unconditionally.  It
// is idempotent, and after it returns no goroutine touches the
// callback again.
func (c *SocketCallback) Shutdown() {
	c.shutdown.Do(func() {
		close(c.quit)
	})

	// After signaling shutdown, grab the probe lock to make sure all
	// responders have terminated.
	c.probeMtx.Lock()
	c.probeMtx.Unlock()
}
