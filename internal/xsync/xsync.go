// Package xsync implements the small synchronization tools used by the
// execution engine: one-shot latches and countdown latches.
package xsync

import (
	"sync"
	"sync/atomic"
)

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()

	if l.Test() {
		// Already triggered.
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel that one can use on a `select` to check when
// the latch triggers.
// The returned channel is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// Countdown is a latch that triggers once a fixed number of Dec calls have
// been made. It is the building block for cross-stream barriers: each party
// decrements when it arrives, and waiters unblock when the count reaches zero.
type Countdown struct {
	remaining atomic.Int64
	latch     *Latch
}

// NewCountdown returns a Countdown that triggers after count calls to Dec.
// A count <= 0 returns an already-triggered Countdown.
func NewCountdown(count int) *Countdown {
	c := &Countdown{latch: NewLatch()}
	c.remaining.Store(int64(count))
	if count <= 0 {
		c.latch.Trigger()
	}
	return c
}

// Dec decrements the count. It returns true on the call that brought the
// count to zero and triggered the latch. Calls past zero are no-ops.
func (c *Countdown) Dec() bool {
	n := c.remaining.Add(-1)
	if n == 0 {
		c.latch.Trigger()
		return true
	}
	return false
}

// Release triggers the latch regardless of the remaining count, unblocking
// every waiter. It is meant for error paths that must not leave waiters
// parked behind a countdown that will never complete.
func (c *Countdown) Release() {
	c.latch.Trigger()
}

// Done checks whether the count has reached zero.
func (c *Countdown) Done() bool {
	return c.latch.Test()
}

// Wait blocks until the count reaches zero.
func (c *Countdown) Wait() {
	c.latch.Wait()
}

// Remaining returns the current count. It is inherently racy and meant for
// logging and tests only.
func (c *Countdown) Remaining() int {
	n := c.remaining.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}
