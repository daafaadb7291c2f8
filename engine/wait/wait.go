// Package wait implements the worker's notify/wait primitive: a single
// pending-notification slot a producer can signal without blocking and a
// consumer can wait on with a timeout. Multiple notifications between
// waits coalesce into one wakeup, matching spec.md §5's "notifications are
// coalesced (one pending is enough)". Grounded on the teacher's single-slot
// channel idioms (engine/internal/resources.Manager.checkpointCh,
// engine/telemetry/events.subscriber's buffered channel).
package wait

import "time"

// Waiter is a coalescing notify/wait primitive.
type Waiter struct {
	ch chan struct{}
}

// New constructs a Waiter.
func New() *Waiter {
	return &Waiter{ch: make(chan struct{}, 1)}
}

// Notify wakes a pending or future Wait call. Safe to call from multiple
// goroutines; redundant notifications before the next Wait are coalesced.
func (w *Waiter) Notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Notify is called or timeout elapses, whichever first.
// A non-positive timeout waits indefinitely.
func (w *Waiter) Wait(timeout time.Duration) {
	if timeout <= 0 {
		<-w.ch
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.ch:
	case <-t.C:
	}
}

// WaitWithPredicate blocks, re-checking done after every notification (and
// once up front), until done reports true.
func (w *Waiter) WaitWithPredicate(done func() bool) {
	for !done() {
		<-w.ch
	}
}
