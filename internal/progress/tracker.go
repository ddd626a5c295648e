// Package progress drives completion of asynchronous calls, either from a
// dedicated goroutine or inline on the waiting caller.
package progress

import (
	"context"
	"sync"
)

// Tracker is a count-down latch. It goes from pending to signalled exactly once,
// when the count reaches zero; signals past zero are ignored and counted.
type Tracker struct {
	mu        sync.Mutex
	remaining int
	done      chan struct{}
	extra     int
}

// NewTracker returns a tracker waiting for n signals.
func NewTracker(n int) *Tracker {
	t := &Tracker{}
	t.Init(n)
	return t
}

// Init re-arms the tracker for n signals. A pooled tracker is re-armed before
// every use; it must not be re-armed while someone is waiting on it.
func (t *Tracker) Init(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.remaining = n
	t.extra = 0
	t.done = make(chan struct{})
	if n <= 0 {
		t.remaining = 0
		close(t.done)
	}
}

// Signal counts down once.
func (t *Tracker) Signal() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.remaining == 0 {
		t.extra++
		return
	}
	t.remaining--
	if t.remaining == 0 {
		close(t.done)
	}
}

// Done returns a channel closed once the tracker is signalled.
func (t *Tracker) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Test reports whether the tracker has been signalled.
func (t *Tracker) Test() bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}

// Wait blocks until the tracker is signalled or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Extra returns the number of signals received after the count reached zero.
func (t *Tracker) Extra() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.extra
}
