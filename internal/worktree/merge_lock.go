package worktree

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// mergeLock is the process-wide serializer described in spec.md §3/§9: at
// most one mergeWorktreeIntoMain proceeds at any instant, acquisition queues
// fairly (FIFO), and release is tied to the scope that acquired it even on
// panic. golang.org/x/sync/semaphore.Weighted grants a capacity-1 semaphore
// to Acquire callers in the order they called Acquire, which gives the FIFO
// ordering spec.md §9 asks for more directly than a bare sync.Mutex (whose
// wake order is unspecified).
type mergeLock struct {
	sem *semaphore.Weighted
}

func newMergeLock() *mergeLock {
	return &mergeLock{sem: semaphore.NewWeighted(1)}
}

// run acquires the lock, invokes fn, and releases the lock unconditionally —
// including when fn panics, since a deferred call still runs while a panic
// unwinds the stack — before the panic continues to propagate.
func (l *mergeLock) run(ctx context.Context, fn func() error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	return fn()
}
