package sync

import "context"

// Blocker connects wait-queue sleeps to the thread scheduler. A sleeping
// thread must give its CPU back before blocking and go through a fresh
// scheduling decision after waking; the scheduler's thread type implements
// both halves and threads carry themselves into every sleep through their
// context. The wait queue itself stays ignorant of thread state - all it
// sees is this pair of callbacks.
type Blocker interface {
	// BlockBegin is called after the sleeper is enqueued, right before it
	// blocks.
	BlockBegin()

	// BlockEnd is called after the sleep concludes, with no wait-queue
	// lock held.
	BlockEnd()
}

type blockerKey struct{}

// WithBlocker returns a context carrying b. Sleeps performed with the
// returned context release and reacquire the caller's CPU around the wait.
func WithBlocker(ctx context.Context, b Blocker) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, blockerKey{}, b)
}

func blockerFrom(ctx context.Context) Blocker {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(blockerKey{}).(Blocker)
	return b
}
