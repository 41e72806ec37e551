package sync

import (
	"context"
	"time"
)

// Cond is a condition variable bound to a Mutex. Waiters atomically release
// the mutex and park on the condition's wait queue; Signal and Broadcast use
// the queue's signal semantics, so a notification with nobody waiting is
// simply lost.
type Cond struct {
	wq *WaitQueue
}

// NewCond returns an initialized condition variable.
func NewCond() *Cond {
	return &Cond{wq: New()}
}

// Wait releases m, parks the caller until the condition is signalled and
// reacquires m before returning. The usual spurious-wakeup caveat applies:
// callers must re-check their predicate in a loop.
func (c *Cond) Wait(m *Mutex) {
	c.WaitTimeout(nil, m, 0, None)
}

// WaitTimeout behaves like Wait but also returns on timeout or, with the
// Interruptible flag, on ctx cancellation. The mutex is reacquired on every
// return path.
func (c *Cond) WaitTimeout(ctx context.Context, m *Mutex, timeout time.Duration, flags Flags) Result {
	// Enqueue before dropping the mutex so a Signal issued by the thread
	// that observes the unlocked mutex cannot slip past us.
	w, res := c.wq.prepare(timeout, flags)
	m.Unlock()
	if w != nil {
		res = c.wq.wait(ctx, w, timeout, flags)
	}
	m.Lock()
	return res
}

// Signal wakes one waiter if any is present.
func (c *Cond) Signal() {
	c.wq.Signal()
}

// Broadcast wakes every current waiter.
func (c *Cond) Broadcast() {
	c.wq.WakeAll()
}
