package sync

import (
	"context"
	"time"
)

// Flags control the behavior of a WaitQueue sleep.
type Flags uint8

const (
	// None requests the default, uninterruptible, blocking sleep.
	None Flags = 0

	// Interruptible causes a pending thread termination request
	// (delivered by cancelling the context passed to Sleep) to flip the
	// sleep's result to Intr instead of letting it block forever.
	Interruptible Flags = 1 << iota

	// NonBlocking causes a zero-timeout sleep to return Timeout
	// immediately instead of enqueueing the caller.
	NonBlocking

	// Futex marks the sleep as composable: if it returns without an
	// explicit wakeup (timeout or interruption), the queue accrues a
	// wakeup debt so that the next WakeOne is silently consumed instead
	// of being delivered to a later, unrelated sleeper. This keeps a
	// futex's user-space counter in sync with kernel wait state. No
	// caller other than the futex code in package proc may rely on this
	// behavior.
	Futex
)

// Result reports the outcome of a WaitQueue sleep.
type Result uint8

const (
	// OK means the sleep returned via an explicit wakeup, a saved
	// wakeup balance, or a closed queue.
	OK Result = iota
	// Timeout means the deadline elapsed before any wakeup arrived.
	Timeout
	// Intr means an Interruptible sleep observed its context cancelled.
	Intr
)

// waiter is the FIFO link for one blocked sleeper. A waiter starts out
// linked into its queue's sleeper list; exactly one of WakeOne/WakeAll/Close
// unlinks it and signals wake, or the sleeper itself unlinks it on timeout
// or interruption.
type waiter struct {
	wake   chan struct{}
	linked bool
}

// WaitQueue is the FIFO blocking primitive every higher-level
// synchronization object in this kernel (mutex, condition variable,
// semaphore, futex) is built on top of. See Mutex, Cond and Semaphore in
// this package.
//
// The zero value is not ready to use; construct one with New or
// NewWithCount.
type WaitQueue struct {
	lock     Spinlock
	sleepers []*waiter
	balance  int
	closed   bool
}

// New returns an initialized, empty WaitQueue.
func New() *WaitQueue {
	return &WaitQueue{}
}

// NewWithCount returns a WaitQueue whose wakeup balance is seeded to count.
// A positive count lets that many future sleeps return immediately; HelenOS
// calls this waitq_initialize_with_count and uses it to seed semaphores.
func NewWithCount(count int) *WaitQueue {
	return &WaitQueue{balance: count}
}

// Sleep blocks the calling goroutine on wq until one of: an explicit wakeup
// (WakeOne/WakeAll/Signal/Close), timeout elapses, or — when flags includes
// Interruptible — ctx is done.
//
// timeout <= 0 means no deadline: the sleep blocks until woken or
// interrupted, unless flags includes NonBlocking, in which case it returns
// Timeout immediately instead of enqueueing the caller.
//
// The caller is responsible for passing a ctx tied to its own thread's
// termination-request signal when Interruptible is set; WaitQueue has no
// notion of "the current thread" of its own (see the design note on
// avoiding hidden singletons — thread/task state lives one layer up, in
// package proc).
func (wq *WaitQueue) Sleep(ctx context.Context, timeout time.Duration, flags Flags) Result {
	w, res := wq.prepare(timeout, flags)
	if w == nil {
		return res
	}
	return wq.wait(ctx, w, timeout, flags)
}

// prepare performs the non-blocking half of a sleep: it consumes a saved
// wakeup, honors closed queues and NonBlocking requests, or enqueues the
// caller. A nil waiter means the sleep already completed with the returned
// Result. Splitting the sleep this way lets Cond enqueue its waiter before
// releasing the caller's mutex, closing the missed-signal window.
func (wq *WaitQueue) prepare(timeout time.Duration, flags Flags) (*waiter, Result) {
	wq.lock.Acquire()

	if wq.closed {
		wq.lock.Release()
		return nil, OK
	}

	if wq.balance > 0 {
		wq.balance--
		wq.lock.Release()
		return nil, OK
	}

	if flags&NonBlocking != 0 && timeout <= 0 {
		wq.lock.Release()
		return nil, Timeout
	}

	w := &waiter{wake: make(chan struct{}, 1), linked: true}
	wq.sleepers = append(wq.sleepers, w)
	wq.lock.Release()

	return w, OK
}

// wait performs the blocking half of a sleep started by prepare. This is
// the single place a thread gives its CPU back: when ctx carries a Blocker,
// the scheduler is invoked around the wait.
func (wq *WaitQueue) wait(ctx context.Context, w *waiter, timeout time.Duration, flags Flags) Result {
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	var cancelC <-chan struct{}
	interruptible := flags&Interruptible != 0
	if interruptible && ctx != nil {
		cancelC = ctx.Done()
	}

	b := blockerFrom(ctx)
	if b != nil {
		b.BlockBegin()
	}

	var timedOut bool
	select {
	case <-w.wake:
	case <-timerC:
		timedOut = true
	case <-cancelC:
	}

	wq.lock.Acquire()

	// Only link_in_use()==false proves a successful wakeup: a wakeup and
	// a timeout/interruption can race, and the wakeup always wins.
	result := OK
	if w.linked {
		wq.unlink(w)

		result = Intr
		if timedOut {
			result = Timeout
		}

		if flags&Futex != 0 {
			wq.balance--
		}
	}

	wq.lock.Release()

	if b != nil {
		b.BlockEnd()
	}

	return result
}

// unlink removes w from the sleeper FIFO. Must be called with wq.lock held.
func (wq *WaitQueue) unlink(w *waiter) {
	for i, s := range wq.sleepers {
		if s == w {
			wq.sleepers = append(wq.sleepers[:i], wq.sleepers[i+1:]...)
			break
		}
	}
	w.linked = false
}

// popFront dequeues and returns the head of the sleeper FIFO, or nil if
// empty. Must be called with wq.lock held.
func (wq *WaitQueue) popFront() *waiter {
	if len(wq.sleepers) == 0 {
		return nil
	}
	w := wq.sleepers[0]
	wq.sleepers = wq.sleepers[1:]
	w.linked = false
	return w
}

func (w *waiter) signal() {
	w.wake <- struct{}{}
}

// WakeOne wakes the longest-waiting sleeper. If the balance is in debt, it
// instead annuls one unit of that debt without waking anyone, even when
// sleepers are queued. Otherwise, if the queue is empty, it increments the
// wakeup balance so a future sleep returns immediately. Debt only ever arises
// from a Futex
// sleep, so this keeps a contended futex's accounting correct without
// over-delivering a wakeup meant for an unrelated sleeper.
func (wq *WaitQueue) WakeOne() {
	wq.lock.Acquire()
	defer wq.lock.Release()

	if wq.closed {
		return
	}

	if wq.balance < 0 || len(wq.sleepers) == 0 {
		wq.balance++
		return
	}

	wq.popFront().signal()
}

// Signal wakes one sleeper if any is present and otherwise does nothing —
// no balance is ever touched. This is condition-variable signal semantics:
// a Signal with nobody waiting is simply lost.
func (wq *WaitQueue) Signal() {
	wq.lock.Acquire()
	defer wq.lock.Release()

	if wq.closed || len(wq.sleepers) == 0 {
		return
	}

	wq.popFront().signal()
}

// WakeAll wakes every sleeper currently queued and resets the wakeup
// balance to zero.
func (wq *WaitQueue) WakeAll() {
	wq.lock.Acquire()
	defer wq.lock.Release()
	wq.balance = 0
	wq.wakeAllLocked()
}

func (wq *WaitQueue) wakeAllLocked() {
	for {
		w := wq.popFront()
		if w == nil {
			return
		}
		w.signal()
	}
}

// Close wakes every current sleeper, resets the balance, and marks the
// queue closed: every subsequent Sleep returns OK immediately without
// enqueueing. Close is used by task_kill to force-interrupt sleepers whose
// thread is being torn down (see package proc).
func (wq *WaitQueue) Close() {
	wq.lock.Acquire()
	defer wq.lock.Release()
	wq.closed = true
	wq.balance = 0
	wq.wakeAllLocked()
}

// Closed reports whether Close has been called.
func (wq *WaitQueue) Closed() bool {
	wq.lock.Acquire()
	defer wq.lock.Release()
	return wq.closed
}

// Len reports the number of threads currently parked on wq. Intended for
// tests and debugging; invariant 4 in the testable-properties list
// (sleepers non-empty implies balance >= 0) can be checked against this.
func (wq *WaitQueue) Len() int {
	wq.lock.Acquire()
	defer wq.lock.Release()
	return len(wq.sleepers)
}

// Balance reports the current wakeup balance (negative means debt).
func (wq *WaitQueue) Balance() int {
	wq.lock.Acquire()
	defer wq.lock.Release()
	return wq.balance
}
