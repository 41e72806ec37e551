// Package sync provides synchronization primitive implementations for spinlocks
// and semaphore.
package sync

import "sync/atomic"

// spinsBeforeYield bounds the busy-wait between yields so that a spinning
// acquirer on a single-CPU configuration cannot starve the lock holder it is
// waiting on.
const spinsBeforeYield = 100

var (
	// yieldFn surrenders the acquirer's CPU between spin rounds. The
	// scheduler installs it via SetYield when it starts; until then
	// contended acquirers busy-wait.
	yieldFn func()
)

// SetYield installs the function a contended Acquire uses to give up its CPU
// between spin rounds.
func SetYield(fn func()) { yieldFn = fn }

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock. After each round of failed attempts the acquirer yields its CPU
// so the holder can run and release the lock.
func (l *Spinlock) Acquire() {
	for spins := 0; ; spins++ {
		if atomic.SwapUint32(&l.state, 1) == 0 {
			return
		}

		archPause()

		if spins >= spinsBeforeYield {
			spins = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archPause hints the CPU that the caller is inside a spin-wait loop so the
// pipeline is not flooded with speculative loads.
func archPause()
