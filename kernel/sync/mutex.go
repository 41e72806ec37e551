package sync

import (
	"context"
	"time"
)

// Mutex is a sleeping lock: contended acquirers park on a wait queue instead
// of spinning. Use Spinlock for short critical sections that never sleep and
// Mutex everywhere a holder may block.
type Mutex struct {
	sem *Semaphore
}

// NewMutex returns an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: NewSemaphore(1)}
}

// Lock acquires the mutex, sleeping until it becomes available.
func (m *Mutex) Lock() {
	m.sem.Down()
}

// LockTimeout attempts to acquire the mutex within the supplied timeout. A
// zero timeout together with the NonBlocking flag makes this a try-lock.
func (m *Mutex) LockTimeout(ctx context.Context, timeout time.Duration, flags Flags) Result {
	return m.sem.DownTimeout(ctx, timeout, flags)
}

// Unlock releases the mutex. Unlocking a mutex that is not held hands a
// spurious wakeup to the next acquirer; callers are expected to pair Lock and
// Unlock the same way they would for a Spinlock.
func (m *Mutex) Unlock() {
	m.sem.Up()
}
